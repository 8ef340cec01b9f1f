// Package authz maps roles to explicit capability sets. Grants are expanded
// into a lookup table at construction time; there is no wildcard or pattern
// matching at check time.
package authz

// Capability names one permitted operation on the approval service.
type Capability string

const (
	CapRequestsCreate    Capability = "requests:create"
	CapRequestsRead      Capability = "requests:read"
	CapRequestsDecide    Capability = "requests:decide"
	CapRequestsCancel    Capability = "requests:cancel"
	CapFlowsManage       Capability = "flows:manage"
	CapDelegationsManage Capability = "delegations:manage"
	CapSweepRun          Capability = "sweep:run"
)

// Authorizer answers role/capability checks from a pre-expanded table.
type Authorizer struct {
	byRole map[string]map[Capability]struct{}
}

// New builds an Authorizer from role → capability grants.
func New(grants map[string][]Capability) *Authorizer {
	byRole := make(map[string]map[Capability]struct{}, len(grants))
	for role, caps := range grants {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		byRole[role] = set
	}
	return &Authorizer{byRole: byRole}
}

// DefaultGrants is the built-in role table.
func DefaultGrants() map[string][]Capability {
	return map[string][]Capability{
		"employee": {
			CapRequestsCreate,
			CapRequestsRead,
			CapRequestsCancel,
		},
		"approver": {
			CapRequestsRead,
			CapRequestsDecide,
		},
		"approvals_admin": {
			CapRequestsCreate,
			CapRequestsRead,
			CapRequestsDecide,
			CapRequestsCancel,
			CapFlowsManage,
			CapDelegationsManage,
			CapSweepRun,
		},
	}
}

// Can reports whether any of the roles grants the capability.
func (a *Authorizer) Can(roles []string, cap Capability) bool {
	for _, role := range roles {
		if set, ok := a.byRole[role]; ok {
			if _, ok := set[cap]; ok {
				return true
			}
		}
	}
	return false
}
