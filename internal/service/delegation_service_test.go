package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type fakeDelegationStore struct {
	byID  map[string]*repository.Delegation
	order []string
}

func newFakeDelegationStore() *fakeDelegationStore {
	return &fakeDelegationStore{byID: make(map[string]*repository.Delegation)}
}

func (f *fakeDelegationStore) Create(_ context.Context, d *repository.Delegation) error {
	cp := *d
	f.byID[d.ID] = &cp
	f.order = append(f.order, d.ID)
	return nil
}

func (f *fakeDelegationStore) GetByID(_ context.Context, id string) (*repository.Delegation, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NotFound("delegation", id)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDelegationStore) ListByDelegator(_ context.Context, delegatorID string) ([]*repository.Delegation, error) {
	var out []*repository.Delegation
	for i := len(f.order) - 1; i >= 0; i-- {
		if d := f.byID[f.order[i]]; d.DelegatorID == delegatorID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDelegationStore) Deactivate(_ context.Context, id string) error {
	d, ok := f.byID[id]
	if !ok {
		return apperrors.NotFound("delegation", id)
	}
	d.IsActive = false
	return nil
}

func newDelegationService() (*DelegationService, *fakeDelegationStore) {
	store := newFakeDelegationStore()
	return NewDelegationService(store, zerolog.Nop()), store
}

func validInput() CreateDelegationInput {
	return CreateDelegationInput{
		DelegatorID: "fin-a",
		DelegateID:  "deputy",
		StartDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		TypeCodes:   []string{"expense"},
	}
}

func TestCreateDelegation(t *testing.T) {
	svc, _ := newDelegationService()
	d, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.True(t, d.IsActive)
	assert.True(t, d.Covers("expense"))
	assert.False(t, d.Covers("purchase"))
}

func TestCreateDelegationValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateDelegationInput)
	}{
		{"missing delegator", func(in *CreateDelegationInput) { in.DelegatorID = "" }},
		{"missing delegate", func(in *CreateDelegationInput) { in.DelegateID = "" }},
		{"self delegation", func(in *CreateDelegationInput) { in.DelegateID = in.DelegatorID }},
		{"end before start", func(in *CreateDelegationInput) { in.EndDate = in.StartDate.AddDate(0, 0, -1) }},
		{"empty scope", func(in *CreateDelegationInput) { in.TypeCodes = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newDelegationService()
			in := validInput()
			tt.mutate(&in)
			_, err := svc.Create(context.Background(), in)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestCreateDelegationAllTypesNeedsNoCodes(t *testing.T) {
	svc, _ := newDelegationService()
	in := validInput()
	in.TypeCodes = nil
	in.AllTypes = true
	d, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, d.Covers("anything"))
}

func TestSingleDayDelegation(t *testing.T) {
	svc, _ := newDelegationService()
	in := validInput()
	in.EndDate = in.StartDate
	d, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, d.EffectiveOn(in.StartDate))
	assert.False(t, d.EffectiveOn(in.StartDate.AddDate(0, 0, 1)))
}

func TestRevokeDelegation(t *testing.T) {
	svc, store := newDelegationService()
	ctx := context.Background()
	d, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	err = svc.Revoke(ctx, d.ID, "someone-else")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))

	require.NoError(t, svc.Revoke(ctx, d.ID, d.DelegatorID))
	stored, err := store.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestListDelegationsNewestFirst(t *testing.T) {
	svc, _ := newDelegationService()
	ctx := context.Background()

	first, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	second, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	list, err := svc.List(ctx, "fin-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}
