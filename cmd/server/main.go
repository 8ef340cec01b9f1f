package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-approvals/internal/authz"
	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Connect to NATS; an empty URL disables publishing
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer natsConn.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set, outcome events will not be published")
	}

	// Initialize repositories
	flowRepo := repository.NewFlowRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	delegationRepo := repository.NewDelegationRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize directory client
	directoryClient := client.NewDirectoryClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	log.Info().Str("url", cfg.Directory.BaseURL).Msg("Directory client initialized")

	// Initialize services
	publisher := client.NewNotificationPublisher(natsConn, log)
	flowService := service.NewFlowService(flowRepo, log)
	resolver := service.NewApproverResolver(directoryClient, delegationRepo, log)
	approvalService := service.NewApprovalService(flowService, resolver, requestRepo, auditRepo, publisher, log)
	delegationService := service.NewDelegationService(delegationRepo, log)
	authorizer := authz.New(authz.DefaultGrants())

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, flowService, delegationService, authorizer, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Request routes
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.GetRequest(w, r)
		case http.MethodPost:
			httpHandler.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/requests/decide", httpHandler.Decide)
	mux.HandleFunc("/api/v1/requests/cancel", httpHandler.Cancel)
	mux.HandleFunc("/api/v1/requests/pending", httpHandler.PendingApprovals)
	mux.HandleFunc("/api/v1/requests/timeline", httpHandler.Timeline)
	mux.HandleFunc("/api/v1/requests/history", httpHandler.History)
	mux.HandleFunc("/api/v1/requests/sweep", httpHandler.RunSweep)

	// Flow administration routes
	mux.HandleFunc("/api/v1/types", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListTypes(w, r)
		case http.MethodPost:
			httpHandler.CreateType(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/types/default-flow", httpHandler.SetDefaultFlow)
	mux.HandleFunc("/api/v1/flows", httpHandler.CreateFlow)
	mux.HandleFunc("/api/v1/flows/steps", httpHandler.AddStep)

	// Delegation routes
	mux.HandleFunc("/api/v1/delegations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListDelegations(w, r)
		case http.MethodPost:
			httpHandler.CreateDelegation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/delegations/revoke", httpHandler.RevokeDelegation)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(log)(h)
	h = middleware.Recovery(log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Periodic auto-approval sweep. The engine holds no timer of its own;
	// this loop is the scheduler that pushes overdue records forward.
	if cfg.Sweep.Enabled {
		go func() {
			ticker := time.NewTicker(cfg.Sweep.Interval)
			defer ticker.Stop()

			log.Info().Dur("interval", cfg.Sweep.Interval).Msg("Auto-approval sweep started")
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					applied, err := approvalService.ApplyAutoApprovals(ctx)
					if err != nil {
						log.Error().Err(err).Msg("Auto-approval sweep failed")
						continue
					}
					if applied > 0 {
						log.Info().Int("applied", applied).Msg("Auto-approval sweep applied decisions")
					}
				}
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
