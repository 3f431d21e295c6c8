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
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-screening-workflow/internal/collaborators"
	"github.com/pesio-ai/be-screening-workflow/internal/database"
	"github.com/pesio-ai/be-screening-workflow/internal/events"
	"github.com/pesio-ai/be-screening-workflow/internal/handler"
	"github.com/pesio-ai/be-screening-workflow/internal/repository"
	"github.com/pesio-ai/be-screening-workflow/internal/workflow"
	"github.com/pesio-ai/be-screening-workflow/pkg/appconfig"
	"github.com/pesio-ai/be-screening-workflow/pkg/httpmw"
	"github.com/pesio-ai/be-screening-workflow/pkg/idgen"
	"github.com/pesio-ai/be-screening-workflow/pkg/obslog"
	"github.com/pesio-ai/be-screening-workflow/pkg/sessionlock"
)

func main() {
	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := obslog.New(obslog.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("starting screening workflow engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("database connection established")

	natsConn, err := nats.Connect(cfg.Events.NATSURL)
	if err != nil {
		log.Warn().Err(err).Msg("nats unavailable, events will be no-ops")
		natsConn = nil
	} else {
		defer natsConn.Close()
	}

	sessions := repository.NewSessionRepository(db)
	activityLogs := repository.NewActivityLogRepository(db)
	approvals := repository.NewApprovalRepository(db)
	locks := repository.NewLockRepository(db)
	grants := repository.NewUserAccessGrantRepository(db)

	publisher := events.NewPublisher(natsConn, cfg.Events.SubjectPrefix, log)
	locker := sessionlock.NewRegistry()

	identityClient := collaborators.NewIdentityClient(cfg.Collaborators.IdentityBaseURL)
	patientClient := collaborators.NewPatientClient(cfg.Collaborators.PatientBaseURL, log)

	engine := workflow.New(
		sessions, activityLogs, approvals, locks, grants,
		idgen.UUIDGenerator{}, idgen.SystemClock{}, locker, publisher, patientClient,
		workflow.Config{
			DefaultApprovalTTL:     cfg.Workflow.DefaultApprovalTTL,
			DefaultLockDuration:    cfg.Workflow.DefaultLockDuration,
			SessionLockAcquireWait: cfg.Workflow.SessionLockAcquireWait,
			ActiveUserTTL:          cfg.Workflow.ActiveUserTTL,
		},
		log,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	handler.NewWorkflowHandler(engine, identityClient, cfg.Workflow.SessionLockAcquireWait, log).Register(mux)

	var h http.Handler = mux
	h = httpmw.RequestID(h)
	h = httpmw.Logger(&log.Logger)(h)
	h = httpmw.Recovery(&log.Logger)(h)
	h = httpmw.CORS([]string{"*"})(h)
	h = httpmw.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		runExpirySweeper(groupCtx, approvals, locks, log)
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-groupCtx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	cancel()

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("server group exited with error")
	}
	log.Info().Msg("server stopped")
}
