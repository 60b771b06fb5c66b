package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"completion-gateway/internal/config"
	"completion-gateway/internal/credentials"
	"completion-gateway/internal/gateway"
	"completion-gateway/internal/handlers"
	"completion-gateway/internal/httpserver"
	"completion-gateway/internal/llm"
	"completion-gateway/internal/metrics"
	"completion-gateway/internal/records"
	"completion-gateway/internal/threads"
	"completion-gateway/internal/workflow"
	"completion-gateway/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Config + logger -----
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("version_id", cfg.VersionID),
		zap.String("default_model", cfg.DefaultModel),
		zap.String("record_store", cfg.Records.Backend),
		zap.String("thread_store", cfg.Threads.Backend),
		zap.String("llm_base_url", cfg.LLM.BaseURL),
		zap.Bool("workflow_enabled", cfg.Workflow.Enabled()),
	)

	ctx := context.Background()

	// ----- Providers -----
	creds := credentials.NewEnvSource(llm.FamilyDirect)

	mockDelay := cfg.Mock.StreamDelay
	if mockDelay == 0 {
		mockDelay = -1
	}
	mock := llm.NewMock(llm.MockConfig{StreamDelay: mockDelay}, logger)

	var direct llm.Provider
	if apiKey, ok := creds.Get(ctx, llm.FamilyDirect); ok {
		d, err := llm.NewDirect(llm.Config{
			BaseURL:         cfg.LLM.BaseURL,
			APIKey:          apiKey,
			UpstreamTimeout: cfg.LLM.UpstreamTimeout,
			MaxRetries:      cfg.LLM.MaxRetries,
		}, logger)
		if err != nil {
			return err
		}
		defer d.Close()
		direct = d
	} else {
		logger.Warn("no direct provider credential configured, falling back to mock provider")
	}

	var wf gateway.WorkflowProvider
	if cfg.Workflow.Enabled() {
		source, closeSource, err := eventSource(cfg.Workflow, logger)
		if err != nil {
			return err
		}
		defer closeSource()

		hub := workflow.NewHub(source, workflow.HubConfig{}, logger)
		defer hub.Close()

		wf = workflow.NewProvider(workflow.Config{
			BaseURL:       cfg.Workflow.BaseURL,
			EventKey:      cfg.Workflow.EventKey,
			Prefix:        cfg.Workflow.Prefix,
			DefaultAgent:  cfg.Workflow.DefaultAgent,
			Timeout:       cfg.Workflow.Timeout,
			StreamDelay:   mockDelay,
			SubmitRetries: cfg.Workflow.Retries,
		}, hub, logger)
		logger.Info("workflow provider enabled",
			zap.String("prefix", cfg.Workflow.Prefix),
			zap.String("event_source", cfg.Workflow.EventSource),
		)
	}

	selector := gateway.NewSelector(mock, direct, wf, creds)

	// ----- Record store -----
	recordStore, err := records.New(ctx, records.Config{
		Backend:     cfg.Records.Backend,
		SQLitePath:  cfg.Records.SQLitePath,
		PostgresURL: cfg.Records.PostgresURL,
	}, logger)
	if err != nil {
		return err
	}
	defer recordStore.Close()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Threads.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Threads.RedisAddr,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.Threads.RedisAddr),
		)
	}

	// ----- Conversation store -----
	threadStore := threads.New(threads.Config{
		Backend: cfg.Threads.Backend,
		TTL:     cfg.Threads.TTL,
		Prefix:  cfg.Threads.Prefix,
	}, redisClient)
	if closer, ok := threadStore.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Model registry -----
	models := llm.DefaultModels
	if cfg.ModelsFile != "" {
		if models, err = llm.LoadModels(cfg.ModelsFile); err != nil {
			return err
		}
		logger.Info("loaded model table",
			zap.String("path", cfg.ModelsFile),
			zap.Int("models", len(models)),
		)
	}

	// ----- Gateway + handlers -----
	gw := gateway.New(gateway.Config{
		DefaultModel: cfg.DefaultModel,
		Registry:     llm.NewRegistry(models),
	}, selector, recordStore, threadStore, logger)

	chatHandler := handlers.NewChatHandler(gw, cfg.VersionID)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, chatHandler)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// streams and workflow waits outlive a plain request
		WriteTimeout: cfg.Workflow.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.String("version_id", cfg.VersionID),
	)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// bootstrap loads the configuration, .env included, and only then builds the
// process logger so ENV, LOG_LEVEL and SERVICE_NAME from .env apply to it.
func bootstrap(envFiles ...string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.DefaultLogger(), nil
}

// eventSource builds the shared workflow event stream and a func releasing
// its connection.
func eventSource(cfg config.WorkflowConfig, logger *zap.Logger) (workflow.EventSource, func(), error) {
	switch cfg.EventSource {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("completion-gateway"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		logger.Info("nats connection established",
			zap.String("url", cfg.NATSURL),
			zap.String("subject", cfg.NATSSubject),
		)
		return &workflow.NATSSource{Conn: nc, Subject: cfg.NATSSubject}, nc.Close, nil
	default:
		return &workflow.SSESource{URL: cfg.StreamURL}, func() {}, nil
	}
}
