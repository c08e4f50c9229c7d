package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/flowtest/internal/api"
	"github.com/flexinfer/flowtest/internal/artifact"
	"github.com/flexinfer/flowtest/internal/config"
	"github.com/flexinfer/flowtest/internal/engine"
	"github.com/flexinfer/flowtest/internal/eventlog"
	"github.com/flexinfer/flowtest/internal/flowstore"
	"github.com/flexinfer/flowtest/internal/runner"
	"github.com/flexinfer/flowtest/internal/tracing"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides PORT)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting flowtest",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "flowtest",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
		SampleRate:     cfg.OTelSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	events := newEventLog(cfg, logger)
	defer events.Close()

	store, err := flowstore.New(flowstore.Config{
		Type: cfg.FlowStoreType,
		Redis: flowstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TaskTTL:  cfg.EventLogTTL,
		},
	})
	if err != nil {
		return fmt.Errorf("create flow store: %w", err)
	}
	defer store.Close()
	logger.Info("flow store ready", slog.String("type", cfg.FlowStoreType))

	opts := []engine.Option{engine.WithLogger(logger)}
	backend, err := artifact.New(ctx, artifact.Config{
		Type:           cfg.ArtifactBackend,
		ThresholdBytes: cfg.ArtifactThresholdBytes,
		S3: artifact.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      cfg.S3PathPrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("create artifact backend: %w", err)
	}
	if backend != nil {
		opts = append(opts, engine.WithOffloader(artifact.NewOffloader(backend, cfg.ArtifactThresholdBytes)))
		logger.Info("artifact offload enabled",
			slog.String("backend", cfg.ArtifactBackend),
			slog.Int("threshold_bytes", cfg.ArtifactThresholdBytes),
		)
	}

	eng := engine.New(a.nodes, events, &engine.Config{
		MaxParallelism: cfg.MaxParallelism,
		NodeTimeout:    cfg.NodeTimeout,
	}, opts...)
	run := runner.New(store, a.compiler, eng, a.evaluator, logger)

	// submitted tasks outlive their requests but not the process
	background, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	handlers := api.NewHandlers(background, api.Deps{
		Catalog:   a.nodes,
		Compiler:  a.compiler,
		Events:    events,
		Store:     store,
		Runner:    run,
		Evaluator: a.evaluator,
	}, cfg, logger)
	server := api.NewServer(handlers, cfg.OTelEnabled)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	cancelTasks()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// newEventLog returns the configured broker, falling back to memory when
// Redis is unreachable.
func newEventLog(cfg *config.Config, logger *slog.Logger) eventlog.Log {
	memory := func() eventlog.Log {
		return eventlog.NewMemoryLog(&eventlog.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.EventLogTTL.Seconds()),
		})
	}

	if cfg.EventLogType != "redis" {
		logger.Info("using in-memory event log")
		return memory()
	}

	redisCfg := eventlog.DefaultRedisConfig()
	redisCfg.URL = cfg.RedisURL
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TTL = cfg.EventLogTTL
	redisCfg.EventMaxLen = cfg.EventMaxLen
	log, err := eventlog.NewRedisLog(redisCfg, logger)
	if err != nil {
		logger.Error("failed to connect to Redis, falling back to memory event log", "error", err)
		return memory()
	}
	logger.Info("using Redis event log", slog.String("url", cfg.RedisURL))
	return log
}
