// Package main provides the entry point for the media preparation server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitpress/mediaprep/internal/bootstrap"
	"github.com/bitpress/mediaprep/internal/config"
	"github.com/bitpress/mediaprep/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting mediaprep",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("scratch_dir", cfg.ScratchDir),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Duration("task_timeout", cfg.TaskTimeout),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("history_enabled", cfg.HistoryEnabled()),
	)

	// The queue context outlives individual requests; cancelling it stops
	// the in-flight task and abandons the rest.
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(queueCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	if err := deps.Queue.Start(queueCtx); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}

	// Initialize HTTP handlers and router
	opts := []server.HandlerOption{}
	if deps.History != nil {
		opts = append(opts, server.WithHistory(deps.History))
	}
	handlers := server.NewHandlers(deps.Queue, deps.Scratch, logger, opts...)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Allow for large media payloads
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	// Stop intake, let the in-flight task settle, then close the journal.
	if err := deps.Close(); err != nil {
		return err
	}

	logger.Info("server stopped gracefully")
	return nil
}
