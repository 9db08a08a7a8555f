package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/forgeOS/internal/adapters/docker"
	"github.com/manthysbr/forgeOS/internal/adapters/duckdb"
	"github.com/manthysbr/forgeOS/internal/config"
	"github.com/manthysbr/forgeOS/internal/core/services"
	"github.com/manthysbr/forgeOS/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting forgeOS kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg := config.Load()

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repo.Close()

	dispatcher, err := docker.NewDispatcher(logger, cfg.AgentImage, cfg.CallbackURL)
	if err != nil {
		return fmt.Errorf("init docker dispatcher: %w", err)
	}

	eventBus := services.NewEventBus(logger)
	registry := services.NewWorkflowRegistry(logger, cfg.WorkflowsPath)

	scheduler := services.NewScheduler(logger, repo, repo, repo, repo, registry, dispatcher, eventBus, services.SchedulerConfig{
		AgentID:       cfg.AgentID,
		AgentName:     cfg.AgentName,
		LeaseDuration: cfg.LeaseDuration,
		TickLimit:     cfg.TickLimit,
		MaxDispatch:   cfg.MaxDispatch,
	})

	// Startup reconciliation: claims orphaned by a previous kernel crash
	// are swept before anything new is dispatched.
	if res, err := scheduler.RecoverStaleOperations(ctx, services.RecoverOptions{}); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	} else if res.Scanned > 0 {
		logger.Info("startup recovery", "scanned", res.Scanned, "recovered", res.Recovered, "failed", res.Failed)
	}

	pump := services.NewPump(logger, scheduler, cfg.TickInterval)

	apiServer := kernel.NewServer(logger, scheduler, registry, eventBus, repo, repo, repo, dispatcher)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pump.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting kernel api server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
