package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/adapter/engine"
	"github.com/phys-sims/pm-bot-sub001/internal/adapter/tracker"
	"github.com/phys-sims/pm-bot-sub001/internal/apply"
	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/audit"
	"github.com/phys-sims/pm-bot-sub001/internal/clock"
	"github.com/phys-sims/pm-bot-sub001/internal/config"
	"github.com/phys-sims/pm-bot-sub001/internal/coordinator"
	"github.com/phys-sims/pm-bot-sub001/internal/metrics"
	store "github.com/phys-sims/pm-bot-sub001/internal/repository"
	"github.com/phys-sims/pm-bot-sub001/internal/service"
	"github.com/phys-sims/pm-bot-sub001/internal/tools"
	handler "github.com/phys-sims/pm-bot-sub001/internal/transport/http"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/rpc"
	"github.com/phys-sims/pm-bot-sub001/internal/worker"
	"github.com/phys-sims/pm-bot-sub001/policy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting control plane...")
	log.Printf("External HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Internal HTTP Port: %d", cfg.InternalPort)
	log.Printf("RPC Address: %s", cfg.RPCAddr)
	log.Printf("Database: %s (%s)", cfg.DatabaseURL, cfg.DatabaseDriver)
	log.Printf("Artifacts: %s", cfg.ArtifactBackend)

	ctx := context.Background()
	clk := clock.Real()

	// Initialize store
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize policy engine
	rules := policy.Rules{AllowedRepos: cfg.AllowedRepos, DeniedOperations: cfg.DeniedOperations}
	module := cfg.PolicyModule
	if module == "" {
		module = policy.DefaultPolicy
	}
	policyEngine, err := policy.NewEngine(ctx, module, rules)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}
	if len(cfg.AllowedRepos) == 0 {
		log.Printf("WARN: no allowed repos configured, every changeset will be denied")
	}

	// Initialize artifact store
	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize artifact store: %v", err)
	}

	// Initialize execution engines
	engines := engine.NewRegistry()
	engines.Register("mock", engine.NewMock(100))
	if cfg.EngineHTTPEndpoint != "" {
		engines.Register("http", engine.NewHTTP(cfg.EngineHTTPEndpoint))
		log.Printf("Engine endpoint: %s", cfg.EngineHTTPEndpoint)
	}

	// Initialize tracker client
	var trackerClient tracker.Client
	if cfg.TrackerURL != "" {
		trackerClient = tracker.NewHTTPClient(cfg.TrackerURL, cfg.TrackerToken)
		log.Printf("Tracker: %s", cfg.TrackerURL)
	} else {
		trackerClient = tracker.NewRecording()
		log.Printf("WARN: TRACKER_URL not set, changeset writes are recorded in memory only")
	}

	m := metrics.New()
	trail := audit.NewTrail(db, clk)

	pipeline := apply.New(apply.Deps{
		Store:     db,
		Runs:      db,
		Policy:    policyEngine,
		Tracker:   trackerClient,
		Artifacts: artifacts,
		Audit:     trail,
		Metrics:   m,
		Clock:     clk,
	}, apply.Config{
		RetryBudget: cfg.ApplyRetryBudget,
		BackoffBase: cfg.ApplyBackoffBase,
		BackoffMax:  cfg.ApplyBackoffMax,
		StaleAfter:  cfg.ApplyStaleAfter,
	})

	coord := coordinator.New(engines, tools.DefaultRegistry, pipeline, artifacts, clk, coordinator.Config{
		ExpensiveActions: cfg.ExpensiveActions,
		StepQuantum:      cfg.StepQuantum,
	})

	// Initialize service
	svc := service.New(service.Deps{
		Store:       db,
		Engines:     engines,
		Coordinator: coord,
		Pipeline:    pipeline,
		Artifacts:   artifacts,
		Audit:       trail,
		Metrics:     m,
		Clock:       clk,
	}, service.Config{DefaultLease: cfg.DefaultLease})

	externalServer := handler.NewExternalServer(svc, m)
	internalServer := handler.NewInternalServer(svc)
	externalServer.Debug = cfg.LogLevel == "debug"
	internalServer.Debug = cfg.LogLevel == "debug"

	rpcServer, err := rpc.NewServer(svc)
	if err != nil {
		log.Fatalf("Failed to initialize RPC server: %v", err)
	}

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start external server: %v", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start internal server: %v", err)
		}
	}()

	// Start RPC server
	go func() {
		if err := rpcServer.Start(cfg.RPCAddr); err != nil {
			log.Fatalf("Failed to start RPC server: %v", err)
		}
	}()

	// Start in-process workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	if cfg.WorkerCount > 0 {
		pool := worker.New(svc, worker.Config{
			Count:        cfg.WorkerCount,
			PollInterval: cfg.WorkerPoll,
			LeaseSeconds: int(cfg.DefaultLease / time.Second),
		})
		workers.Add(1)
		go func() {
			defer workers.Done()
			pool.Run(workerCtx)
		}()
		log.Printf("Started %d in-process workers", cfg.WorkerCount)
	}

	log.Printf("External API started on port %d", cfg.HTTPPort)
	log.Printf("Internal API started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down control plane...")

	// Workers stop between steps; a step in flight finishes or is abandoned
	// without persisting, and its lease lapses.
	stopWorkers()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown external server gracefully: %v", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown internal server gracefully: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}

	log.Println("Control plane stopped")
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.ArtifactBackend {
	case "minio":
		return artifact.NewMinIOStore(ctx, artifact.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
	default:
		return artifact.NewFSStore(cfg.ArtifactDir)
	}
}
