package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"drydock/api"
	"drydock/config"
	"drydock/connect"
	"drydock/events"
	"drydock/health"
	"drydock/manager"
	"drydock/orchestrator"
	"drydock/preview"
	"drydock/scan"
	"drydock/schedule"
	"drydock/topology"
)

const (
	connectVerifyTimeout = 30 * time.Second
	teardownTimeout      = 60 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets (SNYK_TOKEN, CONNECT_LICENSE, ADMIN_API_KEY) come from the
	// environment, optionally via a dotenv file.
	envFile := config.EnvFile()
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("No env file loaded from '%s': %v", envFile, err)
	}

	cfg, err := config.LoadConfig(os.Getenv("DRYDOCK_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Topology: a file when configured, the built-in environment otherwise.
	var topo *topology.Topology
	if cfg.TopologyPath != "" {
		topo, err = topology.Load(cfg.TopologyPath)
		if err != nil {
			log.Fatalf("Failed to load topology from '%s': %v", cfg.TopologyPath, err)
		}
		log.Printf("Loaded topology from '%s' (%d services)", cfg.TopologyPath, len(topo.Services))
	} else {
		topo = topology.Default()
		log.Printf("Using built-in topology (%d services)", len(topo.Services))
	}

	// Initialize managers
	stateManager := manager.NewStateManager()
	containerManager, err := manager.NewContainerManager(stateManager)
	if err != nil {
		log.Fatalf("Failed to initialize ContainerManager: %v", err)
	}

	bus := events.NewSimpleBus()
	checker := health.NewChecker(stateManager, bus, "127.0.0.1")

	previewClient, err := preview.NewClient(cfg.Preview, cfg.ServerAddress)
	if err != nil {
		log.Fatalf("Failed to initialize preview client: %v", err)
	}

	orch := orchestrator.New(topo, stateManager, containerManager, checker, bus, previewClient)

	// Scan pipeline: client, runner, cron scheduler.
	scanClient := scan.NewClient(cfg.Scan.Endpoint, cfg.Scan.Token, cfg.Scan.Org)
	scanRunner := scan.NewRunner(cfg.Scan, scanClient, bus)
	scheduler, err := schedule.NewScheduler(cfg.Scan.Schedule, scanRunner)
	if err != nil {
		log.Fatalf("Failed to initialize scan scheduler: %v", err)
	}

	// Log every event as it happens.
	eventCh := bus.Subscribe()
	go func() {
		for event := range eventCh {
			log.Printf("[EVENT] %T at %s", event, event.EventTime().Format(time.RFC3339))
		}
	}()

	go func() {
		if err := scheduler.Start(ctx); err != nil {
			log.Printf("Scheduler stopped with error: %v", err)
		}
	}()

	// Setup API server
	apiServer := api.NewServer(cfg.APIPort, stateManager, scanRunner, scheduler, previewClient)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("API Server error: %v", err)
		}
	}()

	// Bring the environment up and execute the run service.
	var runExitCode atomic.Int32
	runFinished := make(chan struct{})
	go func() {
		defer close(runFinished)
		if err := orch.Up(ctx); err != nil {
			log.Printf("Failed to bring environment up: %v", err)
			runExitCode.Store(1)
			return
		}

		go checker.Watch(ctx, topo)
		verifyConnect(ctx, cfg.Connect)

		if _, hasRun := topo.RunService(); hasRun {
			exitCode, err := orch.Run(ctx)
			if err != nil {
				log.Printf("Run service failed: %v", err)
				runExitCode.Store(1)
				return
			}
			runExitCode.Store(int32(exitCode))
		}
	}()

	// Wait for an interrupt signal. In exit-after-run mode the finished run
	// also triggers shutdown, so the suite's exit code propagates unattended.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if cfg.ExitAfterRun {
		select {
		case <-quit:
			log.Println("Shutting down...")
		case <-runFinished:
			log.Println("Run finished, shutting down...")
		}
	} else {
		<-quit
		log.Println("Shutting down...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API Server failed to shutdown gracefully: %v", err)
	}

	// Tear the environment down; stuck containers get the teardown timeout.
	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer teardownCancel()
	if err := orch.Down(teardownCtx); err != nil {
		log.Printf("Environment teardown reported errors: %v", err)
	}

	log.Println("Exited gracefully")
	if code := runExitCode.Load(); code != 0 {
		os.Exit(int(code))
	}
}

// verifyConnect probes the publishing server's API once the environment is up.
// Failures are logged, not fatal: the server may still be licensing itself.
func verifyConnect(ctx context.Context, cfg config.ConnectConfig) {
	client, err := connect.NewClient(connect.Server{
		URL:      cfg.URL,
		APIKey:   cfg.APIKey,
		Insecure: cfg.Insecure,
	}, connectVerifyTimeout)
	if err != nil {
		log.Printf("[CONNECT] Invalid server configuration: %v", err)
		return
	}

	if _, err := client.VerifyServer(ctx); err != nil {
		log.Printf("[CONNECT] Server verification failed: %v", err)
		return
	}
	log.Printf("[CONNECT] Server at %s is answering", cfg.URL)

	if cfg.APIKey == "" {
		log.Println("[CONNECT] No admin API key configured, skipping key verification")
		return
	}
	user, err := client.VerifyAPIKey(ctx)
	if err != nil {
		log.Printf("[CONNECT] API key verification failed: %v", err)
		return
	}
	log.Printf("[CONNECT] API key verified for user '%s'", user)
}
