package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/fleetlab/fleetadmin/internal/audit"
	"github.com/fleetlab/fleetadmin/internal/auth"
	"github.com/fleetlab/fleetadmin/internal/config"
	"github.com/fleetlab/fleetadmin/internal/dispatch"
	"github.com/fleetlab/fleetadmin/internal/httpserver"
	"github.com/fleetlab/fleetadmin/internal/orchestrator"
	"github.com/fleetlab/fleetadmin/internal/swarming"
	"github.com/fleetlab/fleetadmin/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	policy, err := config.LoadRolloutPolicy(cfg.RolloutPolicyFile)
	if err != nil {
		log.Fatalf("rollout policy load: %v", err)
	}

	swarmingClient, err := swarming.NewHTTPClient(swarming.HTTPClientConfig{
		BaseURL: cfg.SwarmingHost,
		Timeout: 30 * time.Second,
		Retries: 2,
	})
	if err != nil {
		log.Fatalf("swarming client init: %v", err)
	}

	var scheduler orchestrator.Scheduler
	if cfg.OrchestratorHost != "" {
		scheduler, err = orchestrator.NewClient(orchestrator.ClientConfig{
			BaseURL: cfg.OrchestratorHost,
			Timeout: 30 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("orchestrator client init: %v", err)
		}
	}

	store := audit.NewPGStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("schema init: %v", err)
	}

	dispatcher := dispatch.New(swarmingClient, dispatch.Config{
		CommonTags:           cfg.CommonTags,
		ExpirationSecs:       cfg.BackgroundTaskExpirationSecs,
		ExecutionTimeoutSecs: cfg.BackgroundTaskExecutionTimeoutSecs,
	})
	repairs := dispatch.NewRepairDispatcher(dispatcher, scheduler, policy)
	repairs.AdminService = cfg.Addr
	repairs.InventoryService = cfg.SwarmingHost

	trk := tracker.New(swarmingClient, dispatcher, repairs, store, cfg.BotPool)

	verifier, err := auth.NewVerifier(auth.Config{
		KeysFile:        cfg.AuthKeysFile,
		AllowDebugToken: cfg.AllowDebugToken,
		DebugToken:      cfg.DebugToken,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The streamer drains recorded decisions to Kafka and S3; both have to be
	// configured or the trail stays DB-only.
	if len(cfg.KafkaBrokers) > 0 && cfg.S3Bucket != "" {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		archiver, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		streamer := audit.NewStreamer(store, producer, archiver, audit.StreamerConfig{})
		go func() {
			if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("audit streamer stopped: %v", err)
			}
		}()
	} else {
		log.Printf("decision streaming disabled: kafka brokers or s3 bucket not configured")
	}

	server := httpserver.New(trk, verifier, store)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("fleetadmin service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
