// gradcafe-ingest publisher
//
// Reads new admissions records from the configured source, starting after
// the stored watermark, and publishes each one as a durable message.
// Exposes:
//   - POST /ingest            run one publish pass now (busy-guarded)
//   - GET  /status            lease state, last run, watermark, row count
//   - POST /watermark/reset   operator override
//   - GET  /health, /metrics
//
// With INGEST_INTERVAL_MINUTES > 0 a cron job also triggers runs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gradcafe/ingest/internal/broker"
	"gradcafe/ingest/internal/config"
	"gradcafe/ingest/internal/db"
	"gradcafe/ingest/internal/publisher"
	"gradcafe/ingest/internal/runstate"
	"gradcafe/ingest/internal/scheduler"
	"gradcafe/ingest/internal/source"
	"gradcafe/ingest/internal/store"
	"gradcafe/ingest/internal/trigger"
)

const version = "1.0.0"

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.LoadPublisher()
	if err != nil {
		log.Fatalf("[publisher] Config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Store (watermark reads, status counts) ──────────────────────────────
	log.Println("[publisher] Connecting to database…")
	// The publisher never upserts, so the conflict policy is irrelevant here.
	st, err := store.Open(ctx, cfg.DatabaseURL, store.PolicyRefresh)
	if err != nil {
		log.Fatalf("[publisher] Database: %v", err)
	}
	defer st.Close()
	log.Println("[publisher] Database connected ✓")

	// ── Redis (run lease, last-run stats) ───────────────────────────────────
	log.Println("[publisher] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "ingest-publisher")
	if err != nil {
		log.Fatalf("[publisher] Redis: %v", err)
	}
	defer rdb.Close()
	log.Println("[publisher] Redis connected ✓")

	// ── RabbitMQ ────────────────────────────────────────────────────────────
	log.Println("[publisher] Connecting to RabbitMQ…")
	mq, err := broker.DialAMQP(cfg.RabbitMQURL, broker.NewTopology(cfg.Exchange, cfg.Queue, cfg.DeadLetterQueue))
	if err != nil {
		log.Fatalf("[publisher] RabbitMQ: %v", err)
	}
	defer mq.Close()
	log.Println("[publisher] RabbitMQ connected ✓")

	// ── Pipeline ────────────────────────────────────────────────────────────
	var src source.Source
	if cfg.SourceURL != "" {
		src = source.NewHTTP(cfg.SourceURL, cfg.SourceRPS)
		log.Printf("[publisher] Source %q: %s (%.1f req/s)", cfg.SourceName, cfg.SourceURL, cfg.SourceRPS)
	} else {
		src = source.NewFile(cfg.SeedJSON)
		log.Printf("[publisher] Source %q: seed file %s", cfg.SourceName, cfg.SeedJSON)
	}

	pub := publisher.New(cfg.SourceName, src, st, mq, publisher.WithOpTimeout(cfg.OpTimeout))
	rs := runstate.NewRedis(rdb, cfg.SourceName)
	runner := trigger.NewRunner(pub, rs, rs, st, st, cfg.RunLeaseTTL)

	var sched *scheduler.Scheduler
	if cfg.IngestInterval > 0 {
		sched = scheduler.New(runner, cfg.IngestLimit, cfg.IngestInterval)
		if err := sched.Start(ctx); err != nil {
			log.Fatalf("[publisher] Scheduler: %v", err)
		}
	}

	// ── HTTP server ─────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	trigger.NewHandler(ctx, runner, cfg.IngestLimit, 10*time.Minute).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// POST /ingest answers after the run, so no WriteTimeout.
	}

	go func() {
		log.Printf("[publisher] v%s listening on :%s", version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[publisher] HTTP server error: %v", err)
		}
	}()

	// ── Graceful shutdown ───────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[publisher] Shutting down…")
	cancel()
	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[publisher] Shutdown error: %v", err)
	}
	log.Println("[publisher] Stopped.")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "publisher",
		"version": version,
	})
}
