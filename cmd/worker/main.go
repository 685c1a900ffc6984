// gradcafe-ingest worker
//
// Consumes admissions envelopes from RabbitMQ with prefetch 1 per consumer,
// upserts each record, advances the source watermark and acks. Malformed
// messages are dead-lettered; store outages requeue.
// Exposes gRPC health on WORKER_GRPC_PORT and /health, /metrics on WORKER_PORT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"gradcafe/ingest/internal/broker"
	"gradcafe/ingest/internal/config"
	"gradcafe/ingest/internal/grpcserver"
	"gradcafe/ingest/internal/store"
	"gradcafe/ingest/internal/worker"
)

const version = "1.0.0"

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("[worker] Config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ───────────────────────────────────────────────────────────────
	log.Println("[worker] Connecting to database…")
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.ConflictPolicy)
	if err != nil {
		log.Fatalf("[worker] Database: %v", err)
	}
	defer st.Close()
	log.Printf("[worker] Database connected ✓ (conflict policy: %s)", cfg.ConflictPolicy)

	// ── RabbitMQ ────────────────────────────────────────────────────────────
	log.Println("[worker] Connecting to RabbitMQ…")
	mq, err := broker.DialAMQP(cfg.RabbitMQURL, broker.NewTopology(cfg.Exchange, cfg.Queue, cfg.DeadLetterQueue))
	if err != nil {
		log.Fatalf("[worker] RabbitMQ: %v", err)
	}
	defer mq.Close()
	log.Println("[worker] RabbitMQ connected ✓")

	// ── gRPC health ─────────────────────────────────────────────────────────
	healthSrv := grpcserver.New(map[string]grpcserver.Probe{
		"database": st.Ping,
		"rabbitmq": func(context.Context) error { return mq.Ping() },
	}, 5*time.Second)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatalf("[worker] gRPC listen: %v", err)
	}

	// ── HTTP (health + metrics) ─────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	consumer := worker.New(mq, st, st, worker.WithOpTimeout(cfg.OpTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[worker] gRPC health listening on :%s", cfg.GRPCPort)
		return healthSrv.Serve(grpcLis)
	})
	g.Go(func() error {
		healthSrv.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("[worker] v%s listening on :%s", version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("[worker] Starting %d consumer(s) on queue %s", cfg.Concurrency, cfg.Queue)
		return worker.RunPool(gctx, cfg.Concurrency, consumer)
	})

	// ── Graceful shutdown ───────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[worker] Shutting down…")
		healthSrv.Shutdown(5 * time.Second)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[worker] HTTP shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("[worker] Exited with error: %v", err)
	}
	log.Println("[worker] Stopped.")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "worker",
		"version": version,
	})
}
