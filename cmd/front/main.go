// Command front runs the Front Orchestrator (F): the HTTP submission edge
// plus its background ingress consumer, each per SPEC_FULL.md §4.1 and §5
// sharing a datastore but using a dedicated connection for the consumer's
// long blocking reads.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/front"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/store"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New("front")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpStore := store.New(store.ClientConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.KeyPrefix})
	defer httpStore.Close()

	// Per SPEC_FULL.md §5: the ingress consumer gets its own connection so
	// its long blocking XREADGROUP calls never head-of-line-block ordinary
	// HTTP request handling on the shared pool.
	ingressStore := store.NewDedicated(store.ClientConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.KeyPrefix})
	defer ingressStore.Close()

	var wg sync.WaitGroup

	if cfg.EnableHTTP {
		srv := front.NewServer(httpStore, cfg, log.With("subcomponent", "http"))
		mux := http.NewServeMux()
		srv.Routes(mux)
		httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("http listening", "port", cfg.HTTPPort)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error("http graceful shutdown failed", "error", err)
			}
		}()
	}

	ingress := &front.IngressConsumer{
		Store:    ingressStore,
		Config:   cfg,
		Logger:   log.With("subcomponent", "ingress"),
		Consumer: "front-" + uuid.NewString(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingress.Run(ctx); err != nil {
			log.Error("ingress consumer stopped with error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.Serve(ctx, cfg.MetricsPort); err != nil {
			log.Error("metrics server stopped with error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	_ = os.Stdout.Sync()
}
