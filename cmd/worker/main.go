// Command worker runs the Task Worker (W): a stateless claim loop over the
// shared task-workers consumer group on the task-dispatch stream
// (SPEC_FULL.md §4.3).
package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/store"
	"github.com/thuduc/fan-out-fan-in/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewDedicated(store.ClientConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.KeyPrefix})
	defer st.Close()

	w := worker.New(st, cfg, log.With("subcomponent", "dispatch"), "worker-"+uuid.NewString())

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			log.Error("worker stopped with error", "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := metrics.Serve(ctx, cfg.MetricsPort); err != nil {
			log.Error("metrics server stopped with error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
}
