// Command orchestrator runs the Request Orchestrator (R): a claim loop over
// the shared orchestrators consumer group (SPEC_FULL.md §2) plus the
// per-request-consumer-group cleanup sweep (§9).
package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/thuduc/fan-out-fan-in/internal/cleanup"
	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/orchestrator"
	"github.com/thuduc/fan-out-fan-in/internal/store"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New("orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewDedicated(store.ClientConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.KeyPrefix})
	defer st.Close()

	orch := orchestrator.New(st, cfg, log.With("subcomponent", "run"))
	consumer := &orchestrator.InvokeConsumer{
		Orchestrator: orch,
		Consumer:     "orchestrator-" + uuid.NewString(),
	}

	sweeper := cleanup.New(st, cfg, log.With("subcomponent", "cleanup"))

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			log.Error("invoke consumer stopped with error", "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil {
			log.Error("cleanup sweep stopped with error", "error", err)
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
