// Package metrics registers the Prometheus instruments shared across the
// front orchestrator, request orchestrator, and task worker, and serves
// them the way other_examples/223d9015_itskum47-FluxForge and
// other_examples/a0b9fc80_etalazz-vsa wire promhttp in the retrieved pack.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnml_requests_accepted_total",
		Help: "Total number of valuation requests accepted by the front orchestrator.",
	})

	RequestsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vnml_requests_terminal_total",
		Help: "Total number of requests reaching a terminal status, labeled by status.",
	}, []string{"status"})

	TasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnml_tasks_dispatched_total",
		Help: "Total number of task-dispatch records emitted.",
	})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnml_task_retries_total",
		Help: "Total number of task re-dispatches due to a failed attempt.",
	})

	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vnml_tasks_executed_total",
		Help: "Total number of tasks executed by workers, labeled by outcome.",
	}, []string{"outcome"})

	GroupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vnml_group_duration_seconds",
		Help:    "Wall-clock duration of a single group's dispatch-to-completion window.",
		Buckets: prometheus.DefBuckets,
	})

	InFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vnml_inflight_requests",
		Help: "Number of requests currently owned by a request orchestrator instance.",
	})

	ConsumerGroupsCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnml_consumer_groups_cleaned_total",
		Help: "Total number of per-request consumer groups destroyed by the cleanup collaborator.",
	})
)

// Serve starts a dedicated metrics HTTP server on port. It blocks until ctx
// is canceled, mirroring the graceful-shutdown idiom used for the other
// listeners in this module.
func Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
