// Package worker implements the Task Worker (W) of SPEC_FULL.md §4.3: a
// stateless consumer of the task-dispatch stream under a shared consumer
// group, adapted from the teacher's broadcast.go per-message handler+ack
// pattern, with in-flight executions bounded by a semaphore of
// Config.WorkerConcurrency slots (see DESIGN.md).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/execute"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/model"
	"github.com/thuduc/fan-out-fan-in/internal/store"
	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

// Worker executes task-dispatch records. Executor stands in for the
// external valuation black box (SPEC_FULL.md §1); this repo wires
// execute.Reference unless the caller injects another Executor.
type Worker struct {
	Store    *store.Store
	Config   config.Config
	Logger   *logging.Logger
	Executor execute.Executor
	Consumer string // this W instance's consumer name within task-workers
}

func New(st *store.Store, cfg config.Config, logger *logging.Logger, consumer string) *Worker {
	return &Worker{
		Store:    st,
		Config:   cfg,
		Logger:   logger,
		Executor: execute.NewReference(),
		Consumer: consumer,
	}
}

// Run claims and processes task-dispatch records under the shared
// task-workers consumer group until ctx is canceled, fanning claimed work
// out across Config.WorkerConcurrency goroutines.
func (w *Worker) Run(ctx context.Context) error {
	stream := w.Store.Keys.StreamTaskDispatch()
	group := w.Config.TaskConsumerGroup
	if err := w.Store.EnsureGroup(ctx, stream, group, "0"); err != nil {
		return err
	}

	go w.runReclaimer(ctx, stream, group)

	concurrency := w.Config.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := w.Store.ReadGroupOne(ctx, stream, group, w.Consumer, int64(concurrency), w.Config.TaskWaitTimeout)
		if err != nil {
			w.Logger.Error("dispatch read failed", "error", err)
			continue
		}

		for _, msg := range msgs {
			msg := msg
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				w.process(ctx, stream, group, msg)
			}()
		}
	}
}

// runReclaimer periodically steals dispatch records left idle in the
// task-workers group's PEL by a peer that crashed mid-execute (claimed via
// XREADGROUP, never reached the ack at the tail of process), adapted from
// the teacher's runReclaimer/reclaimIdleMessages (consumer.go). Without
// this, a crashed worker's in-flight task would be stuck forever and its
// group's completion loop would block until GroupCompletionDeadline for no
// reason.
func (w *Worker) runReclaimer(ctx context.Context, stream, group string) {
	ticker := time.NewTicker(w.Config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := w.Store.ReclaimStuck(ctx, stream, group, w.Consumer, w.Config.ReclaimIdleTimeout, w.Config.ReclaimBatchSize)
			if err != nil {
				w.Logger.Error("reclaim dispatch pending failed", "error", err)
				continue
			}
			for _, msg := range msgs {
				msg := msg
				w.process(ctx, stream, group, msg)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, stream, group string, msg redis.XMessage) {
	requestID := fieldString(msg.Values, "requestId")
	groupIdx := fieldInt(msg.Values, "groupIdx")
	taskID := fieldString(msg.Values, "taskId")
	payloadKey := fieldString(msg.Values, "payloadKey")
	resultKey := fieldString(msg.Values, "resultKey")
	attempt := fieldInt(msg.Values, "attempt")

	log := w.Logger.With("requestId", requestID, "group", groupIdx, "taskId", taskID, "attempt", attempt)
	started := time.Now()

	if err := w.execute(ctx, payloadKey, resultKey, taskID, requestID, groupIdx, attempt); err != nil {
		log.Warn("task execution failed", "error", err)
		metrics.TasksExecuted.WithLabelValues("failed").Inc()
		w.publishUpdate(ctx, model.TaskUpdateEvent{
			RequestID: requestID,
			GroupIdx:  groupIdx,
			TaskID:    taskID,
			Status:    model.TaskFailed,
			Error:     err.Error(),
			Attempt:   attempt,
		}, log)
		w.ack(ctx, stream, group, msg.ID, log)
		return
	}

	metrics.TasksExecuted.WithLabelValues("completed").Inc()
	w.publishUpdate(ctx, model.TaskUpdateEvent{
		RequestID:  requestID,
		GroupIdx:   groupIdx,
		TaskID:     taskID,
		Status:     model.TaskCompleted,
		ResultKey:  resultKey,
		Attempt:    attempt,
		DurationMs: time.Since(started).Milliseconds(),
	}, log)
	w.ack(ctx, stream, group, msg.ID, log)
}

// execute implements SPEC_FULL.md §4.3 steps 1-3: read the task payload,
// run the executor, and — on success — write the result. A reclaimed
// stale dispatch record (store.ReclaimStuck) can carry a lower attempt
// number than one that already completed, so the write itself is guarded
// by store.PutResultIfNewer rather than an unconditional PutPayload:
// invariant 4 (§3, result immutability) is preserved both at the counter
// (RecordTaskCompleted's SADD-guarded script) and at the stored bytes.
func (w *Worker) execute(ctx context.Context, payloadKey, resultKey, taskID, requestID string, groupIdx, attempt int) error {
	raw, ok, err := w.Store.GetPayload(ctx, payloadKey)
	if err != nil {
		return fmt.Errorf("read payload %q: %w", payloadKey, err)
	}
	if !ok {
		return fmt.Errorf("payload %q not found", payloadKey)
	}

	taskXML, err := xmlnode.Parse([]byte(raw))
	if err != nil {
		return fmt.Errorf("parse task xml: %w", err)
	}

	result, err := w.Executor.Execute(ctx, taskXML)
	if err != nil {
		return fmt.Errorf("execute task %q: %w", taskID, err)
	}

	rendered, err := xmlnode.Render(result)
	if err != nil {
		return fmt.Errorf("render result: %w", err)
	}

	attemptKey := w.Store.Keys.TaskResultAttempt(requestID, groupIdx, taskID)
	if _, err := w.Store.PutResultIfNewer(ctx, resultKey, attemptKey, rendered, attempt, w.Config.RequestTTL); err != nil {
		return fmt.Errorf("write result %q: %w", resultKey, err)
	}
	return nil
}

func (w *Worker) publishUpdate(ctx context.Context, evt model.TaskUpdateEvent, log *logging.Logger) {
	values := map[string]interface{}{
		"requestId": evt.RequestID,
		"groupIdx":  evt.GroupIdx,
		"taskId":    evt.TaskID,
		"status":    string(evt.Status),
		"resultKey": evt.ResultKey,
		"error":     evt.Error,
		"attempt":   evt.Attempt,
	}
	if evt.DurationMs > 0 {
		values["durationMs"] = evt.DurationMs
	}
	if _, err := w.Store.Add(ctx, w.Store.Keys.StreamTaskUpdates(), values); err != nil {
		log.Error("publish task update failed", "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, stream, group, id string, log *logging.Logger) {
	if err := w.Store.Ack(ctx, stream, group, id); err != nil {
		log.Error("ack dispatch record failed", "error", err, "id", id)
	}
}
