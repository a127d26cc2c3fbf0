package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thuduc/fan-out-fan-in/internal/hydrate"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/model"
	"github.com/thuduc/fan-out-fan-in/internal/store"
	"github.com/thuduc/fan-out-fan-in/internal/xerrors"
	"github.com/thuduc/fan-out-fan-in/internal/xmlgroup"
	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

type groupOutcome int

const (
	groupCompleted groupOutcome = iota
	groupFailed
)

// runGroup implements SPEC_FULL.md §4.2 step 4: construct and hydrate
// every task in group g (unless resuming mid-group, in which case
// everything was already dispatched before a prior crash), dispatch, and
// drive the completion loop until the group terminates.
func (o *Orchestrator) runGroup(ctx context.Context, evt model.InvokeEvent, doc *xmlgroup.Document, g int, resuming bool) (groupOutcome, error) {
	group := doc.Groups[g]
	log := o.Logger.With("requestId", evt.RequestID, "group", g)

	if resuming {
		// A crash between SetActiveGroup and the dispatch loop below would
		// otherwise strand this group undispatched forever, since the
		// checkpoint already points at g. Group state only exists once
		// CreateGroupState has run, so its absence means dispatch never
		// happened and this group needs the full fresh start below.
		if _, exists, err := o.Store.GetGroupState(ctx, evt.RequestID, g); err != nil {
			return groupFailed, fmt.Errorf("orchestrator: get group state: %w", err)
		} else {
			resuming = exists
		}
	}

	if !resuming {
		priorResults, err := o.loadPriorResults(ctx, evt.RequestID, doc, g)
		if err != nil {
			return groupFailed, o.failRequest(ctx, evt.RequestID, xerrors.Internal, "failed to load prior group results", g, "", err)
		}

		hctx := hydrate.Context{
			Request:      doc.Request,
			PriorResults: priorResults,
			Fetcher:      cacheFetcher{ctx: ctx, store: o.Store},
			Functions:    o.Functions,
		}

		for _, task := range group.Tasks {
			built := xmlgroup.BuildTaskXML(doc.Request, task)
			hydrated, err := o.Hydrator.Hydrate(built, hctx)
			if err != nil {
				return groupFailed, o.failRequest(ctx, evt.RequestID, xerrors.Internal, "hydration failed", g, task.ID, err)
			}
			rendered, err := xmlnode.Render(hydrated)
			if err != nil {
				return groupFailed, o.failRequest(ctx, evt.RequestID, xerrors.Internal, "render task xml failed", g, task.ID, err)
			}
			if err := o.Store.PutPayload(ctx, o.Store.Keys.TaskXML(evt.RequestID, g, task.ID), rendered, o.Config.RequestTTL); err != nil {
				return groupFailed, o.failRequest(ctx, evt.RequestID, xerrors.Internal, "write task xml failed", g, task.ID, err)
			}
		}

		if err := o.Store.CreateGroupState(ctx, evt.RequestID, g, len(group.Tasks)); err != nil {
			return groupFailed, fmt.Errorf("orchestrator: create group state: %w", err)
		}
		if err := o.Store.SetActiveGroup(ctx, evt.RequestID, g); err != nil {
			return groupFailed, fmt.Errorf("orchestrator: set active group: %w", err)
		}
		gIdx := g
		if err := o.publishLifecycle(ctx, evt.RequestID, model.LifecycleGroupStarted, &gIdx, ""); err != nil {
			return groupFailed, fmt.Errorf("orchestrator: publish group_started: %w", err)
		}

		reqGroup := store.RequestConsumerGroup(evt.RequestID)
		if err := o.Store.EnsureGroup(ctx, o.Store.Keys.StreamTaskUpdates(), reqGroup, "$"); err != nil {
			return groupFailed, fmt.Errorf("orchestrator: ensure per-request group: %w", err)
		}

		for _, task := range group.Tasks {
			if err := o.dispatch(ctx, evt.RequestID, g, task.ID, 1); err != nil {
				return groupFailed, fmt.Errorf("orchestrator: dispatch task %q: %w", task.ID, err)
			}
		}
	}

	return o.completionLoop(ctx, evt, g, log)
}

// loadPriorResults gathers every task result from groups before g, keyed
// by taskId, for the hydration select strategy (SPEC_FULL.md §4.4).
func (o *Orchestrator) loadPriorResults(ctx context.Context, requestID string, doc *xmlgroup.Document, g int) (map[string]*xmlnode.Element, error) {
	prior := make(map[string]*xmlnode.Element)
	for i := 0; i < g; i++ {
		for _, task := range doc.Groups[i].Tasks {
			raw, ok, err := o.Store.GetPayload(ctx, o.Store.Keys.TaskResult(requestID, i, task.ID))
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("missing result for prior task %q (group %d)", task.ID, i)
			}
			el, err := xmlnode.Parse([]byte(raw))
			if err != nil {
				return nil, err
			}
			prior[task.ID] = el
		}
	}
	return prior, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, requestID string, groupIdx int, taskID string, attempt int) error {
	keys := o.Store.Keys
	values := map[string]interface{}{
		"requestId":  requestID,
		"groupIdx":   groupIdx,
		"taskId":     taskID,
		"payloadKey": keys.TaskXML(requestID, groupIdx, taskID),
		"resultKey":  keys.TaskResult(requestID, groupIdx, taskID),
		"attempt":    attempt,
	}
	if _, err := o.Store.Add(ctx, keys.StreamTaskDispatch(), values); err != nil {
		return err
	}
	metrics.TasksDispatched.Inc()
	if attempt > 1 {
		metrics.TaskRetries.Inc()
	}
	return nil
}

// completionLoop implements SPEC_FULL.md §4.2's "Completion loop": a
// blocking read on the task-update stream under req::<requestId>, bounded
// by a wall-clock deadline, that retries failed tasks up to
// MAX_TASK_RETRIES and advances the group to completed or failed. Since
// every orchestrator process reads this per-request group under the same
// fixed consumer name ("orchestrator"), a crash between XReadGroup and
// XAck leaves the update stuck in that consumer's own PEL — a resumed
// instance reading ">" again would never see it — so the loop also
// periodically reclaims its own idle entries, the single-consumer analogue
// of the teacher's runReclaimer/reclaimIdleMessages (consumer.go).
func (o *Orchestrator) completionLoop(ctx context.Context, evt model.InvokeEvent, g int, log *logging.Logger) (groupOutcome, error) {
	reqGroup := store.RequestConsumerGroup(evt.RequestID)
	stream := o.Store.Keys.StreamTaskUpdates()
	deadline := time.Now().Add(o.Config.GroupCompletionDeadline)
	nextReclaim := time.Now().Add(o.Config.ReclaimInterval)

	for {
		if time.Now().After(deadline) {
			return groupFailed, o.failRequest(ctx, evt.RequestID, xerrors.Timeout, "group completion deadline exceeded", g, "", nil)
		}

		if time.Now().After(nextReclaim) {
			nextReclaim = time.Now().Add(o.Config.ReclaimInterval)
			reclaimed, err := o.Store.ReclaimStuck(ctx, stream, reqGroup, "orchestrator", o.Config.ReclaimIdleTimeout, o.Config.ReclaimBatchSize)
			if err != nil {
				log.Error("reclaim task update pending failed", "error", err)
			} else if outcome, done := o.drainTaskUpdates(ctx, evt, g, stream, reqGroup, reclaimed, log); done {
				return outcome, nil
			}
		}

		msgs, err := o.Store.ReadGroupOne(ctx, stream, reqGroup, "orchestrator", 16, o.Config.OrchestratorPollBlock)
		if err != nil {
			log.Error("completion loop read failed", "error", err)
			continue
		}

		if outcome, done := o.drainTaskUpdates(ctx, evt, g, stream, reqGroup, msgs, log); done {
			return outcome, nil
		}
	}
}

// drainTaskUpdates processes a batch of task-update records (freshly read
// or reclaimed from the per-request group's PEL) in order, acking each
// regardless of outcome, and reports whether the group just reached a
// terminal state.
func (o *Orchestrator) drainTaskUpdates(ctx context.Context, evt model.InvokeEvent, g int, stream, reqGroup string, msgs []redis.XMessage, log *logging.Logger) (groupOutcome, bool) {
	for _, msg := range msgs {
		outcome, done, err := o.handleTaskUpdate(ctx, evt, g, msg.Values)
		if err != nil {
			log.Error("handle task update failed", "error", err, "id", msg.ID)
		}
		if ackErr := o.Store.Ack(ctx, stream, reqGroup, msg.ID); ackErr != nil {
			log.Error("ack task update failed", "error", ackErr, "id", msg.ID)
		}
		if done {
			return outcome, true
		}
	}
	return groupCompleted, false
}

// handleTaskUpdate processes one task-update record, returning (outcome,
// done) where done indicates the group has just reached a terminal state.
func (o *Orchestrator) handleTaskUpdate(ctx context.Context, evt model.InvokeEvent, g int, values map[string]interface{}) (groupOutcome, bool, error) {
	requestID := fieldString(values, "requestId")
	groupIdx := fieldInt(values, "groupIdx")
	taskID := fieldString(values, "taskId")
	status := model.TaskStatus(fieldString(values, "status"))
	attempt := fieldInt(values, "attempt")

	if requestID != evt.RequestID || groupIdx != g {
		return groupCompleted, false, nil // unrelated record, no-op per §4.2
	}

	switch status {
	case model.TaskCompleted:
		completed, failed, expected, redundant, err := o.Store.RecordTaskCompleted(ctx, evt.RequestID, g, taskID)
		if err != nil {
			return groupCompleted, false, err
		}
		if redundant {
			return groupCompleted, false, nil
		}
		if completed == expected && failed == 0 {
			return o.completeGroup(ctx, evt, g)
		}
		return groupCompleted, false, nil

	case model.TaskFailed:
		if attempt < o.Config.MaxTaskRetries {
			if err := o.dispatch(ctx, evt.RequestID, g, taskID, attempt+1); err != nil {
				return groupCompleted, false, err
			}
			return groupCompleted, false, nil
		}
		_, _, _, redundant, err := o.Store.RecordTaskFailed(ctx, evt.RequestID, g, taskID)
		if err != nil {
			return groupFailed, false, err
		}
		if redundant {
			return groupCompleted, false, nil
		}
		return groupFailed, true, o.failRequest(ctx, evt.RequestID, xerrors.RetryBudgetExhausted, "task retry budget exhausted", g, taskID, nil)

	default:
		return groupCompleted, false, nil
	}
}

func (o *Orchestrator) completeGroup(ctx context.Context, evt model.InvokeEvent, g int) (groupOutcome, bool, error) {
	if err := o.Store.SetGroupStatus(ctx, evt.RequestID, g, "completed"); err != nil {
		return groupCompleted, false, err
	}
	gIdx := g
	if err := o.publishLifecycle(ctx, evt.RequestID, model.LifecycleGroupCompleted, &gIdx, ""); err != nil {
		return groupCompleted, false, err
	}
	return groupCompleted, true, nil
}
