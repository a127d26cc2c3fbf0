// Package orchestrator implements the Request Orchestrator (R) of
// SPEC_FULL.md §4.2: one logical instance per request, parsing groups,
// hydrating task XML, dispatching tasks, sequencing groups strictly in
// order, retrying failed tasks up to a bound, and assembling the final
// response. Its blocking read/retry/ack shape is adapted from the
// teacher's consumer.go processLoop, generalized from a job queue to this
// spec's group/task structure (see DESIGN.md).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/execute"
	"github.com/thuduc/fan-out-fan-in/internal/hydrate"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/model"
	"github.com/thuduc/fan-out-fan-in/internal/store"
	"github.com/thuduc/fan-out-fan-in/internal/xerrors"
	"github.com/thuduc/fan-out-fan-in/internal/xmlgroup"
	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

// Orchestrator runs the per-request algorithm. One value is shared across
// every request this process instance claims from the orchestrators
// consumer group; all per-request state lives in the datastore, not here.
type Orchestrator struct {
	Store    *store.Store
	Config   config.Config
	Logger   *logging.Logger
	Hydrator *hydrate.Hydrator
	Functions hydrate.FunctionRegistry
}

// New wires a reference Orchestrator using the bundled reference
// hydration function registry (internal/execute.FunctionRegistry); a real
// deployment would inject its own FunctionRegistry and Hydrator chain.
func New(st *store.Store, cfg config.Config, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		Store:     st,
		Config:    cfg,
		Logger:    logger,
		Hydrator:  hydrate.New(),
		Functions: execute.NewFunctionRegistry(),
	}
}

// Run executes SPEC_FULL.md §4.2's algorithm for one invocation, safe
// under repeated delivery per the idempotency rules in that section: a
// terminal request returns immediately, and a "started" request resumes at
// its checkpointed currentGroup using group-state counters as the source
// of truth (Open Question 4, resolved in DESIGN.md).
func (o *Orchestrator) Run(ctx context.Context, evt model.InvokeEvent) error {
	log := o.Logger.With("requestId", evt.RequestID)

	rs, exists, err := o.Store.GetRequestState(ctx, evt.RequestID)
	if err != nil {
		return fmt.Errorf("orchestrator: read request state: %w", err)
	}
	if !exists {
		return fmt.Errorf("orchestrator: no request state for %q", evt.RequestID)
	}
	if rs.Status.IsTerminal() {
		log.Debug("request already terminal, skipping")
		return nil
	}

	metrics.InFlightRequests.Inc()
	defer metrics.InFlightRequests.Dec()

	resuming := rs.Status == model.StatusStarted && rs.CurrentGroup >= 0
	if !resuming {
		if err := o.Store.SetStatus(ctx, evt.RequestID, model.StatusStarted, 0); err != nil {
			return fmt.Errorf("orchestrator: set started: %w", err)
		}
		if err := o.publishLifecycle(ctx, evt.RequestID, model.LifecycleStarted, nil, ""); err != nil {
			return fmt.Errorf("orchestrator: publish started: %w", err)
		}
	}

	xmlPayload, err := o.loadXMLWithRetry(ctx, evt.XMLKey)
	if err != nil {
		return o.failRequest(ctx, evt.RequestID, xerrors.DatastoreUnavailable, "request XML not observable", 0, "", err)
	}

	doc, err := xmlgroup.Parse([]byte(xmlPayload))
	if err != nil {
		return o.failRequest(ctx, evt.RequestID, xerrors.InvalidInput, "malformed submission XML", 0, "", err)
	}

	if rs.GroupCount != doc.GroupCount() {
		if err := o.Store.SetGroupCount(ctx, evt.RequestID, doc.GroupCount()); err != nil {
			return fmt.Errorf("orchestrator: set group count: %w", err)
		}
	}

	startGroup := 0
	if resuming {
		startGroup = rs.CurrentGroup
	}

	for g := startGroup; g < doc.GroupCount(); g++ {
		started := time.Now()
		outcome, err := o.runGroup(ctx, evt, doc, g, resuming && g == startGroup)
		if err != nil {
			return err
		}
		metrics.GroupDuration.Observe(time.Since(started).Seconds())

		if outcome == groupFailed {
			return nil // terminal failure already recorded by runGroup
		}
	}

	return o.finish(ctx, evt, doc)
}

// loadXMLWithRetry implements §4.2 step 2's "retry with bounded backoff if
// missing due to replica lag" against F's PublishIfVisible/ConfirmVisible
// protection at the write side.
func (o *Orchestrator) loadXMLWithRetry(ctx context.Context, xmlKey string) (string, error) {
	var lastErr error
	attempts := o.Config.ReplicaReadRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		v, ok, err := o.Store.GetPayload(ctx, xmlKey)
		if err != nil {
			lastErr = err
		} else if ok {
			return v, nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(o.Config.ReplicaReadRetryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("xmlKey %q never became visible", xmlKey)
	}
	return "", lastErr
}

// finish implements §4.2 step 5: assemble the response from every group's
// cached task results (read fresh, so this step is resume-safe regardless
// of which groups this process instance actually dispatched), publish it,
// and transition the request to its terminal success state.
func (o *Orchestrator) finish(ctx context.Context, evt model.InvokeEvent, doc *xmlgroup.Document) error {
	results := make([]xmlgroup.GroupResults, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		byTask := make(map[string]*xmlnode.Element, len(g.Tasks))
		order := make([]string, 0, len(g.Tasks))
		for _, t := range g.Tasks {
			raw, ok, err := o.Store.GetPayload(ctx, o.Store.Keys.TaskResult(evt.RequestID, g.Idx, t.ID))
			if err != nil {
				return fmt.Errorf("orchestrator: read result for task %q: %w", t.ID, err)
			}
			if !ok {
				return fmt.Errorf("orchestrator: missing result for task %q in group %d", t.ID, g.Idx)
			}
			el, err := xmlnode.Parse([]byte(raw))
			if err != nil {
				return fmt.Errorf("orchestrator: parse result for task %q: %w", t.ID, err)
			}
			byTask[t.ID] = el
			order = append(order, t.ID)
		}
		results = append(results, xmlgroup.GroupResults{Idx: g.Idx, Name: g.Name, ByTask: byTask, Order: order})
	}

	responseEl, err := xmlgroup.Assemble(doc, results)
	if err != nil {
		return fmt.Errorf("orchestrator: assemble response: %w", err)
	}
	responseXML, err := xmlnode.Render(responseEl)
	if err != nil {
		return fmt.Errorf("orchestrator: render response: %w", err)
	}

	if err := o.Store.PutPayload(ctx, evt.ResponseKey, responseXML, o.Config.RequestTTL); err != nil {
		return fmt.Errorf("orchestrator: write response payload: %w", err)
	}

	completedAt := time.Now().UnixMilli()
	if err := o.Store.SetStatus(ctx, evt.RequestID, model.StatusSucceeded, completedAt); err != nil {
		return fmt.Errorf("orchestrator: set succeeded: %w", err)
	}
	if err := o.publishLifecycle(ctx, evt.RequestID, model.LifecycleSucceeded, nil, ""); err != nil {
		return fmt.Errorf("orchestrator: publish succeeded: %w", err)
	}
	o.applyTerminalTTL(ctx, evt, doc)
	metrics.RequestsTerminal.WithLabelValues("succeeded").Inc()
	return nil
}

// applyTerminalTTL caps every cache:* and state:* key for the request
// (SPEC_FULL.md §3 "Lifecycle", property 6), best-effort: a failure here
// is logged, not escalated, since the terminal transition has already been
// durably recorded.
func (o *Orchestrator) applyTerminalTTL(ctx context.Context, evt model.InvokeEvent, doc *xmlgroup.Document) {
	keys := o.Store.Keys
	ttlKeys := []string{
		keys.RequestXML(evt.RequestID),
		keys.RequestResponse(evt.RequestID),
		keys.RequestMetadata(evt.RequestID),
		keys.RequestFailure(evt.RequestID),
		keys.RequestState(evt.RequestID),
	}
	for _, g := range doc.Groups {
		ttlKeys = append(ttlKeys, keys.GroupState(evt.RequestID, g.Idx), keys.GroupDone(evt.RequestID, g.Idx))
		for _, t := range g.Tasks {
			ttlKeys = append(ttlKeys, keys.TaskXML(evt.RequestID, g.Idx, t.ID), keys.TaskResult(evt.RequestID, g.Idx, t.ID), keys.TaskResultAttempt(evt.RequestID, g.Idx, t.ID))
		}
	}
	if err := o.Store.ApplyTTL(ctx, o.Config.RequestTTL, ttlKeys...); err != nil {
		o.Logger.Warn("apply terminal ttl failed", "requestId", evt.RequestID, "error", err)
	}
}

func (o *Orchestrator) publishLifecycle(ctx context.Context, requestID string, status model.LifecycleStatus, groupIdx *int, reason string) error {
	values := map[string]interface{}{
		"requestId": requestID,
		"status":    string(status),
		"at":        time.Now().UnixMilli(),
	}
	if groupIdx != nil {
		values["groupIdx"] = *groupIdx
	}
	if reason != "" {
		values["reason"] = reason
	}
	_, err := o.Store.Add(ctx, o.Store.Keys.StreamLifecycle(), values)
	return err
}

// failRequest persists failure detail, transitions the request to its
// terminal failed state, publishes the failed lifecycle event
// (SPEC_FULL.md §4.2 step 4h), and caps the request-level keys and the
// group-state keys of groups 0..groupIdx with the request TTL.
func (o *Orchestrator) failRequest(ctx context.Context, requestID string, kind xerrors.Kind, reason string, groupIdx int, taskID string, cause error) error {
	detail := model.FailureDetail{
		RequestID: requestID,
		Reason:    reason,
		GroupIdx:  groupIdx,
		TaskID:    taskID,
	}
	if cause != nil {
		detail.Err = cause.Error()
	}
	b, _ := json.Marshal(detail)
	if err := o.Store.PutPayload(ctx, o.Store.Keys.RequestFailure(requestID), string(b), o.Config.RequestTTL); err != nil {
		o.Logger.Error("write failure detail failed", "requestId", requestID, "error", err)
	}

	completedAt := time.Now().UnixMilli()
	if err := o.Store.SetStatus(ctx, requestID, model.StatusFailed, completedAt); err != nil {
		o.Logger.Error("set failed status failed", "requestId", requestID, "error", err)
	}

	g := groupIdx
	if err := o.publishLifecycle(ctx, requestID, model.LifecycleFailed, &g, reason); err != nil {
		o.Logger.Error("publish failed lifecycle failed", "requestId", requestID, "error", err)
	}

	keys := o.Store.Keys
	ttlKeys := []string{keys.RequestXML(requestID), keys.RequestMetadata(requestID), keys.RequestFailure(requestID), keys.RequestState(requestID)}
	for i := 0; i <= groupIdx; i++ {
		ttlKeys = append(ttlKeys, keys.GroupState(requestID, i), keys.GroupDone(requestID, i))
	}
	if err := o.Store.ApplyTTL(ctx, o.Config.RequestTTL, ttlKeys...); err != nil {
		o.Logger.Warn("apply terminal ttl failed", "requestId", requestID, "error", err)
	}

	metrics.RequestsTerminal.WithLabelValues("failed").Inc()
	o.Logger.Warn("request failed", "requestId", requestID, "kind", kind, "reason", reason, "cause", cause)
	return nil
}
