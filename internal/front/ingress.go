package front

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/model"
	"github.com/thuduc/fan-out-fan-in/internal/store"
)

// IngressConsumer is F's background consumer described in SPEC_FULL.md
// §4.1 "Ingress consumer": a shared consumer group so multiple F instances
// load-balance ingress envelopes, adapted from the teacher's
// consumer.go processLoop/handleMessage shape. It should be constructed
// with a Store returned by store.NewDedicated per §5, so its long blocking
// reads never head-of-line-block ordinary HTTP request handling.
type IngressConsumer struct {
	Store    *store.Store
	Config   config.Config
	Logger   *logging.Logger
	Consumer string // this F instance's consumer name within the shared group
}

// Run blocks, claiming and processing ingress envelopes until ctx is
// canceled. It never returns an error on a transient per-message failure;
// those simply leave the message unacknowledged for at-least-once retry by
// the consumer group, backstopped by runReclaimer below.
func (c *IngressConsumer) Run(ctx context.Context) error {
	stream := c.Store.Keys.StreamIngest()
	group := c.Config.IngressConsumerGroup
	if err := c.Store.EnsureGroup(ctx, stream, group, "0"); err != nil {
		return err
	}

	go c.runReclaimer(ctx, stream, group)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := c.Store.ReadGroupOne(ctx, stream, group, c.Consumer, 1, c.Config.RequestStreamBlock)
		if err != nil {
			c.Logger.Error("ingress read failed", "error", err)
			continue
		}
		for _, msg := range msgs {
			c.handle(ctx, stream, group, msg.ID, msg.Values)
		}
	}
}

func (c *IngressConsumer) handle(ctx context.Context, stream, group, id string, values map[string]interface{}) {
	env := model.RequestEnvelope{
		RequestID:   fieldString(values, "requestId"),
		XMLKey:      fieldString(values, "xmlKey"),
		ResponseKey: fieldString(values, "responseKey"),
		MetadataKey: fieldString(values, "metadataKey"),
		GroupCount:  fieldInt(values, "groupCount"),
		SubmittedAt: fieldInt64(values, "submittedAt"),
	}
	log := c.Logger.With("requestId", env.RequestID)

	rs, exists, err := c.Store.GetRequestState(ctx, env.RequestID)
	if err != nil {
		log.Error("read request state failed", "error", err)
		return
	}

	// Idempotency on redelivery (SPEC_FULL.md §4.1): once state has moved
	// past "received", this envelope has already been fully handled.
	if exists && rs.Status != model.StatusReceived {
		c.ack(ctx, stream, group, id, log)
		return
	}

	if !exists {
		now := time.Now().UnixMilli()
		err := c.Store.CreateRequestState(ctx, model.RequestState{
			RequestID:    env.RequestID,
			Status:       model.StatusReceived,
			XMLKey:       env.XMLKey,
			ResponseKey:  env.ResponseKey,
			MetadataKey:  env.MetadataKey,
			GroupCount:   env.GroupCount,
			CurrentGroup: -1,
			ReceivedAt:   now,
			SubmittedAt:  env.SubmittedAt,
		}, c.Config.RequestTTL)
		if err != nil {
			log.Error("create request state failed", "error", err)
			return
		}

		if err := c.publishLifecycle(ctx, env.RequestID, model.LifecycleReceived, nil, ""); err != nil {
			log.Error("publish received lifecycle failed", "error", err)
			return
		}
		metrics.RequestsAccepted.Inc()
	}

	// Invoke R asynchronously: the expansion's stream-based replacement for
	// a direct function call (SPEC_FULL.md §2).
	if _, err := c.Store.Add(ctx, c.Store.Keys.StreamInvoke(), map[string]interface{}{
		"requestId":      env.RequestID,
		"xmlKey":         env.XMLKey,
		"responseKey":    env.ResponseKey,
		"metadataKey":    env.MetadataKey,
		"groupCount":     env.GroupCount,
		"executionToken": uuid.NewString(),
	}); err != nil {
		log.Error("publish invoke event failed", "error", err)
		return
	}

	c.ack(ctx, stream, group, id, log)
}

// runReclaimer periodically steals entries left idle in the consumer
// group's PEL — left behind by a peer that claimed one via XREADGROUP and
// crashed before acking — and reprocesses them through the same handle
// path used for fresh deliveries, adapted from the teacher's
// runReclaimer/reclaimIdleMessages (consumer.go).
func (c *IngressConsumer) runReclaimer(ctx context.Context, stream, group string) {
	ticker := time.NewTicker(c.Config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaim(ctx, stream, group)
		}
	}
}

func (c *IngressConsumer) reclaim(ctx context.Context, stream, group string) {
	msgs, err := c.Store.ReclaimStuck(ctx, stream, group, c.Consumer, c.Config.ReclaimIdleTimeout, c.Config.ReclaimBatchSize)
	if err != nil {
		c.Logger.Error("reclaim ingress pending failed", "error", err)
		return
	}
	for _, msg := range msgs {
		c.handle(ctx, stream, group, msg.ID, msg.Values)
	}
}

func (c *IngressConsumer) ack(ctx context.Context, stream, group, id string, log *logging.Logger) {
	if err := c.Store.Ack(ctx, stream, group, id); err != nil {
		log.Error("ack ingress record failed", "error", err, "id", id)
	}
}

func (c *IngressConsumer) publishLifecycle(ctx context.Context, requestID string, status model.LifecycleStatus, groupIdx *int, reason string) error {
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
	_, err := c.Store.Add(ctx, c.Store.Keys.StreamLifecycle(), values)
	return err
}
