package orchestrator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thuduc/fan-out-fan-in/internal/model"
)

// InvokeConsumer claims InvokeEvents from the shared orchestrators
// consumer group (SPEC_FULL.md §2) and runs each through Orchestrator.Run.
// Delivery is at-least-once and Run is idempotent, so a redelivered invoke
// event (this instance crashed before acking, or the claim was stolen by
// runReclaimer below) is safe to process again.
type InvokeConsumer struct {
	Orchestrator *Orchestrator
	Consumer     string
}

func (c *InvokeConsumer) Run(ctx context.Context) error {
	st := c.Orchestrator.Store
	cfg := c.Orchestrator.Config
	stream := st.Keys.StreamInvoke()
	group := cfg.OrchestratorConsumerGroup

	if err := st.EnsureGroup(ctx, stream, group, "0"); err != nil {
		return err
	}

	go c.runReclaimer(ctx, stream, group)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := st.ReadGroupOne(ctx, stream, group, c.Consumer, 1, cfg.OrchestratorPollBlock)
		if err != nil {
			c.Orchestrator.Logger.Error("invoke read failed", "error", err)
			continue
		}
		for _, msg := range msgs {
			c.handle(ctx, stream, group, msg)
		}
	}
}

// runReclaimer periodically steals invoke events left idle in the
// orchestrators group's PEL by a peer that crashed before acking, adapted
// from the teacher's runReclaimer/reclaimIdleMessages (consumer.go).
func (c *InvokeConsumer) runReclaimer(ctx context.Context, stream, group string) {
	st := c.Orchestrator.Store
	cfg := c.Orchestrator.Config
	ticker := time.NewTicker(cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := st.ReclaimStuck(ctx, stream, group, c.Consumer, cfg.ReclaimIdleTimeout, cfg.ReclaimBatchSize)
			if err != nil {
				c.Orchestrator.Logger.Error("reclaim invoke pending failed", "error", err)
				continue
			}
			for _, msg := range msgs {
				c.handle(ctx, stream, group, msg)
			}
		}
	}
}

func (c *InvokeConsumer) handle(ctx context.Context, stream, group string, msg redis.XMessage) {
	st := c.Orchestrator.Store
	evt := model.InvokeEvent{
		RequestID:      fieldString(msg.Values, "requestId"),
		XMLKey:         fieldString(msg.Values, "xmlKey"),
		ResponseKey:    fieldString(msg.Values, "responseKey"),
		MetadataKey:    fieldString(msg.Values, "metadataKey"),
		GroupCount:     fieldInt(msg.Values, "groupCount"),
		ExecutionToken: fieldString(msg.Values, "executionToken"),
	}
	if err := c.Orchestrator.Run(ctx, evt); err != nil {
		c.Orchestrator.Logger.Error("orchestrator run failed", "requestId", evt.RequestID, "error", err)
		return // leave unacked for consumer-group redelivery or reclaim
	}
	if err := st.Ack(ctx, stream, group, msg.ID); err != nil {
		c.Orchestrator.Logger.Error("ack invoke event failed", "error", err, "id", msg.ID)
	}
}
