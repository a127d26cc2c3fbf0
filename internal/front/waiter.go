package front

import (
	"context"
	"time"

	"github.com/thuduc/fan-out-fan-in/internal/model"
	"github.com/thuduc/fan-out-fan-in/internal/store"
)

// waitForTerminal implements SPEC_FULL.md §4.1's sync-waiter algorithm: a
// raw tail read (no consumer group, per §9 "Sync wait without consumer
// group") starting just after lastID, discarding records for other
// requests, and returning the first terminal lifecycle event observed for
// requestID before deadline elapses. Unrelated records advance the cursor
// but never reset the deadline.
func waitForTerminal(ctx context.Context, st *store.Store, stream, lastID, requestID string, timeout, block time.Duration) (model.LifecycleEvent, bool) {
	deadline := time.Now().Add(timeout)
	cursor := lastID

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return model.LifecycleEvent{}, false
		}
		readBlock := block
		if remaining < readBlock {
			readBlock = remaining
		}

		msgs, err := st.ReadTail(ctx, stream, cursor, readBlock)
		if err != nil {
			return model.LifecycleEvent{}, false
		}
		for _, msg := range msgs {
			cursor = msg.ID
			ev := decodeLifecycleEvent(msg.Values)
			if ev.RequestID != requestID {
				continue
			}
			if isTerminalLifecycle(ev.Status) {
				return ev, true
			}
		}
	}
}

func isTerminalLifecycle(status model.LifecycleStatus) bool {
	return status == model.LifecycleSucceeded || status == model.LifecycleFailed
}

func decodeLifecycleEvent(values map[string]interface{}) model.LifecycleEvent {
	ev := model.LifecycleEvent{
		RequestID: fieldString(values, "requestId"),
		Status:    model.LifecycleStatus(fieldString(values, "status")),
		At:        fieldInt64(values, "at"),
		Reason:    fieldString(values, "reason"),
	}
	if g, ok := values["groupIdx"]; ok {
		idx := int(fieldInt64FromAny(g))
		ev.GroupIdx = &idx
	}
	return ev
}
