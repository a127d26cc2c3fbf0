// Package cleanup periodically destroys terminal per-request consumer
// groups on the task-update stream (SPEC_FULL.md §9, "A cleanup
// collaborator deletes these groups after TTL"), adapted near-verbatim
// from the teacher's BroadcastListener.Cleanup/isGroupIdle.
package cleanup

import (
	"context"
	"strings"
	"time"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/store"
)

// Cleanup scans req::<requestId> consumer groups on the task-update stream
// and destroys those belonging to a request whose state has gone terminal
// (or expired outright), freeing the group's in-memory bookkeeping in
// Redis.
type Cleanup struct {
	Store  *store.Store
	Config config.Config
	Logger *logging.Logger
}

func New(st *store.Store, cfg config.Config, logger *logging.Logger) *Cleanup {
	return &Cleanup{Store: st, Config: cfg, Logger: logger}
}

// Run blocks, sweeping on Config.ConsumerGroupCleanupInterval until ctx is
// canceled.
func (c *Cleanup) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Config.ConsumerGroupCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cleanup) sweep(ctx context.Context) {
	stream := c.Store.Keys.StreamTaskUpdates()
	groups, err := c.Store.Groups(ctx, stream)
	if err != nil {
		c.Logger.Error("list consumer groups failed", "error", err)
		return
	}

	for _, g := range groups {
		requestID, ok := requestIDFromGroup(g.Name)
		if !ok {
			continue // not a per-request group (e.g. the shared task-workers group)
		}
		if c.isDone(ctx, requestID) {
			if err := c.Store.DestroyGroup(ctx, stream, g.Name); err != nil {
				c.Logger.Error("destroy consumer group failed", "group", g.Name, "error", err)
				continue
			}
			metrics.ConsumerGroupsCleaned.Inc()
			c.Logger.Debug("destroyed per-request consumer group", "group", g.Name)
		}
	}
}

// isDone reports whether a request's group is eligible for cleanup: its
// state has reached a terminal status, or its state has expired outright
// (in which case the group is long past useful and should be reclaimed
// regardless).
func (c *Cleanup) isDone(ctx context.Context, requestID string) bool {
	rs, exists, err := c.Store.GetRequestState(ctx, requestID)
	if err != nil {
		return false
	}
	if !exists {
		return true
	}
	return rs.Status.IsTerminal()
}

func requestIDFromGroup(name string) (string, bool) {
	const prefix = "req::"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}
