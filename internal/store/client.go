// Package store implements the shared datastore contract of SPEC_FULL.md
// §3/§6 on top of Redis: streams with consumer groups, a TTL-capped string
// cache, and hash-backed request/group state. It is built directly on the
// teacher library's dependency, github.com/redis/go-redis/v9, generalizing
// backstage-go's producer/consumer/broadcast/script-registry code from a
// job-queue shape to this spec's request/group/task shape (see DESIGN.md).
package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig mirrors the teacher's Config (Host/Port/Password/DB), with
// the addition of Prefix carried through Keys rather than as a raw string
// field, and no ConsumerGroup/WorkerID — those are owned by the caller of
// each stream op because this package serves three different roles.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store bundles a Redis connection with the key layout and script registry
// every component needs.
type Store struct {
	Redis   *redis.Client
	Keys    Keys
	Scripts *ScriptRegistry
}

// New creates a Store using a single connection pool. Callers that also run
// a long-lived blocking consumer loop (F's ingress consumer, R's
// invoke/task-update loops, W's dispatch loop) should additionally call
// NewDedicated for that loop's own connection, per SPEC_FULL.md §5's
// "dedicated datastore connection to avoid head-of-line blocking."
func New(cfg ClientConfig) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{
		Redis:   rdb,
		Keys:    NewKeys(cfg.Prefix),
		Scripts: NewScriptRegistry(rdb),
	}
}

// NewDedicated returns a second Store sharing the same logical database but
// with its own *redis.Client (and therefore its own connection pool), for a
// subsystem that would otherwise block ordinary request handling behind a
// long blocking XREAD/XREADGROUP call.
func NewDedicated(cfg ClientConfig) *Store {
	return New(cfg)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.Redis.Close()
}

// busyGroupErr is the error go-redis surfaces when XGROUP CREATE targets a
// group that already exists; every consumer-group-creation call site in
// this package tolerates it, exactly as the teacher's initConsumerGroups
// and BroadcastListener.Start do.
const busyGroupErr = "BUSYGROUP Consumer Group name already exists"

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == busyGroupErr
}

func errf(op string, err error) error {
	return fmt.Errorf("store: %s: %w", op, err)
}
