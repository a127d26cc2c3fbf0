package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EnsureGroup creates a consumer group starting at startID ("0" to replay
// history, "$" to start at the tail), tolerating BUSYGROUP, exactly as the
// teacher's initConsumerGroups and BroadcastListener.Start do.
func (s *Store) EnsureGroup(ctx context.Context, stream, group, startID string) error {
	err := s.Redis.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !isBusyGroup(err) {
		return errf("ensure group "+group+" on "+stream, err)
	}
	return nil
}

// DestroyGroup removes a consumer group, used by internal/cleanup for
// terminal per-request groups.
func (s *Store) DestroyGroup(ctx context.Context, stream, group string) error {
	return s.Redis.XGroupDestroy(ctx, stream, group).Err()
}

// Add appends a record to a stream and returns its ID.
func (s *Store) Add(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := s.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", errf("xadd "+stream, err)
	}
	return id, nil
}

// ReadGroupOne claims up to count new (">") records for one stream under a
// consumer group, blocking up to block. It returns an empty slice (not an
// error) on redis.Nil, matching go-redis's "no new records" sentinel.
func (s *Store) ReadGroupOne(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errf("xreadgroup "+stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// Ack acknowledges one or more delivered IDs.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Redis.XAck(ctx, stream, group, ids...).Err()
}

// ReadTail performs a raw XREAD (no consumer group) starting just after
// lastID, blocking up to block. Used by the sync lifecycle waiter, which
// per SPEC_FULL.md §9 must not compete for delivery via a consumer group.
func (s *Store) ReadTail(ctx context.Context, stream, lastID string, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.Redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errf("xread "+stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// PendingIdle returns messages idle for at least minIdle, for reclaim by a
// crashed consumer's peer, adapted from the teacher's reclaimIdleMessages.
func (s *Store) PendingIdle(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]redis.XPendingExt, error) {
	res, err := s.Redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, errf("xpending "+stream, err)
	}
	return res, nil
}

// Claim reassigns pending messages to consumer.
func (s *Store) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	res, err := s.Redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, errf("xclaim "+stream, err)
	}
	return res, nil
}

// ReclaimStuck finds entries in group on stream idle for at least minIdle
// and reassigns up to count of them to consumer, returning the reclaimed
// messages for reprocessing. This is the teacher's reclaimIdleMessages
// combined into one call: XPendingExt to find candidates, then XClaim them.
// Every consumer loop calls this periodically so a peer that crashes after
// XReadGroup but before XAck doesn't strand its claimed entries forever
// (SPEC_FULL.md §7's redelivery-after-visibility-window invariant).
func (s *Store) ReclaimStuck(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	pending, err := s.PendingIdle(ctx, stream, group, minIdle, count)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	return s.Claim(ctx, stream, group, consumer, minIdle, ids)
}

// PublishIfVisible runs the publishIfVisible script: it XADDs values onto
// stream only if visibilityKey already exists, folding SPEC_FULL.md §4.1
// step 2's visibility check and the envelope publish into one round trip.
// published is false when visibilityKey was not yet observable; the caller
// should then retry via ConfirmVisible's polling path before failing the
// request with PayloadNotVisible.
func (s *Store) PublishIfVisible(ctx context.Context, visibilityKey, stream string, values map[string]interface{}) (published bool, err error) {
	args := make([]interface{}, 0, 1+len(values)*2)
	args = append(args, stream)
	for k, v := range values {
		args = append(args, k, v)
	}
	res, err := s.Scripts.Run(ctx, scriptPublishIfVisible, map[string]string{"xmlKey": visibilityKey}, args...)
	if err != nil {
		return false, errf("publish if visible "+stream, err)
	}
	n := toInt(res)
	return n == 1, nil
}

// LastStreamID returns the ID of the most recent record on stream, or "0"
// if the stream is empty. The sync waiter captures this before the ingress
// envelope is published so its subsequent tail read cannot miss a lifecycle
// event emitted between capture and the first blocking read.
func (s *Store) LastStreamID(ctx context.Context, stream string) (string, error) {
	res, err := s.Redis.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", errf("xrevrange "+stream, err)
	}
	if len(res) == 0 {
		return "0", nil
	}
	return res[0].ID, nil
}

// Groups lists the consumer groups registered on a stream.
func (s *Store) Groups(ctx context.Context, stream string) ([]redis.XInfoGroup, error) {
	res, err := s.Redis.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, errf("xinfo groups "+stream, err)
	}
	return res, nil
}

// Consumers lists the consumers registered in a group.
func (s *Store) Consumers(ctx context.Context, stream, group string) ([]redis.XInfoConsumer, error) {
	res, err := s.Redis.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, errf("xinfo consumers "+stream, err)
	}
	return res, nil
}
