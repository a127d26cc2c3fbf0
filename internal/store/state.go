package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thuduc/fan-out-fan-in/internal/model"
)

// tombstoneTTLMultiple is how much longer a request's tombstone marker
// outlives its state hash, so that a status/result query can distinguish
// "never existed" (NotFound) from "existed, TTL expired" (Gone) per
// SPEC_FULL.md §4.1.
const tombstoneTTLMultiple = 3

func (k Keys) Tombstone(requestID string) string {
	return "tombstone:" + k.Prefix + ":request:" + requestID
}

// CreateRequestState initializes the request-state hash, owned exclusively
// by F at ingress-claim time (SPEC_FULL.md §3 "Ownership").
func (s *Store) CreateRequestState(ctx context.Context, rs model.RequestState, ttl time.Duration) error {
	key := s.Keys.RequestState(rs.RequestID)
	fields := map[string]interface{}{
		"status":       string(rs.Status),
		"xmlKey":       rs.XMLKey,
		"responseKey":  rs.ResponseKey,
		"metadataKey":  rs.MetadataKey,
		"groupCount":   rs.GroupCount,
		"currentGroup": rs.CurrentGroup,
		"retryCount":   rs.RetryCount,
		"receivedAt":   rs.ReceivedAt,
		"submittedAt":  rs.SubmittedAt,
	}
	pipe := s.Redis.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	pipe.Set(ctx, s.Keys.Tombstone(rs.RequestID), "1", ttl*tombstoneTTLMultiple)
	if _, err := pipe.Exec(ctx); err != nil {
		return errf("create request state "+rs.RequestID, err)
	}
	return nil
}

// GetRequestState reads the request-state hash. ok is false when the hash
// is absent; the caller combines that with Existed to classify NotFound vs
// Gone.
func (s *Store) GetRequestState(ctx context.Context, requestID string) (model.RequestState, bool, error) {
	key := s.Keys.RequestState(requestID)
	vals, err := s.Redis.HGetAll(ctx, key).Result()
	if err != nil {
		return model.RequestState{}, false, errf("hgetall "+key, err)
	}
	if len(vals) == 0 {
		return model.RequestState{}, false, nil
	}
	rs := model.RequestState{
		RequestID:    requestID,
		Status:       model.Status(vals["status"]),
		XMLKey:       vals["xmlKey"],
		ResponseKey:  vals["responseKey"],
		MetadataKey:  vals["metadataKey"],
		GroupCount:   atoi(vals["groupCount"]),
		CurrentGroup: atoi(vals["currentGroup"]),
		RetryCount:   atoi(vals["retryCount"]),
		ReceivedAt:   atoi64(vals["receivedAt"]),
		SubmittedAt:  atoi64(vals["submittedAt"]),
		CompletedAt:  atoi64(vals["completedAt"]),
	}
	return rs, true, nil
}

// Existed reports whether a request ever had state created, used to
// distinguish Gone (existed, expired) from NotFound (never existed).
func (s *Store) Existed(ctx context.Context, requestID string) (bool, error) {
	return s.Exists(ctx, s.Keys.Tombstone(requestID))
}

// SetStatus transitions request-state to status, optionally stamping
// completedAt (Unix millis, 0 to leave unset). R owns every call to this
// after F's initial "received" write (SPEC_FULL.md §3 "Ownership").
func (s *Store) SetStatus(ctx context.Context, requestID string, status model.Status, completedAt int64) error {
	key := s.Keys.RequestState(requestID)
	fields := map[string]interface{}{"status": string(status)}
	if completedAt > 0 {
		fields["completedAt"] = completedAt
	}
	if err := s.Redis.HSet(ctx, key, fields).Err(); err != nil {
		return errf("hset status "+key, err)
	}
	return nil
}

// SetActiveGroup records the group R is currently sequencing (SPEC_FULL.md
// §4.2 step 4c).
func (s *Store) SetActiveGroup(ctx context.Context, requestID string, groupIdx int) error {
	key := s.Keys.RequestState(requestID)
	if err := s.Redis.HSet(ctx, key, map[string]interface{}{"currentGroup": groupIdx}).Err(); err != nil {
		return errf("hset currentGroup "+key, err)
	}
	return nil
}

// IncrRetryCount bumps the request-level retryCount field of request-state.
// The status endpoint's response does not include this field.
func (s *Store) IncrRetryCount(ctx context.Context, requestID string) error {
	key := s.Keys.RequestState(requestID)
	return s.Redis.HIncrBy(ctx, key, "retryCount", 1).Err()
}

// SetGroupCount records the group count R computes once it parses the
// submission XML (SPEC_FULL.md §4.2 step 3), since F's envelope carries it
// only optionally.
func (s *Store) SetGroupCount(ctx context.Context, requestID string, groupCount int) error {
	key := s.Keys.RequestState(requestID)
	if err := s.Redis.HSet(ctx, key, map[string]interface{}{"groupCount": groupCount}).Err(); err != nil {
		return errf("hset groupCount "+key, err)
	}
	return nil
}

// CreateGroupState initializes group-state, owned exclusively by the R
// instance that starts the group (SPEC_FULL.md §3 "Ownership").
func (s *Store) CreateGroupState(ctx context.Context, requestID string, groupIdx int, expected int) error {
	key := s.Keys.GroupState(requestID, groupIdx)
	fields := map[string]interface{}{
		"expected":  expected,
		"completed": 0,
		"failed":    0,
		"status":    "running",
	}
	if err := s.Redis.HSet(ctx, key, fields).Err(); err != nil {
		return errf("create group state "+key, err)
	}
	return nil
}

// GetGroupState reads group-state.
func (s *Store) GetGroupState(ctx context.Context, requestID string, groupIdx int) (model.GroupState, bool, error) {
	key := s.Keys.GroupState(requestID, groupIdx)
	vals, err := s.Redis.HGetAll(ctx, key).Result()
	if err != nil {
		return model.GroupState{}, false, errf("hgetall "+key, err)
	}
	if len(vals) == 0 {
		return model.GroupState{}, false, nil
	}
	return model.GroupState{
		Expected:  atoi(vals["expected"]),
		Completed: atoi(vals["completed"]),
		Failed:    atoi(vals["failed"]),
		Status:    vals["status"],
	}, true, nil
}

// RecordTaskCompleted atomically records that taskID succeeded, returning
// the post-update (completed, failed, expected) triple and whether this call
// was the first to record taskID's outcome (redundant == false) or a
// redelivery of an already-counted terminal update (redundant == true),
// which the caller should treat as a no-op rather than re-advancing the
// group.
func (s *Store) RecordTaskCompleted(ctx context.Context, requestID string, groupIdx int, taskID string) (completed, failed, expected int, redundant bool, err error) {
	return s.recordTaskOutcome(ctx, requestID, groupIdx, taskID, "completed")
}

// RecordTaskFailed is the failed-counter equivalent of RecordTaskCompleted,
// called only once a task's retry budget is exhausted (SPEC_FULL.md §4.3).
func (s *Store) RecordTaskFailed(ctx context.Context, requestID string, groupIdx int, taskID string) (completed, failed, expected int, redundant bool, err error) {
	return s.recordTaskOutcome(ctx, requestID, groupIdx, taskID, "failed")
}

func (s *Store) recordTaskOutcome(ctx context.Context, requestID string, groupIdx int, taskID, field string) (completed, failed, expected int, redundant bool, err error) {
	groupKey := s.Keys.GroupState(requestID, groupIdx)
	doneKey := s.Keys.GroupDone(requestID, groupIdx)
	res, runErr := s.Scripts.Run(ctx, scriptRecordTaskOutcome, map[string]string{"group": groupKey, "done": doneKey}, taskID, field)
	if runErr != nil {
		return 0, 0, 0, false, errf("record task outcome "+groupKey, runErr)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return 0, 0, 0, false, errf("record task outcome "+groupKey, redis.Nil)
	}
	completed = toInt(vals[0])
	failed = toInt(vals[1])
	expected = toInt(vals[2])
	redundant = toInt(vals[3]) == 0
	return completed, failed, expected, redundant, nil
}

// SetGroupStatus updates the terminal/non-terminal status field of a group.
func (s *Store) SetGroupStatus(ctx context.Context, requestID string, groupIdx int, status string) error {
	key := s.Keys.GroupState(requestID, groupIdx)
	return s.Redis.HSet(ctx, key, map[string]interface{}{"status": status}).Err()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case string:
		return atoi(t)
	default:
		return 0
	}
}
