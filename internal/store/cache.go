package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PutPayload writes an opaque string payload with a TTL.
func (s *Store) PutPayload(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.Redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return errf("set "+key, err)
	}
	return nil
}

// GetPayload reads an opaque string payload. ok is false if the key does
// not exist (distinct from an empty-but-present value).
func (s *Store) GetPayload(ctx context.Context, key string) (value string, ok bool, err error) {
	v, err := s.Redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errf("get "+key, err)
	}
	return v, true, nil
}

// PutResultIfNewer writes a task result guarded by attempt ordering
// (scriptPutResultIfNewer): the write is discarded rather than applied if
// attemptKey already recorded a higher attempt than attempt. wrote reports
// whether this call's payload actually landed.
func (s *Store) PutResultIfNewer(ctx context.Context, resultKey, attemptKey, payload string, attempt int, ttl time.Duration) (wrote bool, err error) {
	res, runErr := s.Scripts.Run(ctx, scriptPutResultIfNewer, map[string]string{"result": resultKey, "attempt": attemptKey}, payload, attempt, int64(ttl/time.Second))
	if runErr != nil {
		return false, errf("put result if newer "+resultKey, runErr)
	}
	return toInt(res) == 1, nil
}

// ConfirmVisible polls for key's existence up to attempts times with a
// fixed backoff, realizing SPEC_FULL.md §4.1 step 2's "verify the key is
// observable before publishing the envelope" against a primary-replica
// store that may lag (§9 "Replica lag after payload write").
func (s *Store) ConfirmVisible(ctx context.Context, key string, attempts int, backoff time.Duration) (bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		n, err := s.Redis.Exists(ctx, key).Result()
		if err != nil {
			return false, errf("exists "+key, err)
		}
		if n > 0 {
			return true, nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	return false, nil
}

// ApplyTTL caps the given keys with ttl, used on terminal transitions
// (SPEC_FULL.md §3 "Lifecycle", invariant-adjacent TTL application tested
// by S6/property 6), at millisecond precision. Missing keys are ignored by
// PEXPIRE itself.
func (s *Store) ApplyTTL(ctx context.Context, ttl time.Duration, keys ...string) error {
	pipe := s.Redis.Pipeline()
	for _, k := range keys {
		if k == "" {
			continue
		}
		pipe.PExpire(ctx, k, ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return errf("apply ttl", err)
	}
	return nil
}

// Exists reports whether key is present, used by status/result queries to
// distinguish NotFound from Gone (TTL expired after having existed) per
// SPEC_FULL.md §4.1's "Status/result queries".
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.Redis.Exists(ctx, key).Result()
	if err != nil {
		return false, errf("exists "+key, err)
	}
	return n > 0, nil
}
