package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// idempotencyRecord is the value stored at idempotency:<key>: the mapped
// requestId plus a digest of the payload that first claimed the key, so a
// later submission with the same key but a different payload can be
// rejected (Open Question 3, resolved in DESIGN.md).
const idempotencyFieldSep = "\x00"

// ClaimIdempotencyKey attempts a set-if-absent mapping idempotencyKey to
// requestID, alongside a digest of payload. It returns:
//   - claimed=true, existingRequestID="" when this call won the race and
//     the caller should proceed with requestID;
//   - claimed=false, existingRequestID=<id>, conflict=false when a prior
//     submission with the *same* payload already claimed the key (caller
//     returns the existing requestId, does not re-enqueue, per §4.1 step 3);
//   - claimed=false, conflict=true when a prior submission with a
//     *different* payload claimed the key (Open Question 3: reject).
func (s *Store) ClaimIdempotencyKey(ctx context.Context, idempotencyKey, requestID, payload string, ttl time.Duration) (claimed bool, existingRequestID string, conflict bool, err error) {
	key := s.Keys.Idempotency(idempotencyKey)
	digest := payloadDigest(payload)
	value := requestID + idempotencyFieldSep + digest

	set, setErr := s.Redis.SetNX(ctx, key, value, ttl).Result()
	if setErr != nil {
		return false, "", false, errf("setnx "+key, setErr)
	}
	if set {
		return true, "", false, nil
	}

	existing, getErr := s.Redis.Get(ctx, key).Result()
	if getErr == redis.Nil {
		// Raced with a concurrent TTL expiry; treat as if we had claimed it.
		return true, "", false, nil
	}
	if getErr != nil {
		return false, "", false, errf("get "+key, getErr)
	}

	existingID, existingDigest := splitIdempotencyValue(existing)
	if existingDigest != digest {
		return false, existingID, true, nil
	}
	return false, existingID, false, nil
}

func payloadDigest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func splitIdempotencyValue(v string) (requestID, digest string) {
	for i := 0; i < len(v); i++ {
		if v[i] == 0 {
			return v[:i], v[i+1:]
		}
	}
	return v, ""
}
