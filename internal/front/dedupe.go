package front

import (
	"context"
	"time"

	"github.com/thuduc/fan-out-fan-in/internal/store"
	"github.com/thuduc/fan-out-fan-in/internal/xerrors"
)

// claimOrReuse wraps store.ClaimIdempotencyKey with the submission-contract
// semantics from SPEC_FULL.md §4.1 step 3: a fresh idempotency key proceeds
// with candidateRequestID; a reused key with an identical payload returns
// the previously mapped requestId without enqueueing; a reused key with a
// different payload is rejected outright (Open Question 3, DESIGN.md).
func claimOrReuse(ctx context.Context, st *store.Store, idempotencyKey, candidateRequestID, payload string, ttl time.Duration) (requestID string, reused bool, err error) {
	claimed, existingID, conflict, err := st.ClaimIdempotencyKey(ctx, idempotencyKey, candidateRequestID, payload, ttl)
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.DatastoreUnavailable, "claim idempotency key", err)
	}
	if conflict {
		return "", false, xerrors.New(xerrors.IdempotencyConflict, "idempotency key reused with a different payload")
	}
	if claimed {
		return candidateRequestID, false, nil
	}
	return existingID, true, nil
}
