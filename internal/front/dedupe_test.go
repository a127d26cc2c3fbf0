package front

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuduc/fan-out-fan-in/internal/xerrors"
)

func TestClaimOrReuseFreshKeyProceeds(t *testing.T) {
	requireRedis(t)
	st := newTestStore(t)
	key := uniqueID("idem")
	candidate := uniqueID("req")

	requestID, reused, err := claimOrReuse(testCtx, st, key, candidate, "payload-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, candidate, requestID)
}

func TestClaimOrReuseSamePayloadReusesRequestID(t *testing.T) {
	requireRedis(t)
	st := newTestStore(t)
	key := uniqueID("idem")
	first := uniqueID("req")
	second := uniqueID("req")

	requestID1, reused1, err := claimOrReuse(testCtx, st, key, first, "payload-a", time.Minute)
	require.NoError(t, err)
	require.False(t, reused1)

	requestID2, reused2, err := claimOrReuse(testCtx, st, key, second, "payload-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, reused2)
	assert.Equal(t, requestID1, requestID2)
}

func TestClaimOrReuseDifferentPayloadIsConflict(t *testing.T) {
	requireRedis(t)
	st := newTestStore(t)
	key := uniqueID("idem")
	first := uniqueID("req")
	second := uniqueID("req")

	_, _, err := claimOrReuse(testCtx, st, key, first, "payload-a", time.Minute)
	require.NoError(t, err)

	_, _, err = claimOrReuse(testCtx, st, key, second, "payload-b", time.Minute)
	require.Error(t, err)
	assert.Equal(t, xerrors.IdempotencyConflict, xerrors.KindOf(err))
}
