package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuduc/fan-out-fan-in/internal/model"
)

var (
	testCtx        = context.Background()
	testRedis      *redis.Client
	redisAvailable bool
)

// TestMain mirrors the teacher's consumer_test.go/scheduler_test.go pattern:
// point at a real Redis (REDIS_HOST/REDIS_PORT, defaulting to
// localhost:6379) and skip the tests that need it when unreachable, rather
// than faking the datastore.
func TestMain(m *testing.M) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}

	testRedis = redis.NewClient(&redis.Options{Addr: host + ":" + port})
	redisAvailable = testRedis.Ping(testCtx).Err() == nil

	code := m.Run()

	if redisAvailable {
		keys, _ := testRedis.Keys(testCtx, "*vnml-test*").Result()
		if len(keys) > 0 {
			testRedis.Del(testCtx, keys...)
		}
	}
	testRedis.Close()
	os.Exit(code)
}

func requireRedis(t *testing.T) {
	t.Helper()
	if !redisAvailable {
		t.Skip("redis unavailable, skipping integration test")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	requireRedis(t)
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	return New(ClientConfig{Addr: host + ":" + port, Prefix: "vnml-test"})
}

func TestKeysLayout(t *testing.T) {
	k := NewKeys("vnml-test")

	assert.Equal(t, "cache:vnml-test:request:r1:xml", k.RequestXML("r1"))
	assert.Equal(t, "cache:vnml-test:request:r1:response", k.RequestResponse("r1"))
	assert.Equal(t, "cache:vnml-test:task:r1:0:t1:xml", k.TaskXML("r1", 0, "t1"))
	assert.Equal(t, "state:vnml-test:request:r1", k.RequestState("r1"))
	assert.Equal(t, "state:vnml-test:request:r1:group:2", k.GroupState("r1", 2))
	assert.Equal(t, "state:vnml-test:request:r1:group:2:done", k.GroupDone("r1", 2))
	assert.Equal(t, "stream:vnml-test:task:dispatch", k.StreamTaskDispatch())
	assert.Equal(t, "req::r1", RequestConsumerGroup("r1"))
}

func TestKeysDefaultPrefix(t *testing.T) {
	k := NewKeys("")
	assert.Equal(t, "vnml", k.Prefix)
}

func TestRequestStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	requestID := uniqueID("req")
	_, exists, err := s.GetRequestState(testCtx, requestID)
	require.NoError(t, err)
	assert.False(t, exists)

	existed, err := s.Existed(testCtx, requestID)
	require.NoError(t, err)
	assert.False(t, existed, "a never-created request must not be reported as existed (NotFound, not Gone)")

	err = s.CreateRequestState(testCtx, modelRequestState(requestID), time.Minute)
	require.NoError(t, err)

	rs, exists, err := s.GetRequestState(testCtx, requestID)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, -1, rs.CurrentGroup)
	assert.EqualValues(t, "received", rs.Status)

	existed, err = s.Existed(testCtx, requestID)
	require.NoError(t, err)
	assert.True(t, existed)

	require.NoError(t, s.SetActiveGroup(testCtx, requestID, 0))
	require.NoError(t, s.SetGroupCount(testCtx, requestID, 3))
	require.NoError(t, s.SetStatus(testCtx, requestID, "started", 0))

	rs, _, err = s.GetRequestState(testCtx, requestID)
	require.NoError(t, err)
	assert.Equal(t, 0, rs.CurrentGroup)
	assert.Equal(t, 3, rs.GroupCount)
	assert.EqualValues(t, "started", rs.Status)
}

func TestGroupStateAndRecordTaskOutcomeIsRedeliveryIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	requestID := uniqueID("req")
	require.NoError(t, s.CreateGroupState(testCtx, requestID, 0, 2))

	gs, ok, err := s.GetGroupState(testCtx, requestID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, gs.Expected)
	assert.Equal(t, 0, gs.Completed)

	completed, failed, expected, redundant, err := s.RecordTaskCompleted(testCtx, requestID, 0, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, expected)
	assert.False(t, redundant)

	// Redelivery of the same terminal task-update record must not
	// double-count (invariant: completed + failed <= expected).
	completed, _, _, redundant, err = s.RecordTaskCompleted(testCtx, requestID, 0, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, completed, "a redelivered completion must not increment the counter again")
	assert.True(t, redundant)

	completed, failed, _, redundant, err = s.RecordTaskCompleted(testCtx, requestID, 0, "t2")
	require.NoError(t, err)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 0, failed)
	assert.False(t, redundant)

	require.NoError(t, s.SetGroupStatus(testCtx, requestID, 0, "completed"))
	gs, _, err = s.GetGroupState(testCtx, requestID, 0)
	require.NoError(t, err)
	assert.Equal(t, "completed", gs.Status)
}

func TestRecordTaskFailedCounts(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	requestID := uniqueID("req")
	require.NoError(t, s.CreateGroupState(testCtx, requestID, 0, 1))

	_, failed, _, redundant, err := s.RecordTaskFailed(testCtx, requestID, 0, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.False(t, redundant)

	_, failed, _, redundant, err = s.RecordTaskFailed(testCtx, requestID, 0, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.True(t, redundant)
}

func TestPayloadCache(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	key := uniqueID("cache")
	_, ok, err := s.GetPayload(testCtx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutPayload(testCtx, key, "<xml/>", time.Minute))
	v, ok, err := s.GetPayload(testCtx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<xml/>", v)

	exists, err := s.Exists(testCtx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPutResultIfNewerRejectsStaleAttempt(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	resultKey := uniqueID("result")
	attemptKey := uniqueID("result-attempt")

	wrote, err := s.PutResultIfNewer(testCtx, resultKey, attemptKey, "<r attempt=\"2\"/>", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, wrote)

	v, ok, err := s.GetPayload(testCtx, resultKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<r attempt=\"2\"/>", v)

	// A reclaimed, lower-attempt dispatch record racing in after a higher
	// attempt already completed must not clobber the committed result.
	wrote, err = s.PutResultIfNewer(testCtx, resultKey, attemptKey, "<r attempt=\"1\"/>", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, wrote)

	v, _, err = s.GetPayload(testCtx, resultKey)
	require.NoError(t, err)
	assert.Equal(t, "<r attempt=\"2\"/>", v, "a stale lower-attempt write must not overwrite a newer attempt's result")

	// An equal attempt redelivered (e.g. the same reclaimed message processed
	// twice) is allowed to rewrite its own result.
	wrote, err = s.PutResultIfNewer(testCtx, resultKey, attemptKey, "<r attempt=\"2b\"/>", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestConfirmVisible(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	key := uniqueID("visible")
	ok, err := s.ConfirmVisible(testCtx, key, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutPayload(testCtx, key, "x", time.Minute))
	ok, err = s.ConfirmVisible(testCtx, key, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyTTL(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	key := uniqueID("ttl")
	require.NoError(t, s.PutPayload(testCtx, key, "x", time.Hour))
	require.NoError(t, s.ApplyTTL(testCtx, time.Millisecond, key, "", uniqueID("missing-key")))

	time.Sleep(50 * time.Millisecond)
	exists, err := s.Exists(testCtx, key)
	require.NoError(t, err)
	assert.False(t, exists, "ApplyTTL should shorten the key's expiry")
}

func TestClaimIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	idemKey := uniqueID("idem")
	claimed, existing, conflict, err := s.ClaimIdempotencyKey(testCtx, idemKey, "req-a", "payload-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Empty(t, existing)
	assert.False(t, conflict)

	// Same payload, different candidate requestId: reuse the original.
	claimed, existing, conflict, err = s.ClaimIdempotencyKey(testCtx, idemKey, "req-b", "payload-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "req-a", existing)
	assert.False(t, conflict)

	// Different payload: reject as a conflict (Open Question 3).
	_, _, conflict, err = s.ClaimIdempotencyKey(testCtx, idemKey, "req-c", "payload-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, conflict)
}

func TestStreamsAddReadAck(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	stream := uniqueID("stream")
	group := "test-group"
	require.NoError(t, s.EnsureGroup(testCtx, stream, group, "0"))

	id, err := s.Add(testCtx, stream, map[string]interface{}{"requestId": "r1", "attempt": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := s.ReadGroupOne(testCtx, stream, group, "consumer-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r1", msgs[0].Values["requestId"])

	require.NoError(t, s.Ack(testCtx, stream, group, msgs[0].ID))

	msgs, err = s.ReadGroupOne(testCtx, stream, group, "consumer-1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs, "an acked record should not be redelivered")

	require.NoError(t, s.DestroyGroup(testCtx, stream, group))
}

func TestReclaimStuckStealsIdleEntryFromCrashedConsumer(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	stream := uniqueID("stream")
	group := "test-group"
	require.NoError(t, s.EnsureGroup(testCtx, stream, group, "0"))

	id, err := s.Add(testCtx, stream, map[string]interface{}{"requestId": "r1", "attempt": 1})
	require.NoError(t, err)

	// "crashed-consumer" claims the message via a fresh read and never acks,
	// simulating a crash between XReadGroup and XAck.
	msgs, err := s.ReadGroupOne(testCtx, stream, group, "crashed-consumer", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	// Too young to reclaim yet.
	reclaimed, err := s.ReclaimStuck(testCtx, stream, group, "survivor", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	time.Sleep(20 * time.Millisecond)

	reclaimed, err = s.ReclaimStuck(testCtx, stream, group, "survivor", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, id, reclaimed[0].ID)
	assert.Equal(t, "r1", reclaimed[0].Values["requestId"])

	require.NoError(t, s.Ack(testCtx, stream, group, reclaimed[0].ID))

	reclaimed, err = s.ReclaimStuck(testCtx, stream, group, "survivor", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "an acked entry must not be reclaimable")

	require.NoError(t, s.DestroyGroup(testCtx, stream, group))
}

func TestEnsureGroupToleratesExisting(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	stream := uniqueID("stream")
	require.NoError(t, s.EnsureGroup(testCtx, stream, "g", "0"))
	require.NoError(t, s.EnsureGroup(testCtx, stream, "g", "0"), "EnsureGroup must tolerate BUSYGROUP")
}

func TestPublishIfVisible(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	visKey := uniqueID("vis")
	stream := uniqueID("stream")

	published, err := s.PublishIfVisible(testCtx, visKey, stream, map[string]interface{}{"a": "b"})
	require.NoError(t, err)
	assert.False(t, published, "should not publish while the visibility key is absent")

	require.NoError(t, s.PutPayload(testCtx, visKey, "x", time.Minute))
	published, err = s.PublishIfVisible(testCtx, visKey, stream, map[string]interface{}{"a": "b"})
	require.NoError(t, err)
	assert.True(t, published)

	length, err := s.Redis.XLen(testCtx, stream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestLastStreamID(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	stream := uniqueID("stream")
	id, err := s.LastStreamID(testCtx, stream)
	require.NoError(t, err)
	assert.Equal(t, "0", id, "an empty stream has no last ID")

	firstID, err := s.Add(testCtx, stream, map[string]interface{}{"n": 1})
	require.NoError(t, err)
	secondID, err := s.Add(testCtx, stream, map[string]interface{}{"n": 2})
	require.NoError(t, err)

	id, err = s.LastStreamID(testCtx, stream)
	require.NoError(t, err)
	assert.Equal(t, secondID, id)
	assert.NotEqual(t, firstID, id)
}

func TestReadTailStartsAfterCursor(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	stream := uniqueID("stream")
	firstID, err := s.Add(testCtx, stream, map[string]interface{}{"n": 1})
	require.NoError(t, err)

	msgs, err := s.ReadTail(testCtx, stream, firstID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs, "ReadTail from the last ID with nothing newer should time out empty")

	secondID, err := s.Add(testCtx, stream, map[string]interface{}{"n": 2})
	require.NoError(t, err)

	msgs, err = s.ReadTail(testCtx, stream, firstID, 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, secondID, msgs[0].ID)
}

func TestGroupsLists(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	stream := uniqueID("stream")
	require.NoError(t, s.EnsureGroup(testCtx, stream, "req::r1", "0"))

	groups, err := s.Groups(testCtx, stream)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "req::r1", groups[0].Name)
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func modelRequestState(requestID string) model.RequestState {
	return model.RequestState{
		RequestID:    requestID,
		Status:       model.StatusReceived,
		XMLKey:       "cache:vnml-test:request:" + requestID + ":xml",
		ResponseKey:  "cache:vnml-test:request:" + requestID + ":response",
		CurrentGroup: -1,
		ReceivedAt:   time.Now().UnixMilli(),
		SubmittedAt:  time.Now().UnixMilli(),
	}
}
