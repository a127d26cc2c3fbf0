package front

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/model"
)

func newTestIngressConsumer(t *testing.T) *IngressConsumer {
	t.Helper()
	cfg := config.Default()
	cfg.RequestTTL = time.Minute
	return &IngressConsumer{
		Store:    newTestStore(t),
		Config:   cfg,
		Logger:   testLogger(),
		Consumer: uniqueID("consumer"),
	}
}

func TestIngressHandleFreshEnvelopeCreatesRequestState(t *testing.T) {
	requireRedis(t)
	c := newTestIngressConsumer(t)
	requestID := uniqueID("req")
	stream := c.Store.Keys.StreamIngest()
	group := c.Config.IngressConsumerGroup
	require.NoError(t, c.Store.EnsureGroup(testCtx, stream, group, "0"))

	values := map[string]interface{}{
		"requestId":   requestID,
		"xmlKey":      c.Store.Keys.RequestXML(requestID),
		"responseKey": c.Store.Keys.RequestResponse(requestID),
		"groupCount":  2,
		"submittedAt": time.Now().UnixMilli(),
	}

	c.handle(testCtx, stream, group, "0-1", values)

	rs, exists, err := c.Store.GetRequestState(testCtx, requestID)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, model.StatusReceived, rs.Status)
	assert.Equal(t, -1, rs.CurrentGroup)
	assert.Equal(t, 2, rs.GroupCount)

	invokeMsgs, err := c.Store.ReadTail(testCtx, c.Store.Keys.StreamInvoke(), "0", 50*time.Millisecond)
	require.NoError(t, err)
	found := false
	for _, m := range invokeMsgs {
		if m.Values["requestId"] == requestID {
			found = true
		}
	}
	assert.True(t, found, "a fresh envelope must publish an invoke event for R")

	lifecycleMsgs, err := c.Store.ReadTail(testCtx, c.Store.Keys.StreamLifecycle(), "0", 50*time.Millisecond)
	require.NoError(t, err)
	sawReceived := false
	for _, m := range lifecycleMsgs {
		if m.Values["requestId"] == requestID && m.Values["status"] == string(model.LifecycleReceived) {
			sawReceived = true
		}
	}
	assert.True(t, sawReceived, "a fresh envelope must publish a received lifecycle event")
}

func TestIngressHandleRedeliveredEnvelopePastReceivedIsAckOnly(t *testing.T) {
	requireRedis(t)
	c := newTestIngressConsumer(t)
	requestID := uniqueID("req")
	stream := c.Store.Keys.StreamIngest()
	group := c.Config.IngressConsumerGroup
	require.NoError(t, c.Store.EnsureGroup(testCtx, stream, group, "0"))

	require.NoError(t, c.Store.CreateRequestState(testCtx, model.RequestState{
		RequestID:    requestID,
		Status:       model.StatusSucceeded,
		CurrentGroup: -1,
	}, time.Minute))

	invokeCursor, err := c.Store.LastStreamID(testCtx, c.Store.Keys.StreamInvoke())
	require.NoError(t, err)

	values := map[string]interface{}{
		"requestId":   requestID,
		"xmlKey":      c.Store.Keys.RequestXML(requestID),
		"responseKey": c.Store.Keys.RequestResponse(requestID),
		"groupCount":  1,
		"submittedAt": time.Now().UnixMilli(),
	}
	c.handle(testCtx, stream, group, "0-1", values)

	invokeMsgs, err := c.Store.ReadTail(testCtx, c.Store.Keys.StreamInvoke(), invokeCursor, 50*time.Millisecond)
	require.NoError(t, err)
	for _, m := range invokeMsgs {
		assert.NotEqual(t, requestID, m.Values["requestId"], "a redelivered envelope past received must not re-invoke R")
	}
}
