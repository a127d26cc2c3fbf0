package front

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/xerrors"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	cfg := config.Default()
	cfg.RequestTTL = time.Minute
	srv := NewServer(newTestStore(t), cfg, testLogger())
	mux := http.NewServeMux()
	srv.Routes(mux)
	return srv, mux
}

func TestHandleSubmitAsyncAccepted(t *testing.T) {
	requireRedis(t)
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader(validSubmission))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var body acceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, "accepted", body.Status)
}

func TestHandleSubmitRejectsMalformedXML(t *testing.T) {
	requireRedis(t)
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader("<not-well-formed"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmitRejectsOversizedPayload(t *testing.T) {
	requireRedis(t)
	cfg := config.Default()
	cfg.PayloadMaxBytes = 8
	srv := NewServer(newTestStore(t), cfg, testLogger())
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader(validSubmission))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleSubmitRejectsInvalidSyncFlag(t *testing.T) {
	requireRedis(t)
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/valuation?sync=maybe", strings.NewReader(validSubmission))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmitIdempotentReplay(t *testing.T) {
	requireRedis(t)
	_, mux := newTestServer(t)
	idemKey := uniqueID("idem")

	req1 := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader(validSubmission))
	req1.Header.Set("Idempotency-Key", idemKey)
	w1 := httptest.NewRecorder()
	mux.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusAccepted, w1.Code)
	var first acceptedResponse
	require.NoError(t, json.Unmarshal(w1.Body.Bytes(), &first))

	req2 := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader(validSubmission))
	req2.Header.Set("Idempotency-Key", idemKey)
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusAccepted, w2.Code)
	var second acceptedResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))

	assert.Equal(t, first.RequestID, second.RequestID, "same idempotency key + same payload must reuse the requestId")
}

func TestHandleSubmitIdempotencyConflictOnDifferentPayload(t *testing.T) {
	requireRedis(t)
	_, mux := newTestServer(t)
	idemKey := uniqueID("idem")

	req1 := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader(validSubmission))
	req1.Header.Set("Idempotency-Key", idemKey)
	w1 := httptest.NewRecorder()
	mux.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusAccepted, w1.Code)

	differentSubmission := strings.Replace(validSubmission, `name="g1"`, `name="g2"`, 1)
	req2 := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader(differentSubmission))
	req2.Header.Set("Idempotency-Key", idemKey)
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)

	assert.Equal(t, http.StatusConflict, w2.Code)
}

func TestHandleStatusUnknownRequestIsNotFound(t *testing.T) {
	requireRedis(t)
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/valuation/"+uniqueID("missing")+"/status", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleResultsNotReadyWhilePending(t *testing.T) {
	requireRedis(t)
	srv, mux := newTestServer(t)

	submitReq := httptest.NewRequest(http.MethodPost, "/valuation", strings.NewReader(validSubmission))
	submitW := httptest.NewRecorder()
	mux.ServeHTTP(submitW, submitReq)
	require.Equal(t, http.StatusAccepted, submitW.Code)
	var accepted acceptedResponse
	require.NoError(t, json.Unmarshal(submitW.Body.Bytes(), &accepted))

	// The ingress consumer is not running in this test, so request-state is
	// never created; results must report NotReady-shaped NotFound until it is.
	_ = srv
	resultsReq := httptest.NewRequest(http.MethodGet, "/valuation/"+accepted.RequestID+"/results", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, resultsReq)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHealthz(t *testing.T) {
	requireRedis(t)
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPStatusForKind(t *testing.T) {
	cases := map[xerrors.Kind]int{
		xerrors.InvalidInput:         http.StatusBadRequest,
		xerrors.PayloadTooLarge:      http.StatusRequestEntityTooLarge,
		xerrors.NotFound:             http.StatusNotFound,
		xerrors.Gone:                 http.StatusGone,
		xerrors.IdempotencyConflict:  http.StatusConflict,
		xerrors.DatastoreUnavailable: http.StatusServiceUnavailable,
		xerrors.Timeout:              http.StatusGatewayTimeout,
	}
	for kind, want := range cases {
		assert.Equal(t, want, httpStatusForKind(kind), "kind %q", kind)
	}
}
