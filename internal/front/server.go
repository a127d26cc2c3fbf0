// Package front implements the Front Orchestrator (F) of SPEC_FULL.md §4.1:
// the HTTP submission edge, its background ingress consumer, the
// idempotency-key dedupe path, and the synchronous lifecycle waiter. Its
// HTTP layer is plain net/http — no router/framework appears anywhere in
// the retrieved example pack (see DESIGN.md) — generalized from the
// teacher's Backstage HTTP-adjacent request handling idiom.
package front

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/thuduc/fan-out-fan-in/internal/config"
	"github.com/thuduc/fan-out-fan-in/internal/logging"
	"github.com/thuduc/fan-out-fan-in/internal/metrics"
	"github.com/thuduc/fan-out-fan-in/internal/model"
	"github.com/thuduc/fan-out-fan-in/internal/store"
	"github.com/thuduc/fan-out-fan-in/internal/xerrors"
	"github.com/thuduc/fan-out-fan-in/internal/xmlgroup"
)

// Server is F's HTTP edge: accepting submissions, answering status/result
// queries, and (for sync submissions) blocking on the lifecycle stream.
type Server struct {
	Store  *store.Store
	Config config.Config
	Logger *logging.Logger
}

func NewServer(st *store.Store, cfg config.Config, logger *logging.Logger) *Server {
	return &Server{Store: st, Config: cfg, Logger: logger}
}

// Routes registers F's HTTP surface (SPEC_FULL.md §6) on mux, using Go
// 1.22's method+path ServeMux patterns rather than a third-party router —
// none appears in the retrieved pack (see DESIGN.md).
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /valuation", s.handleSubmit)
	mux.HandleFunc("GET /valuation/{requestId}/status", s.handleStatus)
	mux.HandleFunc("GET /valuation/{requestId}/results", s.handleResults)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
}

type acceptedResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBoundedBody(r, s.Config.PayloadMaxBytes)
	if err != nil {
		s.writeError(w, "", xerrors.New(xerrors.PayloadTooLarge, "payload exceeds configured maximum"))
		return
	}

	if _, err := xmlgroup.Parse(body); err != nil {
		s.writeError(w, "", xerrors.Wrap(xerrors.InvalidInput, "malformed submission XML", err))
		return
	}

	sync := r.URL.Query().Get("sync")
	if sync != "Y" && sync != "N" && sync != "" {
		s.writeError(w, "", xerrors.New(xerrors.InvalidInput, "sync must be Y or N"))
		return
	}
	isSync := sync == "Y"

	candidateID := uuid.NewString()
	payload := string(body)

	requestID := candidateID
	reused := false
	if idemKey := r.Header.Get("Idempotency-Key"); idemKey != "" {
		id, wasReused, err := claimOrReuse(ctx, s.Store, idemKey, candidateID, payload, s.Config.RequestTTL)
		if err != nil {
			s.writeError(w, candidateID, err)
			return
		}
		requestID, reused = id, wasReused
	}

	if reused {
		s.respondAccepted(w, r, requestID, isSync)
		return
	}

	keys := s.Store.Keys
	xmlKey := keys.RequestXML(requestID)
	responseKey := keys.RequestResponse(requestID)
	var metadataKey string

	if err := s.Store.PutPayload(ctx, xmlKey, payload, s.Config.RequestTTL); err != nil {
		s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "write request payload", err))
		return
	}

	if meta := extractMetadata(r.Header); len(meta) > 0 {
		metadataKey = keys.RequestMetadata(requestID)
		b, _ := json.Marshal(meta)
		if err := s.Store.PutPayload(ctx, metadataKey, string(b), s.Config.RequestTTL); err != nil {
			s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "write metadata", err))
			return
		}
	}

	envelope := map[string]interface{}{
		"requestId":   requestID,
		"xmlKey":      xmlKey,
		"responseKey": responseKey,
		"metadataKey": metadataKey,
		"submittedAt": time.Now().UnixMilli(),
	}

	var lastLifecycleID string
	if isSync {
		id, err := s.Store.LastStreamID(ctx, keys.StreamLifecycle())
		if err != nil {
			s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "read lifecycle tail", err))
			return
		}
		lastLifecycleID = id
	}

	published, err := s.Store.PublishIfVisible(ctx, xmlKey, keys.StreamIngest(), envelope)
	if err != nil {
		s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "publish ingress envelope", err))
		return
	}
	if !published {
		visible, err := s.Store.ConfirmVisible(ctx, xmlKey, s.Config.ReplicaReadRetryAttempts, s.Config.ReplicaReadRetryBackoff)
		if err != nil || !visible {
			s.writeError(w, requestID, xerrors.New(xerrors.DatastoreUnavailable, "payload not visible before publish (PayloadNotVisible)"))
			return
		}
		if _, err := s.Store.Add(ctx, keys.StreamIngest(), envelope); err != nil {
			s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "publish ingress envelope", err))
			return
		}
	}

	if !isSync {
		s.respondAccepted(w, r, requestID, false)
		return
	}

	ev, ok := waitForTerminal(ctx, s.Store, keys.StreamLifecycle(), lastLifecycleID, requestID, s.Config.SyncWaitTimeout, s.Config.LifecycleBlock)
	if !ok {
		metrics.RequestsTerminal.WithLabelValues("pending").Inc()
		writeJSON(w, http.StatusAccepted, acceptedResponse{RequestID: requestID, Status: "pending"})
		return
	}

	s.respondSyncTerminal(w, requestID, responseKey, ev)
}

func (s *Server) respondAccepted(w http.ResponseWriter, _ *http.Request, requestID string, _ bool) {
	writeJSON(w, http.StatusAccepted, acceptedResponse{RequestID: requestID, Status: "accepted"})
}

func (s *Server) respondSyncTerminal(w http.ResponseWriter, requestID, responseKey string, ev model.LifecycleEvent) {
	ctx := context.Background()
	if ev.Status == model.LifecycleSucceeded {
		xml, ok, err := s.Store.GetPayload(ctx, responseKey)
		if err != nil || !ok {
			s.writeError(w, requestID, xerrors.New(xerrors.Internal, "response payload missing after succeeded lifecycle event"))
			return
		}
		metrics.RequestsTerminal.WithLabelValues("succeeded").Inc()
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml))
		return
	}

	metrics.RequestsTerminal.WithLabelValues("failed").Inc()
	detail, ok, _ := s.Store.GetPayload(ctx, s.Store.Keys.RequestFailure(requestID))
	if ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(detail))
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"requestId": requestID, "status": "failed"})
}

type statusResponse struct {
	RequestID    string `json:"requestId"`
	Status       string `json:"status"`
	CurrentGroup int    `json:"currentGroup"`
	GroupCount   int    `json:"groupCount"`
	ReceivedAt   int64  `json:"receivedAt"`
	CompletedAt  int64  `json:"completedAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.PathValue("requestId")

	rs, exists, err := s.Store.GetRequestState(ctx, requestID)
	if err != nil {
		s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "read request state", err))
		return
	}
	if !exists {
		existed, err := s.Store.Existed(ctx, requestID)
		if err != nil {
			s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "check tombstone", err))
			return
		}
		if existed {
			s.writeError(w, requestID, xerrors.New(xerrors.Gone, "request state expired"))
			return
		}
		s.writeError(w, requestID, xerrors.New(xerrors.NotFound, "unknown requestId"))
		return
	}

	status := rs.Status
	if status.IsSuccess() {
		status = model.StatusSucceeded
	}
	writeJSON(w, http.StatusOK, statusResponse{
		RequestID:    requestID,
		Status:       string(status),
		CurrentGroup: rs.CurrentGroup,
		GroupCount:   rs.GroupCount,
		ReceivedAt:   rs.ReceivedAt,
		CompletedAt:  rs.CompletedAt,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.PathValue("requestId")

	rs, exists, err := s.Store.GetRequestState(ctx, requestID)
	if err != nil {
		s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "read request state", err))
		return
	}
	if !exists {
		existed, err := s.Store.Existed(ctx, requestID)
		if err != nil {
			s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "check tombstone", err))
			return
		}
		if existed {
			s.writeError(w, requestID, xerrors.New(xerrors.Gone, "request results expired"))
			return
		}
		s.writeError(w, requestID, xerrors.New(xerrors.NotFound, "unknown requestId"))
		return
	}

	xmlPayload, ok, err := s.Store.GetPayload(ctx, s.Store.Keys.RequestResponse(requestID))
	if err != nil {
		s.writeError(w, requestID, xerrors.Wrap(xerrors.DatastoreUnavailable, "read response payload", err))
		return
	}
	if ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xmlPayload))
		return
	}

	if rs.Status == model.StatusFailed {
		detail, ok, _ := s.Store.GetPayload(ctx, s.Store.Keys.RequestFailure(requestID))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		if ok {
			_, _ = w.Write([]byte(detail))
		} else {
			_ = json.NewEncoder(w).Encode(map[string]string{"requestId": requestID, "status": "failed"})
		}
		return
	}

	s.writeError(w, requestID, xerrors.New(xerrors.NotReady, "result not yet available"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	kind := xerrors.KindOf(err)
	s.Logger.Warn("request failed", "kind", kind, "requestId", requestID, "error", err)
	body := map[string]string{"error": err.Error()}
	if requestID != "" {
		body["requestId"] = requestID
	}
	writeJSON(w, httpStatusForKind(kind), body)
}

func httpStatusForKind(kind xerrors.Kind) int {
	switch kind {
	case xerrors.InvalidInput:
		return http.StatusBadRequest
	case xerrors.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case xerrors.NotFound, xerrors.NotReady:
		return http.StatusNotFound
	case xerrors.Gone:
		return http.StatusGone
	case xerrors.IdempotencyConflict:
		return http.StatusConflict
	case xerrors.DatastoreUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.TaskFailure, xerrors.RetryBudgetExhausted:
		return http.StatusUnprocessableEntity
	case xerrors.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func readBoundedBody(r *http.Request, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.New("payload too large")
	}
	return body, nil
}

func extractMetadata(header http.Header) map[string]string {
	meta := make(map[string]string)
	for k, v := range header {
		if len(k) > 2 && (k[0] == 'X' || k[0] == 'x') && k[1] == '-' {
			if len(v) > 0 {
				meta[k] = v[0]
			}
		}
	}
	return meta
}
