// Package server exposes the state manager over HTTP. Collaborators
// (sessions, learning agents, workflow runners) address streams by state type
// and entity id; payloads pass through opaque.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/courtside/stateledger/internal/server/ratelimit"
	"github.com/courtside/stateledger/internal/state"
	"github.com/courtside/stateledger/internal/state/types"
)

// MaxRequestBodySize limits request bodies to 4MB. State payloads are
// conversation/agent blobs, not bulk data.
const MaxRequestBodySize = 4 << 20

type HTTPHandler struct {
	state   *state.Manager
	limiter *ratelimit.Limiter
	metrics http.Handler
	logger  *slog.Logger
}

// NewHTTPHandler creates the API handler. limiter and metricsHandler may be
// nil.
func NewHTTPHandler(st *state.Manager, limiter *ratelimit.Limiter, metricsHandler http.Handler, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		state:   st,
		limiter: limiter,
		metrics: metricsHandler,
		logger:  logger,
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/streams/{state_type}/{entity_id}", h.middleware(h.CreateState))
	mux.HandleFunc("GET /api/v1/streams/{state_type}/{entity_id}", h.middleware(h.GetState))
	mux.HandleFunc("PUT /api/v1/streams/{state_type}/{entity_id}", h.middleware(h.UpdateState))
	mux.HandleFunc("POST /api/v1/streams/{state_type}/{entity_id}/rollback", h.middleware(h.RollbackState))
	mux.HandleFunc("POST /api/v1/streams/{state_type}/{entity_id}/restore", h.middleware(h.RestoreState))
	mux.HandleFunc("POST /api/v1/streams/{state_type}/{entity_id}/archive", h.middleware(h.ArchiveState))
	mux.HandleFunc("GET /api/v1/streams/{state_type}/{entity_id}/history", h.middleware(h.History))
	mux.HandleFunc("GET /api/v1/streams/{state_type}/{entity_id}/transitions", h.middleware(h.Transitions))
	mux.HandleFunc("GET /api/v1/streams/{state_type}/{entity_id}/verify", h.middleware(h.Verify))
	mux.HandleFunc("GET /api/v1/snapshots/{snapshot_id}", h.middleware(h.GetSnapshot))

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// middleware adds security headers, request size limits and rate limiting.
func (h *HTTPHandler) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
		}

		if h.limiter != nil && !h.limiter.Allow(r.PathValue("state_type")) {
			h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next(w, r)
	}
}

// SnapshotInfo is the wire representation of a snapshot.
type SnapshotInfo struct {
	SnapshotID       string            `json:"snapshot_id"`
	StateType        string            `json:"state_type"`
	EntityID         string            `json:"entity_id"`
	Payload          json.RawMessage   `json:"payload"`
	PayloadFormat    string            `json:"payload_format"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Version          int64             `json:"version"`
	ParentSnapshotID string            `json:"parent_snapshot_id,omitempty"`
	Checksum         []byte            `json:"checksum"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Status           string            `json:"status"`
}

func snapshotInfo(snap *types.StateSnapshot) SnapshotInfo {
	info := SnapshotInfo{
		SnapshotID:       snap.SnapshotID,
		StateType:        snap.StateType.String(),
		EntityID:         snap.EntityID,
		Payload:          json.RawMessage(snap.Payload),
		PayloadFormat:    snap.PayloadFormat,
		Metadata:         snap.Metadata,
		Version:          snap.Version,
		ParentSnapshotID: snap.ParentSnapshotID,
		Checksum:         snap.Checksum,
		CreatedAt:        snap.CreatedAt,
		Status:           snap.Status.String(),
	}
	if !snap.ExpiresAt.IsZero() {
		t := snap.ExpiresAt
		info.ExpiresAt = &t
	}
	return info
}

// TransitionInfo is the wire representation of a transition.
type TransitionInfo struct {
	TransitionID   string            `json:"transition_id"`
	FromSnapshotID string            `json:"from_snapshot_id,omitempty"`
	ToSnapshotID   string            `json:"to_snapshot_id"`
	TransitionType string            `json:"transition_type"`
	Actor          string            `json:"actor"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func transitionInfo(t *types.StateTransition) TransitionInfo {
	return TransitionInfo{
		TransitionID:   t.TransitionID,
		FromSnapshotID: t.FromSnapshotID,
		ToSnapshotID:   t.ToSnapshotID,
		TransitionType: t.TransitionType.String(),
		Actor:          t.Actor,
		Reason:         t.Reason,
		Timestamp:      t.Timestamp,
		Metadata:       t.Metadata,
	}
}

// CreateStateRequest is the body for create and restore calls.
type CreateStateRequest struct {
	Payload    json.RawMessage   `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Actor      string            `json:"actor"`
	TTLSeconds *int64            `json:"ttl_seconds,omitempty"`
	ExpectNew  bool              `json:"expect_new,omitempty"`
}

// UpdateStateRequest is the body for update calls.
type UpdateStateRequest struct {
	Payload         json.RawMessage   `json:"payload"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Actor           string            `json:"actor"`
	TTLSeconds      *int64            `json:"ttl_seconds,omitempty"`
	ExpectedVersion *int64            `json:"expected_version,omitempty"`
}

// RollbackStateRequest is the body for rollback calls.
type RollbackStateRequest struct {
	TargetVersion int64  `json:"target_version"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason"`
}

// ArchiveStateRequest is the body for archive calls.
type ArchiveStateRequest struct {
	Actor string `json:"actor"`
}

// POST /api/v1/streams/{state_type}/{entity_id}.
func (h *HTTPHandler) CreateState(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	var req CreateStateRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.state.CreateState(r.Context(), state.CreateRequest{
		StateType: stateType,
		EntityID:  r.PathValue("entity_id"),
		Payload:   req.Payload,
		Metadata:  req.Metadata,
		Actor:     req.Actor,
		TTL:       ttlFromSeconds(req.TTLSeconds),
		ExpectNew: req.ExpectNew,
	})
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snapshotInfo(snap))
}

// GET /api/v1/streams/{state_type}/{entity_id}.
func (h *HTTPHandler) GetState(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	snap, err := h.state.GetState(r.Context(), stateType, r.PathValue("entity_id"))
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshotInfo(snap))
}

// PUT /api/v1/streams/{state_type}/{entity_id}.
func (h *HTTPHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	var req UpdateStateRequest
	if !h.decode(w, r, &req) {
		return
	}

	expectedVersion := int64(-1)
	if req.ExpectedVersion != nil {
		expectedVersion = *req.ExpectedVersion
	}

	snap, err := h.state.UpdateState(r.Context(), state.UpdateRequest{
		StateType:       stateType,
		EntityID:        r.PathValue("entity_id"),
		Payload:         req.Payload,
		Metadata:        req.Metadata,
		Actor:           req.Actor,
		TTL:             ttlFromSeconds(req.TTLSeconds),
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshotInfo(snap))
}

// POST /api/v1/streams/{state_type}/{entity_id}/rollback.
func (h *HTTPHandler) RollbackState(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	var req RollbackStateRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.state.RollbackState(r.Context(), state.RollbackRequest{
		StateType:     stateType,
		EntityID:      r.PathValue("entity_id"),
		TargetVersion: req.TargetVersion,
		Actor:         req.Actor,
		Reason:        req.Reason,
	})
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshotInfo(snap))
}

// POST /api/v1/streams/{state_type}/{entity_id}/restore.
func (h *HTTPHandler) RestoreState(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	var req CreateStateRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.state.RestoreState(r.Context(), state.RestoreRequest{
		StateType: stateType,
		EntityID:  r.PathValue("entity_id"),
		Payload:   req.Payload,
		Metadata:  req.Metadata,
		Actor:     req.Actor,
		TTL:       ttlFromSeconds(req.TTLSeconds),
	})
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snapshotInfo(snap))
}

// POST /api/v1/streams/{state_type}/{entity_id}/archive.
func (h *HTTPHandler) ArchiveState(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	var req ArchiveStateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.state.ArchiveState(r.Context(), stateType, r.PathValue("entity_id"), req.Actor); err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"archived": true})
}

// GET /api/v1/streams/{state_type}/{entity_id}/history.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	beforeVersion := int64(queryInt(r, "before_version", 0))

	snaps, err := h.state.History(r.Context(), stateType, r.PathValue("entity_id"), limit, beforeVersion)
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}

	infos := make([]SnapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		infos = append(infos, snapshotInfo(snap))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"snapshots": infos})
}

// GET /api/v1/streams/{state_type}/{entity_id}/transitions.
func (h *HTTPHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	transitions, err := h.state.Transitions(r.Context(), stateType, r.PathValue("entity_id"), queryInt(r, "limit", 50))
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}

	infos := make([]TransitionInfo, 0, len(transitions))
	for _, t := range transitions {
		infos = append(infos, transitionInfo(t))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"transitions": infos})
}

// GET /api/v1/streams/{state_type}/{entity_id}/verify.
func (h *HTTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	stateType, ok := h.parseStateType(w, r)
	if !ok {
		return
	}

	report, err := h.state.Verify(r.Context(), stateType, r.PathValue("entity_id"))
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// GET /api/v1/snapshots/{snapshot_id}.
func (h *HTTPHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.state.GetSnapshot(r.Context(), r.PathValue("snapshot_id"))
	if err != nil {
		h.writeStateError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshotInfo(snap))
}

// GET /health.
func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// GET /ready.
func (h *HTTPHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func (h *HTTPHandler) parseStateType(w http.ResponseWriter, r *http.Request) (types.StateType, bool) {
	stateType, err := types.ParseStateType(r.PathValue("state_type"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return types.StateTypeUnspecified, false
	}
	return stateType, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeStateError maps the state error taxonomy onto HTTP status codes.
func (h *HTTPHandler) writeStateError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		corrupted     *types.CorruptedStateError
		expired       *types.ExpiredStateError
		conflict      *types.ConcurrentModificationError
		invalidTarget *types.InvalidTargetError
		indeterminate *types.IndeterminateWriteError
	)

	switch {
	case errors.Is(err, types.ErrStreamNotFound), errors.Is(err, types.ErrSnapshotNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &expired):
		h.writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, types.ErrStreamExists), errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrInvalidStateType),
		errors.Is(err, types.ErrInvalidEntityID),
		errors.Is(err, types.ErrReasonRequired),
		errors.As(err, &invalidTarget):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &indeterminate):
		h.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &corrupted):
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func ttlFromSeconds(seconds *int64) *time.Duration {
	if seconds == nil {
		return nil
	}
	d := time.Duration(*seconds) * time.Second
	return &d
}

func queryInt(r *http.Request, name string, fallback int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
