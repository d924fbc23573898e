package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fiberlabs/metagraph-indexer/internal/chain/dl1"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/event"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/ingest"
	"github.com/fiberlabs/metagraph-indexer/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Notifier is the ingestion front door the webhook hands notifications to.
// In production this is satisfied by *ingest.Service.
type Notifier interface {
	HandleNotification(ctx context.Context, n event.SnapshotNotification) (*ingest.Result, error)
}

// QueueDepther reports the length of a workorder stream.
type QueueDepther interface {
	StreamLen(ctx context.Context, stream string) (int64, error)
}

// FallbackStatus exposes the fallback poller's last successful poll time.
type FallbackStatus interface {
	LastPollAt() time.Time
}

// SequenceSource resolves sequence ordinals and forwards signed transactions
// to the data layer. Satisfied by *sequencer.Sequencer.
type SequenceSource interface {
	NextSequence(ctx context.Context, entityID string) (int64, error)
	Submit(ctx context.Context, tx *dl1.SignedTransaction) (*dl1.SubmitResponse, error)
}

// Server provides the indexer's public HTTP API: the snapshot notification
// webhook, read-only views over the indexed records, and the sequence helper
// for signing clients.
type Server struct {
	notifier    Notifier
	snapshots   store.SnapshotRepository
	fibers      store.FiberRepository
	transitions store.TransitionRepository
	sequencer   SequenceSource
	queue       QueueDepther
	fallback    FallbackStatus
	logger      *slog.Logger
}

// NewServer creates the API server. Optional collaborators (queue, fallback
// poller, fiber views) are wired through options.
func NewServer(notifier Notifier, snapshots store.SnapshotRepository, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		notifier:  notifier,
		snapshots: snapshots,
		logger:    logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the API server.
type ServerOption func(*Server)

// WithFiberViews enables the fiber and transition read endpoints.
func WithFiberViews(fibers store.FiberRepository, transitions store.TransitionRepository) ServerOption {
	return func(s *Server) {
		s.fibers = fibers
		s.transitions = transitions
	}
}

// WithSequencer enables the sequence resolution and submission endpoints.
func WithSequencer(seq SequenceSource) ServerOption {
	return func(s *Server) { s.sequencer = seq }
}

// WithQueueDepth includes the workorder queue length in status responses.
func WithQueueDepth(q QueueDepther) ServerOption {
	return func(s *Server) { s.queue = q }
}

// WithFallbackStatus includes the fallback poller's last poll time in status
// responses.
func WithFallbackStatus(fs FallbackStatus) ServerOption {
	return func(s *Server) { s.fallback = fs }
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/snapshots/notify", s.handleNotify)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/snapshots", s.handleListSnapshots)
	mux.HandleFunc("GET /v1/fibers/{id}", s.handleGetFiber)
	mux.HandleFunc("GET /v1/fibers/{id}/transitions", s.handleListTransitions)
	mux.HandleFunc("GET /v1/sequence/{entityId}", s.handleNextSequence)
	mux.HandleFunc("POST /v1/transactions", s.handleSubmitTransaction)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type notifyRequest struct {
	Ordinal   *int64     `json:"ordinal"`
	Hash      string     `json:"hash"`
	Timestamp *time.Time `json:"timestamp"`
}

type notifyResponse struct {
	Accepted       bool                 `json:"accepted"`
	Ordinal        int64                `json:"ordinal"`
	Status         model.SnapshotStatus `json:"status"`
	AlreadyIndexed bool                 `json:"alreadyIndexed,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Ordinal == nil || req.Hash == "" {
		writeError(w, http.StatusBadRequest, "ordinal and hash are required")
		return
	}
	if *req.Ordinal < 0 {
		writeError(w, http.StatusBadRequest, "ordinal must be >= 0")
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	res, err := s.notifier.HandleNotification(r.Context(), event.SnapshotNotification{
		Ordinal:   *req.Ordinal,
		Hash:      req.Hash,
		Timestamp: ts,
		Source:    model.SnapshotSourceWebhook,
	})
	if err != nil {
		s.logger.Error("snapshot notification failed", "error", err, "ordinal", *req.Ordinal)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := notifyResponse{
		Accepted:       true,
		Ordinal:        *req.Ordinal,
		Status:         res.Status,
		AlreadyIndexed: res.AlreadyIndexed,
	}
	if res.AlreadyIndexed {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type snapshotResponse struct {
	Ordinal            int64      `json:"ordinal"`
	Hash               string     `json:"hash"`
	Status             string     `json:"status"`
	GL0Ordinal         *int64     `json:"gl0_ordinal,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	IndexedAt          time.Time  `json:"indexed_at"`
	Source             string     `json:"source"`
	FibersUpdated      int        `json:"fibers_updated"`
	TransitionsUpdated int        `json:"transitions_updated"`
}

func snapshotToResponse(snap *model.Snapshot) snapshotResponse {
	return snapshotResponse{
		Ordinal:            snap.Ordinal,
		Hash:               snap.Hash,
		Status:             string(snap.Status),
		GL0Ordinal:         snap.GL0Ordinal,
		ConfirmedAt:        snap.ConfirmedAt,
		IndexedAt:          snap.IndexedAt,
		Source:             string(snap.Source),
		FibersUpdated:      snap.FibersUpdated,
		TransitionsUpdated: snap.TransitionsUpdated,
	}
}

type statusResponse struct {
	LastIndexed     *snapshotResponse `json:"last_indexed,omitempty"`
	LastConfirmed   *snapshotResponse `json:"last_confirmed,omitempty"`
	Pending         int64             `json:"pending"`
	Confirmed       int64             `json:"confirmed"`
	Orphaned        int64             `json:"orphaned"`
	QueueLength     *int64            `json:"queue_length,omitempty"`
	LastFallbackRun *time.Time        `json:"last_fallback_poll,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	lastIndexed, err := s.snapshots.LastIndexed(ctx)
	if err != nil {
		s.logger.Error("status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	lastConfirmed, err := s.snapshots.LatestConfirmed(ctx)
	if err != nil {
		s.logger.Error("status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	counts, err := s.snapshots.Counts(ctx)
	if err != nil {
		s.logger.Error("status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := statusResponse{
		Pending:   counts.Pending,
		Confirmed: counts.Confirmed,
		Orphaned:  counts.Orphaned,
	}
	if lastIndexed != nil {
		r := snapshotToResponse(lastIndexed)
		resp.LastIndexed = &r
	}
	if lastConfirmed != nil {
		r := snapshotToResponse(lastConfirmed)
		resp.LastConfirmed = &r
	}
	if s.queue != nil {
		depth, err := s.queue.StreamLen(ctx, ingest.WorkorderStream)
		if err != nil {
			s.logger.Warn("queue length unavailable", "error", err)
		} else {
			resp.QueueLength = &depth
		}
	}
	if s.fallback != nil {
		if at := s.fallback.LastPollAt(); !at.IsZero() {
			resp.LastFallbackRun = &at
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	var status *model.SnapshotStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := model.SnapshotStatus(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "status must be PENDING, CONFIRMED, or ORPHANED")
			return
		}
		status = &st
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	snaps, err := s.snapshots.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("list snapshots failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]snapshotResponse, len(snaps))
	for i := range snaps {
		resp[i] = snapshotToResponse(&snaps[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

type fiberResponse struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	State             json.RawMessage `json:"state"`
	CreatedOrdinal    int64           `json:"created_ordinal"`
	UpdatedOrdinal    int64           `json:"updated_ordinal"`
	CreatedGL0Ordinal *int64          `json:"created_gl0_ordinal,omitempty"`
	UpdatedGL0Ordinal *int64          `json:"updated_gl0_ordinal,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (s *Server) handleGetFiber(w http.ResponseWriter, r *http.Request) {
	if s.fibers == nil {
		writeError(w, http.StatusServiceUnavailable, "fiber views not available")
		return
	}

	id := r.PathValue("id")
	fiber, err := s.fibers.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get fiber failed", "error", err, "fiber_id", id)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if fiber == nil {
		writeError(w, http.StatusNotFound, "fiber not found")
		return
	}

	writeJSON(w, http.StatusOK, fiberResponse{
		ID:                fiber.ID,
		Kind:              string(fiber.Kind),
		State:             fiber.State,
		CreatedOrdinal:    fiber.CreatedOrdinal,
		UpdatedOrdinal:    fiber.UpdatedOrdinal,
		CreatedGL0Ordinal: fiber.CreatedGL0Ordinal,
		UpdatedGL0Ordinal: fiber.UpdatedGL0Ordinal,
		UpdatedAt:         fiber.UpdatedAt,
	})
}

type transitionResponse struct {
	ID         string          `json:"id"`
	FiberID    string          `json:"fiber_id"`
	EventName  string          `json:"event_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ordinal    int64           `json:"ordinal"`
	GL0Ordinal *int64          `json:"gl0_ordinal,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	if s.transitions == nil {
		writeError(w, http.StatusServiceUnavailable, "fiber views not available")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	trs, err := s.transitions.ListByFiber(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("list transitions failed", "error", err, "fiber_id", r.PathValue("id"))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]transitionResponse, len(trs))
	for i, tr := range trs {
		resp[i] = transitionResponse{
			ID:         tr.ID.String(),
			FiberID:    tr.FiberID,
			EventName:  tr.EventName,
			Payload:    tr.Payload,
			Ordinal:    tr.Ordinal,
			GL0Ordinal: tr.GL0Ordinal,
			RecordedAt: tr.RecordedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type sequenceResponse struct {
	EntityID string `json:"entity_id"`
	Sequence int64  `json:"sequence"`
}

func (s *Server) handleNextSequence(w http.ResponseWriter, r *http.Request) {
	if s.sequencer == nil {
		writeError(w, http.StatusServiceUnavailable, "sequencer not available")
		return
	}

	entityID := r.PathValue("entityId")
	seq, err := s.sequencer.NextSequence(r.Context(), entityID)
	if err != nil {
		s.logger.Error("sequence resolution failed", "error", err, "entity_id", entityID)
		writeError(w, http.StatusBadGateway, "sequence resolution failed")
		return
	}

	writeJSON(w, http.StatusOK, sequenceResponse{EntityID: entityID, Sequence: seq})
}

type submitResponse struct {
	Hash     string `json:"hash"`
	Sequence int64  `json:"sequence"`
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if s.sequencer == nil {
		writeError(w, http.StatusServiceUnavailable, "sequencer not available")
		return
	}

	var tx dl1.SignedTransaction
	if !decodeJSONBody(w, r, &tx) {
		return
	}
	if tx.EntityID == "" || len(tx.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "entityId and payload are required")
		return
	}

	// The sequencer assigns tx.Ordinal itself; any client-supplied value is
	// overwritten.
	res, err := s.sequencer.Submit(r.Context(), &tx)
	if err != nil {
		s.logger.Error("transaction submission failed", "error", err, "entity_id", tx.EntityID)
		writeError(w, http.StatusBadGateway, "transaction submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Hash: res.Hash, Sequence: tx.Ordinal})
}
