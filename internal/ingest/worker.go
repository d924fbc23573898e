package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/fiberlabs/metagraph-indexer/internal/chain/ml0"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/event"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/metrics"
	"github.com/fiberlabs/metagraph-indexer/internal/retry"
	"github.com/fiberlabs/metagraph-indexer/internal/store"
	redisstream "github.com/fiberlabs/metagraph-indexer/internal/store/redis"
	"github.com/fiberlabs/metagraph-indexer/internal/tracing"
)

const (
	defaultWorkorderRetryMaxAttempts = 3
	defaultRetryDelayInitial         = 100 * time.Millisecond
	defaultRetryDelayMax             = 2 * time.Second

	workorderCheckpointKey = "metagraph:index-workorders:checkpoint"
)

// CheckpointSource reads application state from the metagraph snapshot layer.
type CheckpointSource interface {
	GetCheckpoint(ctx context.Context) (*ml0.Checkpoint, error)
}

// Worker is the single consumer of the indexing workorder queue. For each
// workorder it fetches the full ML0 state, classifies every state machine
// record against the schema registry, and writes fibers, transitions, and
// derived counters in one transaction.
type Worker struct {
	db          store.TxBeginner
	snapshots   store.SnapshotRepository
	fibers      store.FiberRepository
	transitions store.TransitionRepository
	source      CheckpointSource
	queue       redisstream.MessageTransport
	registry    *SchemaRegistry
	logger      *slog.Logger

	retryMaxAttempts int
	retryDelayStart  time.Duration
	retryDelayMax    time.Duration
	sleepFn          func(context.Context, time.Duration) error
}

type WorkerOption func(*Worker)

func WithRetryConfig(maxAttempts int, delayInitial, delayMax time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retryMaxAttempts = maxAttempts
		w.retryDelayStart = delayInitial
		w.retryDelayMax = delayMax
	}
}

func NewWorker(
	db store.TxBeginner,
	snapshots store.SnapshotRepository,
	fibers store.FiberRepository,
	transitions store.TransitionRepository,
	source CheckpointSource,
	queue redisstream.MessageTransport,
	registry *SchemaRegistry,
	logger *slog.Logger,
	opts ...WorkerOption,
) *Worker {
	w := &Worker{
		db:               db,
		snapshots:        snapshots,
		fibers:           fibers,
		transitions:      transitions,
		source:           source,
		queue:            queue,
		registry:         registry,
		logger:           logger.With("component", "ingest_worker"),
		retryMaxAttempts: defaultWorkorderRetryMaxAttempts,
		retryDelayStart:  defaultRetryDelayInitial,
		retryDelayMax:    defaultRetryDelayMax,
		sleepFn:          sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("ingest worker started")

	lastID := w.loadCheckpoint(ctx)

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("ingest worker stopping")
			return err
		}

		var workorder event.IndexWorkorder
		nextID, err := w.queue.ReadJSON(ctx, WorkorderStream, lastID, &workorder)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("read workorder: %w", err)
		}
		metrics.IngestQueueDepth.Dec()

		spanCtx, span := tracing.Tracer("ingest").Start(ctx, "ingest.processWorkorder",
			otelTrace.WithAttributes(
				attribute.String("workorder_id", workorder.ID),
				attribute.Int64("ordinal", workorder.Ordinal),
			),
		)
		start := time.Now()
		err = w.processWithRetry(spanCtx, workorder)
		metrics.IngestWorkorderLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			metrics.IngestWorkordersTotal.WithLabelValues("failed").Inc()
			// The PENDING record is never retracted. Log at error level,
			// advance past the poisoned workorder, and let the confirmation
			// or fallback path re-surface the snapshot later.
			w.logger.Error("workorder failed",
				"workorder_id", workorder.ID,
				"ordinal", workorder.Ordinal,
				"error", err,
			)
		} else {
			span.End()
			metrics.IngestWorkordersTotal.WithLabelValues("processed").Inc()
		}

		lastID = nextID
		w.storeCheckpoint(ctx, nextID)
	}
}

func (w *Worker) processWithRetry(ctx context.Context, workorder event.IndexWorkorder) error {
	const stage = "ingest.process_workorder"

	maxAttempts := w.retryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	lastDecision := retry.Decision{Class: retry.ClassTerminal, Reason: "unset"}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.process(ctx, workorder); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			lastDecision = retry.Classify(err)
			if !lastDecision.IsTransient() {
				return fmt.Errorf("terminal_failure stage=%s attempt=%d reason=%s: %w", stage, attempt, lastDecision.Reason, err)
			}
			if attempt == maxAttempts {
				break
			}

			w.logger.Warn("workorder attempt failed; retrying",
				"stage", stage,
				"classification", lastDecision.Class,
				"classification_reason", lastDecision.Reason,
				"ordinal", workorder.Ordinal,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err,
			)
			if err := w.sleep(ctx, w.retryDelay(attempt)); err != nil {
				return err
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("transient_recovery_exhausted stage=%s attempts=%d reason=%s: %w", stage, maxAttempts, lastDecision.Reason, lastErr)
}

func (w *Worker) process(ctx context.Context, workorder event.IndexWorkorder) error {
	checkpoint, err := w.source.GetCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("fetch checkpoint: %w", err)
	}

	// The node only serves its current state. A checkpoint newer than the
	// workorder's ordinal still reflects that ordinal's effects, so index it;
	// an older one means the node lags and the workorder should retry.
	if checkpoint.Ordinal < workorder.Ordinal {
		return retry.Transient(fmt.Errorf("checkpoint ordinal %d behind workorder ordinal %d", checkpoint.Ordinal, workorder.Ordinal))
	}

	committed := false
	dbTx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if committed {
			return
		}
		if rbErr := dbTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			w.logger.Warn("rollback failed", "error", rbErr)
		}
	}()

	fibersUpdated := 0
	transitionsUpdated := 0
	now := time.Now().UTC()

	// Deterministic write order keeps concurrent runs deadlock-free.
	ids := make([]string, 0, len(checkpoint.State.StateMachines))
	for id := range checkpoint.State.StateMachines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		record := decodeStateMachineRecord(checkpoint.State.StateMachines[id])
		kind := w.registry.Classify(record.State)
		if kind == model.FiberKindUnknown {
			w.logger.Warn("fiber state matched no known schema; indexing as unknown kind",
				"fiber_id", id,
				"ordinal", workorder.Ordinal,
			)
		}

		if err := w.fibers.UpsertTx(ctx, dbTx, &model.Fiber{
			ID:             id,
			Kind:           kind,
			State:          record.State,
			CreatedOrdinal: workorder.Ordinal,
			UpdatedOrdinal: workorder.Ordinal,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		fibersUpdated++

		for _, tr := range record.Transitions {
			if err := w.transitions.InsertTx(ctx, dbTx, &model.Transition{
				ID:         transitionID(id, workorder.Ordinal, tr.Event, tr.Payload),
				FiberID:    id,
				EventName:  tr.Event,
				Payload:    tr.Payload,
				Ordinal:    workorder.Ordinal,
				RecordedAt: now,
			}); err != nil {
				return err
			}
			transitionsUpdated++
		}
	}

	if err := w.snapshots.UpdateCountersTx(ctx, dbTx, workorder.Ordinal, fibersUpdated, transitionsUpdated); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit workorder %s: %w", workorder.ID, err)
	}
	committed = true

	w.logger.Info("snapshot state indexed",
		"ordinal", workorder.Ordinal,
		"checkpoint_ordinal", checkpoint.Ordinal,
		"fibers_updated", fibersUpdated,
		"transitions_updated", transitionsUpdated,
	)
	return nil
}

type stateMachineRecord struct {
	State       json.RawMessage    `json:"state"`
	Transitions []transitionRecord `json:"transitions"`
}

type transitionRecord struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// decodeStateMachineRecord accepts both the enveloped form {state, transitions}
// and a bare state object, which older nodes emit.
func decodeStateMachineRecord(raw json.RawMessage) stateMachineRecord {
	var record stateMachineRecord
	if err := json.Unmarshal(raw, &record); err == nil && len(record.State) > 0 {
		return record
	}
	return stateMachineRecord{State: raw}
}

// transitionID derives a stable UUID so re-indexing the same ordinal inserts
// each transition at most once.
func transitionID(fiberID string, ordinal int64, eventName string, payload []byte) uuid.UUID {
	seed := fmt.Sprintf("%s|%d|%s|%s", fiberID, ordinal, eventName, payload)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	delay := w.retryDelayStart
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if w.retryDelayMax > 0 && delay >= w.retryDelayMax {
			delay = w.retryDelayMax
			break
		}
	}

	// Add 0-25% random jitter to avoid thundering herd.
	if delay > 0 {
		jitter := time.Duration(rand.Int64N(int64(delay) / 4))
		delay += jitter
	}
	return delay
}

func (w *Worker) sleep(ctx context.Context, delay time.Duration) error {
	if w.sleepFn == nil {
		w.sleepFn = sleepContext
	}
	return w.sleepFn(ctx, delay)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) loadCheckpoint(ctx context.Context) string {
	manager, ok := w.queue.(streamCheckpointManager)
	if !ok {
		return "0"
	}
	raw, err := manager.LoadStreamCheckpoint(ctx, workorderCheckpointKey)
	if err != nil {
		w.logger.Warn("workorder checkpoint load failed; starting from stream start", "error", err)
		return "0"
	}
	if raw == "" {
		return "0"
	}
	return raw
}

func (w *Worker) storeCheckpoint(ctx context.Context, streamID string) {
	manager, ok := w.queue.(streamCheckpointManager)
	if !ok {
		return
	}
	if err := manager.PersistStreamCheckpoint(ctx, workorderCheckpointKey, streamID); err != nil {
		w.logger.Warn("workorder checkpoint persist failed", "stream_id", streamID, "error", err)
	}
}

type streamCheckpointManager interface {
	LoadStreamCheckpoint(ctx context.Context, checkpointKey string) (string, error)
	PersistStreamCheckpoint(ctx context.Context, checkpointKey, streamID string) error
}
