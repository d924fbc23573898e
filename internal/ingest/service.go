package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/event"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/metrics"
	"github.com/fiberlabs/metagraph-indexer/internal/store"
	redisstream "github.com/fiberlabs/metagraph-indexer/internal/store/redis"
)

// WorkorderStream is the queue stream name shared by the front door and the
// worker.
const WorkorderStream = "metagraph:index-workorders"

// Result reports how a snapshot notification was handled.
type Result struct {
	AlreadyIndexed bool
	Status         model.SnapshotStatus
}

// Service is the notification front door. It records each newly announced
// snapshot ordinal as PENDING exactly once and hands the heavy indexing work
// to the background queue, so the webhook response never waits on node RPCs
// or bulk writes.
type Service struct {
	snapshots store.SnapshotRepository
	queue     redisstream.MessageTransport
	logger    *slog.Logger
}

func NewService(snapshots store.SnapshotRepository, queue redisstream.MessageTransport, logger *slog.Logger) *Service {
	return &Service{
		snapshots: snapshots,
		queue:     queue,
		logger:    logger.With("component", "ingest"),
	}
}

// HandleNotification deduplicates by ordinal. A known ordinal reports the
// record's current status without touching it; a new ordinal is recorded as
// PENDING and a workorder is enqueued for the indexing worker.
func (s *Service) HandleNotification(ctx context.Context, n event.SnapshotNotification) (*Result, error) {
	existing, err := s.snapshots.GetByOrdinal(ctx, n.Ordinal)
	if err != nil {
		return nil, fmt.Errorf("lookup snapshot %d: %w", n.Ordinal, err)
	}
	if existing != nil {
		metrics.IngestNotificationsTotal.WithLabelValues(string(n.Source), "duplicate").Inc()
		if existing.Status == model.SnapshotStatusPending {
			// Re-enqueue so a workorder lost between insert and publish is
			// eventually recovered. The worker's writes are idempotent.
			_ = s.enqueue(ctx, n.Ordinal, n.Hash)
		}
		return &Result{AlreadyIndexed: true, Status: existing.Status}, nil
	}

	snap := &model.Snapshot{
		Ordinal:   n.Ordinal,
		Hash:      n.Hash,
		Status:    model.SnapshotStatusPending,
		Source:    n.Source,
		IndexedAt: time.Now().UTC(),
	}
	if err := s.snapshots.Insert(ctx, snap); err != nil {
		if errors.Is(err, store.ErrDuplicateOrdinal) {
			// Lost a race with a concurrent notification for the same ordinal.
			current, lookupErr := s.snapshots.GetByOrdinal(ctx, n.Ordinal)
			if lookupErr != nil || current == nil {
				return &Result{AlreadyIndexed: true, Status: model.SnapshotStatusPending}, nil
			}
			metrics.IngestNotificationsTotal.WithLabelValues(string(n.Source), "duplicate").Inc()
			return &Result{AlreadyIndexed: true, Status: current.Status}, nil
		}
		return nil, fmt.Errorf("record snapshot %d: %w", n.Ordinal, err)
	}

	if err := s.enqueue(ctx, n.Ordinal, n.Hash); err != nil {
		// The PENDING record is never retracted; surface the failure so the
		// notifier retries instead of silently losing the workorder.
		return nil, fmt.Errorf("enqueue workorder for snapshot %d: %w", n.Ordinal, err)
	}

	metrics.IngestNotificationsTotal.WithLabelValues(string(n.Source), "accepted").Inc()
	metrics.IngestLastOrdinal.Set(float64(n.Ordinal))
	s.logger.Info("snapshot recorded",
		"ordinal", n.Ordinal,
		"hash", n.Hash,
		"source", n.Source,
	)
	return &Result{AlreadyIndexed: false, Status: model.SnapshotStatusPending}, nil
}

func (s *Service) enqueue(ctx context.Context, ordinal int64, hash string) error {
	workorder := event.IndexWorkorder{
		ID:      uuid.NewString(),
		Ordinal: ordinal,
		Hash:    hash,
		Attempt: 1,
	}
	if _, err := s.queue.PublishJSON(ctx, WorkorderStream, workorder); err != nil {
		s.logger.Error("enqueue workorder failed", "ordinal", ordinal, "error", err)
		return err
	}
	metrics.IngestQueueDepth.Inc()
	return nil
}
