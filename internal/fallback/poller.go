package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fiberlabs/metagraph-indexer/internal/chain/ml0"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/event"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/ingest"
	"github.com/fiberlabs/metagraph-indexer/internal/metrics"
)

const defaultInterval = 60 * time.Second

// SnapshotSource reads the metagraph layer's latest snapshot reference.
type SnapshotSource interface {
	GetLatestSnapshot(ctx context.Context) (*ml0.SnapshotRef, error)
}

// Notifier is the ingestion front door the poller feeds into.
type Notifier interface {
	HandleNotification(ctx context.Context, n event.SnapshotNotification) (*ingest.Result, error)
}

// Poller is the webhook safety net. Webhook delivery is best effort; the
// poller asks ML0 for its latest snapshot on a longer interval and pushes it
// through the same ingestion path, where the ordinal dedupe makes missed and
// duplicated deliveries converge.
type Poller struct {
	source   SnapshotSource
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger

	lastPollAt atomic.Int64
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func New(source SnapshotSource, notifier Notifier, logger *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		source:   source,
		notifier: notifier,
		interval: defaultInterval,
		logger:   logger.With("component", "fallback_poller"),
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// LastPollAt reports when the last successful poll completed, zero time if
// none has.
func (p *Poller) LastPollAt() time.Time {
	nanos := p.lastPollAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("fallback poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("fallback poller stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				metrics.FallbackPollsTotal.WithLabelValues("error").Inc()
				p.logger.Warn("fallback poll failed", "error", err)
				continue
			}
			metrics.FallbackPollsTotal.WithLabelValues("ok").Inc()
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	ref, err := p.source.GetLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest snapshot: %w", err)
	}

	res, err := p.notifier.HandleNotification(ctx, event.SnapshotNotification{
		Ordinal:   ref.Ordinal,
		Hash:      ref.Hash,
		Timestamp: time.Now().UTC(),
		Source:    model.SnapshotSourcePoll,
	})
	if err != nil {
		return fmt.Errorf("notify snapshot %d: %w", ref.Ordinal, err)
	}
	if !res.AlreadyIndexed {
		p.logger.Info("fallback poll caught missed snapshot", "ordinal", ref.Ordinal, "hash", ref.Hash)
	}

	p.lastPollAt.Store(time.Now().UnixNano())
	return nil
}
