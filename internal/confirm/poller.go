package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fiberlabs/metagraph-indexer/internal/alert"
	"github.com/fiberlabs/metagraph-indexer/internal/chain/gl0"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/event"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/metrics"
	"github.com/fiberlabs/metagraph-indexer/internal/store"
	"github.com/fiberlabs/metagraph-indexer/internal/tracing"
)

const (
	defaultInterval    = 10 * time.Second
	defaultTickTimeout = 30 * time.Second
)

// GlobalSource reads the global ledger.
type GlobalSource interface {
	GetLatestGlobalSnapshot(ctx context.Context) (*gl0.GlobalSnapshot, error)
}

// Poller drives the snapshot confirmation lifecycle. Each tick it reads the
// latest global snapshot, matches this metagraph's channel entry against the
// locally indexed PENDING records, promotes the match to CONFIRMED, backfills
// confirmation ordinals onto the rows indexed from that snapshot, and sweeps
// superseded PENDING records to ORPHANED.
//
// A single instance must run at a time; main guards this with the Postgres
// advisory lock.
type Poller struct {
	source      GlobalSource
	snapshots   store.SnapshotRepository
	fibers      store.FiberRepository
	transitions store.TransitionRepository
	alerter     alert.Alerter
	logger      *slog.Logger

	metagraphID string
	interval    time.Duration
	tickTimeout time.Duration
	strictHash  bool

	// Advanced only after a fully successful tick, so a tick aborted by a DB
	// failure is retried against the same global ordinal.
	lastGL0Ordinal int64

	confirmations chan<- event.Confirmation
}

type Option func(*Poller)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTickTimeout bounds the time spent in one tick.
func WithTickTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.tickTimeout = d
		}
	}
}

// WithStrictHash disables the oldest-pending fallback: only an exact content
// hash match is promoted.
func WithStrictHash(strict bool) Option {
	return func(p *Poller) { p.strictHash = strict }
}

// WithConfirmationChannel emits each confirmation on ch. The send is
// non-blocking; a full channel drops the event rather than stalling the tick.
func WithConfirmationChannel(ch chan<- event.Confirmation) Option {
	return func(p *Poller) { p.confirmations = ch }
}

func New(
	metagraphID string,
	source GlobalSource,
	snapshots store.SnapshotRepository,
	fibers store.FiberRepository,
	transitions store.TransitionRepository,
	alerter alert.Alerter,
	logger *slog.Logger,
	opts ...Option,
) *Poller {
	p := &Poller{
		source:      source,
		snapshots:   snapshots,
		fibers:      fibers,
		transitions: transitions,
		alerter:     alerter,
		logger:      logger.With("component", "confirm_poller"),
		metagraphID: metagraphID,
		interval:    defaultInterval,
		tickTimeout: defaultTickTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.alerter == nil {
		p.alerter = &alert.NoopAlerter{}
	}
	return p
}

func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("confirmation poller started",
		"interval", p.interval,
		"strict_hash", p.strictHash,
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("confirmation poller stopping")
			return ctx.Err()
		case <-ticker.C:
			metrics.ConfirmTicksTotal.Inc()
			start := time.Now()
			if err := p.tick(ctx); err != nil {
				metrics.ConfirmTickErrors.Inc()
				p.logger.Warn("confirmation tick failed", "error", err)
			}
			metrics.ConfirmTickLatency.Observe(time.Since(start).Seconds())
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(ctx, p.tickTimeout)
	defer cancel()

	spanCtx, span := tracing.Tracer("confirm").Start(tickCtx, "confirm.tick")
	defer span.End()

	global, err := p.source.GetLatestGlobalSnapshot(spanCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("fetch latest global snapshot: %w", err)
	}
	span.SetAttributes(attribute.Int64("gl0_ordinal", global.Ordinal))

	// Ordinal gate: the global ledger produces snapshots continuously; only
	// newly observed ordinals can carry new confirmations. The orphan sweep
	// still runs so late webhook arrivals below the confirmed ordinal do not
	// linger as PENDING.
	if global.Ordinal <= p.lastGL0Ordinal {
		return p.sweepOrphans(spanCtx)
	}

	if err := p.processGlobalSnapshot(spanCtx, global); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p.lastGL0Ordinal = global.Ordinal
	metrics.ConfirmLastGL0Ordinal.Set(float64(global.Ordinal))
	return nil
}

func (p *Poller) processGlobalSnapshot(ctx context.Context, global *gl0.GlobalSnapshot) error {
	entries := global.ChannelEntries(p.metagraphID)
	if len(entries) == 0 {
		return p.sweepOrphans(ctx)
	}

	// The newest entry's hash identifies the metagraph snapshot the global
	// ledger accepted.
	hash := entries[len(entries)-1].LastSnapshotHash

	target, matched, err := p.selectTarget(ctx, hash)
	if err != nil {
		return err
	}
	if target == nil {
		p.logger.Debug("no pending snapshot matches global entry",
			"gl0_ordinal", global.Ordinal,
			"hash", hash,
		)
		return p.sweepOrphans(ctx)
	}

	confirmedAt := time.Now().UTC()
	promoted, err := p.snapshots.Confirm(ctx, target.Ordinal, global.Ordinal, confirmedAt)
	if err != nil {
		return err
	}
	if promoted {
		if err := p.backfill(ctx, target.Ordinal, global.Ordinal); err != nil {
			return err
		}

		matchLabel := "exact"
		if !matched {
			matchLabel = "fallback"
		}
		metrics.ConfirmedTotal.WithLabelValues(matchLabel).Inc()

		p.logger.Info("snapshot confirmed",
			"ordinal", target.Ordinal,
			"hash", target.Hash,
			"gl0_ordinal", global.Ordinal,
			"hash_match", matched,
		)
		p.notify(ctx, event.Confirmation{
			Ordinal:     target.Ordinal,
			Hash:        target.Hash,
			GL0Ordinal:  global.Ordinal,
			ConfirmedAt: confirmedAt,
		})
	}

	return p.sweepOrphans(ctx)
}

// selectTarget finds the PENDING record to promote: an exact content hash
// match wins; otherwise the oldest PENDING record is assumed to be the one
// the global ledger just accepted, unless strict hash mode is on.
func (p *Poller) selectTarget(ctx context.Context, hash string) (*model.Snapshot, bool, error) {
	byHash, err := p.snapshots.FindPendingByHash(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("find pending by hash: %w", err)
	}
	if byHash != nil {
		return byHash, true, nil
	}
	if p.strictHash {
		return nil, false, nil
	}

	oldest, err := p.snapshots.OldestPending(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("find oldest pending: %w", err)
	}
	return oldest, false, nil
}

func (p *Poller) backfill(ctx context.Context, ordinal, gl0Ordinal int64) error {
	fibersTouched, err := p.fibers.BackfillGL0(ctx, ordinal, gl0Ordinal)
	if err != nil {
		return fmt.Errorf("backfill fibers: %w", err)
	}
	transitionsTouched, err := p.transitions.BackfillGL0(ctx, ordinal, gl0Ordinal)
	if err != nil {
		return fmt.Errorf("backfill transitions: %w", err)
	}
	if fibersTouched > 0 || transitionsTouched > 0 {
		p.logger.Debug("confirmation backfilled",
			"ordinal", ordinal,
			"gl0_ordinal", gl0Ordinal,
			"fibers", fibersTouched,
			"transitions", transitionsTouched,
		)
	}
	return nil
}

// sweepOrphans demotes PENDING records older than the newest confirmation.
// The global ledger accepted a later snapshot, so these can never confirm.
func (p *Poller) sweepOrphans(ctx context.Context) error {
	latest, err := p.snapshots.LatestConfirmed(ctx)
	if err != nil {
		return fmt.Errorf("latest confirmed: %w", err)
	}
	if latest == nil {
		return nil
	}

	orphaned, err := p.snapshots.OrphanBelow(ctx, latest.Ordinal)
	if err != nil {
		return fmt.Errorf("orphan sweep: %w", err)
	}
	if orphaned > 0 {
		metrics.OrphanedTotal.Add(float64(orphaned))
		p.logger.Warn("pending snapshots orphaned",
			"count", orphaned,
			"below_ordinal", latest.Ordinal,
		)
		if err := p.alerter.Send(ctx, alert.Alert{
			Type:      alert.AlertTypeOrphaned,
			Metagraph: p.metagraphID,
			Title:     "Snapshot fork detected",
			Message:   fmt.Sprintf("%d pending snapshots orphaned", orphaned),
			Fields: map[string]string{
				"below_ordinal": strconv.FormatInt(latest.Ordinal, 10),
				"count":         strconv.FormatInt(orphaned, 10),
			},
		}); err != nil {
			p.logger.Warn("orphan alert failed", "error", err)
		}
	}
	return nil
}

func (p *Poller) notify(ctx context.Context, c event.Confirmation) {
	if p.confirmations != nil {
		select {
		case p.confirmations <- c:
		default:
			p.logger.Warn("confirmation channel full; event dropped", "ordinal", c.Ordinal)
		}
	}

	if err := p.alerter.Send(ctx, alert.Alert{
		Type:      alert.AlertTypeConfirmed,
		Metagraph: p.metagraphID,
		Title:     "Snapshot confirmed",
		Message:   fmt.Sprintf("Ordinal %d confirmed at GL0 ordinal %d", c.Ordinal, c.GL0Ordinal),
		Fields: map[string]string{
			"ordinal":     strconv.FormatInt(c.Ordinal, 10),
			"gl0_ordinal": strconv.FormatInt(c.GL0Ordinal, 10),
			"hash":        c.Hash,
		},
	}); err != nil {
		p.logger.Warn("confirmation alert failed", "error", err)
	}
}
