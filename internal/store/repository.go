package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// StatusCounts aggregates snapshot records by lifecycle state.
type StatusCounts struct {
	Pending   int64
	Confirmed int64
	Orphaned  int64
}

// SnapshotRepository provides access to indexed snapshot records.
type SnapshotRepository interface {
	// Insert creates a new PENDING record. Returns ErrDuplicateOrdinal if a
	// record for the ordinal already exists.
	Insert(ctx context.Context, snap *model.Snapshot) error
	GetByOrdinal(ctx context.Context, ordinal int64) (*model.Snapshot, error)

	// FindPendingByHash returns the PENDING record with the given content
	// hash, or nil when no such record exists.
	FindPendingByHash(ctx context.Context, hash string) (*model.Snapshot, error)
	// OldestPending returns the PENDING record with the lowest ordinal, or nil.
	OldestPending(ctx context.Context) (*model.Snapshot, error)
	// LatestConfirmed returns the CONFIRMED record with the highest ordinal, or nil.
	LatestConfirmed(ctx context.Context) (*model.Snapshot, error)
	// LastIndexed returns the record with the highest ordinal regardless of
	// status, or nil when the table is empty.
	LastIndexed(ctx context.Context) (*model.Snapshot, error)

	// Confirm promotes a PENDING record to CONFIRMED, stamping the global
	// ledger ordinal and confirmation time. Records already terminal are
	// left untouched; returns true when a row actually transitioned.
	Confirm(ctx context.Context, ordinal, gl0Ordinal int64, confirmedAt time.Time) (bool, error)
	// OrphanBelow marks every PENDING record with ordinal < belowOrdinal as
	// ORPHANED and returns the number of rows demoted.
	OrphanBelow(ctx context.Context, belowOrdinal int64) (int64, error)

	// UpdateCountersTx records the derived entity counters captured while
	// indexing the snapshot's full state.
	UpdateCountersTx(ctx context.Context, tx *sql.Tx, ordinal int64, fibersUpdated, transitionsUpdated int) error

	List(ctx context.Context, status *model.SnapshotStatus, limit int) ([]model.Snapshot, error)
	Counts(ctx context.Context) (StatusCounts, error)
}

// FiberRepository provides access to indexed fiber (state machine) rows.
type FiberRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, fiber *model.Fiber) error
	GetByID(ctx context.Context, id string) (*model.Fiber, error)
	// BackfillGL0 stamps gl0Ordinal on fibers created or updated at the
	// given ML0 ordinal that do not yet carry a confirmation back-reference.
	// Returns the number of rows touched.
	BackfillGL0(ctx context.Context, ordinal, gl0Ordinal int64) (int64, error)
}

// TransitionRepository provides access to recorded fiber transitions.
type TransitionRepository interface {
	InsertTx(ctx context.Context, tx *sql.Tx, tr *model.Transition) error
	ListByFiber(ctx context.Context, fiberID string, limit int) ([]model.Transition, error)
	// BackfillGL0 stamps gl0Ordinal on transitions recorded at the given ML0
	// ordinal that do not yet carry one. Returns the number of rows touched.
	BackfillGL0(ctx context.Context, ordinal, gl0Ordinal int64) (int64, error)
}
