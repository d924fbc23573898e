package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/store"
)

type SnapshotRepo struct {
	db *DB
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

const snapshotColumns = `
	ordinal, hash, status, gl0_ordinal, confirmed_at, indexed_at, source,
	fibers_updated, transitions_updated
`

func (r *SnapshotRepo) Insert(ctx context.Context, snap *model.Snapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO snapshots (ordinal, hash, status, source, indexed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.Ordinal, snap.Hash, snap.Status, snap.Source, snap.IndexedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return store.ErrDuplicateOrdinal
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *SnapshotRepo) GetByOrdinal(ctx context.Context, ordinal int64) (*model.Snapshot, error) {
	return r.queryOne(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE ordinal = $1
	`, ordinal)
}

func (r *SnapshotRepo) FindPendingByHash(ctx context.Context, hash string) (*model.Snapshot, error) {
	return r.queryOne(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE hash = $1 AND status = $2
		ORDER BY ordinal ASC
		LIMIT 1
	`, hash, model.SnapshotStatusPending)
}

func (r *SnapshotRepo) OldestPending(ctx context.Context) (*model.Snapshot, error) {
	return r.queryOne(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE status = $1
		ORDER BY ordinal ASC
		LIMIT 1
	`, model.SnapshotStatusPending)
}

func (r *SnapshotRepo) LatestConfirmed(ctx context.Context) (*model.Snapshot, error) {
	return r.queryOne(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE status = $1
		ORDER BY ordinal DESC
		LIMIT 1
	`, model.SnapshotStatusConfirmed)
}

func (r *SnapshotRepo) LastIndexed(ctx context.Context) (*model.Snapshot, error) {
	return r.queryOne(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		ORDER BY ordinal DESC
		LIMIT 1
	`)
}

// Confirm promotes a PENDING row to CONFIRMED. The status guard makes the
// promotion idempotent: a row that is already CONFIRMED or ORPHANED is not
// rewritten, and the caller can tell from the return value.
func (r *SnapshotRepo) Confirm(ctx context.Context, ordinal, gl0Ordinal int64, confirmedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE snapshots
		SET status = $1, gl0_ordinal = $2, confirmed_at = $3
		WHERE ordinal = $4 AND status = $5
	`, model.SnapshotStatusConfirmed, gl0Ordinal, confirmedAt, ordinal, model.SnapshotStatusPending)
	if err != nil {
		return false, fmt.Errorf("confirm snapshot %d: %w", ordinal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm snapshot %d rows affected: %w", ordinal, err)
	}
	return n > 0, nil
}

func (r *SnapshotRepo) OrphanBelow(ctx context.Context, belowOrdinal int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE snapshots
		SET status = $1
		WHERE status = $2 AND ordinal < $3
	`, model.SnapshotStatusOrphaned, model.SnapshotStatusPending, belowOrdinal)
	if err != nil {
		return 0, fmt.Errorf("orphan snapshots below %d: %w", belowOrdinal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("orphan snapshots rows affected: %w", err)
	}
	return n, nil
}

func (r *SnapshotRepo) UpdateCountersTx(ctx context.Context, tx *sql.Tx, ordinal int64, fibersUpdated, transitionsUpdated int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE snapshots
		SET fibers_updated = $1, transitions_updated = $2
		WHERE ordinal = $3
	`, fibersUpdated, transitionsUpdated, ordinal)
	if err != nil {
		return fmt.Errorf("update snapshot counters %d: %w", ordinal, err)
	}
	return nil
}

func (r *SnapshotRepo) List(ctx context.Context, status *model.SnapshotStatus, limit int) ([]model.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM snapshots
	`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY ordinal DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var s model.Snapshot
		if err := scanSnapshot(rows.Scan, &s); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SnapshotRepo) Counts(ctx context.Context) (store.StatusCounts, error) {
	var c store.StatusCounts
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, count(*)
		FROM snapshots
		GROUP BY status
	`)
	if err != nil {
		return c, fmt.Errorf("count snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status model.SnapshotStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan snapshot count: %w", err)
		}
		switch status {
		case model.SnapshotStatusPending:
			c.Pending = n
		case model.SnapshotStatusConfirmed:
			c.Confirmed = n
		case model.SnapshotStatusOrphaned:
			c.Orphaned = n
		}
	}
	return c, rows.Err()
}

func (r *SnapshotRepo) queryOne(ctx context.Context, query string, args ...any) (*model.Snapshot, error) {
	var s model.Snapshot
	err := scanSnapshot(r.db.QueryRowContext(ctx, query, args...).Scan, &s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &s, nil
}

func scanSnapshot(scan func(...any) error, s *model.Snapshot) error {
	return scan(
		&s.Ordinal, &s.Hash, &s.Status, &s.GL0Ordinal, &s.ConfirmedAt,
		&s.IndexedAt, &s.Source, &s.FibersUpdated, &s.TransitionsUpdated,
	)
}
