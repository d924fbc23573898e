package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
)

type TransitionRepo struct {
	db *DB
}

func NewTransitionRepo(db *DB) *TransitionRepo {
	return &TransitionRepo{db: db}
}

func (r *TransitionRepo) InsertTx(ctx context.Context, tx *sql.Tx, tr *model.Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fiber_transitions (id, fiber_id, event_name, payload, ordinal, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, tr.ID, tr.FiberID, tr.EventName, []byte(tr.Payload), tr.Ordinal, tr.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert transition %s: %w", tr.ID, err)
	}
	return nil
}

func (r *TransitionRepo) ListByFiber(ctx context.Context, fiberID string, limit int) ([]model.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, fiber_id, event_name, payload, ordinal, gl0_ordinal, recorded_at
		FROM fiber_transitions
		WHERE fiber_id = $1
		ORDER BY ordinal DESC, recorded_at DESC
		LIMIT $2
	`, fiberID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions for %s: %w", fiberID, err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var payload []byte
		if err := rows.Scan(&t.ID, &t.FiberID, &t.EventName, &payload, &t.Ordinal, &t.GL0Ordinal, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Payload = payload
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TransitionRepo) BackfillGL0(ctx context.Context, ordinal, gl0Ordinal int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE fiber_transitions
		SET gl0_ordinal = $2
		WHERE ordinal = $1 AND gl0_ordinal IS NULL
	`, ordinal, gl0Ordinal)
	if err != nil {
		return 0, fmt.Errorf("backfill transition gl0 for ordinal %d: %w", ordinal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill transition gl0 rows affected: %w", err)
	}
	return n, nil
}
