package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
)

type FiberRepo struct {
	db *DB
}

func NewFiberRepo(db *DB) *FiberRepo {
	return &FiberRepo{db: db}
}

// UpsertTx writes the fiber's latest state. On conflict the row keeps its
// created_ordinal and created_gl0_ordinal; only the updated side moves. The
// updated_gl0_ordinal is cleared because the new state comes from a snapshot
// that has not been confirmed yet.
func (r *FiberRepo) UpsertTx(ctx context.Context, tx *sql.Tx, fiber *model.Fiber) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fibers (id, kind, state, created_ordinal, updated_ordinal, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			state = EXCLUDED.state,
			updated_ordinal = EXCLUDED.updated_ordinal,
			updated_gl0_ordinal = NULL,
			updated_at = now()
	`, fiber.ID, fiber.Kind, []byte(fiber.State), fiber.CreatedOrdinal, fiber.UpdatedOrdinal)
	if err != nil {
		return fmt.Errorf("upsert fiber %s: %w", fiber.ID, err)
	}
	return nil
}

func (r *FiberRepo) GetByID(ctx context.Context, id string) (*model.Fiber, error) {
	var f model.Fiber
	var state []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, kind, state, created_ordinal, updated_ordinal,
		       created_gl0_ordinal, updated_gl0_ordinal, updated_at
		FROM fibers
		WHERE id = $1
	`, id).Scan(
		&f.ID, &f.Kind, &state, &f.CreatedOrdinal, &f.UpdatedOrdinal,
		&f.CreatedGL0Ordinal, &f.UpdatedGL0Ordinal, &f.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fiber %s: %w", id, err)
	}
	f.State = state
	return &f, nil
}

// BackfillGL0 stamps the confirmation ordinal on fibers touched at the given
// ML0 ordinal. Created and updated sides are stamped independently so a fiber
// created in one snapshot and updated in another ends up with both references.
func (r *FiberRepo) BackfillGL0(ctx context.Context, ordinal, gl0Ordinal int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE fibers
		SET created_gl0_ordinal = CASE
				WHEN created_ordinal = $1 AND created_gl0_ordinal IS NULL THEN $2
				ELSE created_gl0_ordinal
			END,
		    updated_gl0_ordinal = CASE
				WHEN updated_ordinal = $1 AND updated_gl0_ordinal IS NULL THEN $2
				ELSE updated_gl0_ordinal
			END
		WHERE (created_ordinal = $1 AND created_gl0_ordinal IS NULL)
		   OR (updated_ordinal = $1 AND updated_gl0_ordinal IS NULL)
	`, ordinal, gl0Ordinal)
	if err != nil {
		return 0, fmt.Errorf("backfill fiber gl0 for ordinal %d: %w", ordinal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill fiber gl0 rows affected: %w", err)
	}
	return n, nil
}
