//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/store"
	"github.com/fiberlabs/metagraph-indexer/internal/store/postgres"
)

func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url != "" {
		// Use provided external DB.
		db, err := postgres.New(postgres.Config{
			URL:             url,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}
	// Use testcontainers (Docker-based ephemeral PostgreSQL).
	return setupTestContainer(t)
}

// ---------- SnapshotRepo ----------

func TestSnapshotRepo_InsertAndLifecycle(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewSnapshotRepo(db)
	ctx := context.Background()

	base := time.Now().UnixNano() % 1_000_000_000

	snap := &model.Snapshot{
		Ordinal:   base,
		Hash:      "hash-" + uuid.NewString()[:8],
		Status:    model.SnapshotStatusPending,
		Source:    model.SnapshotSourceWebhook,
		IndexedAt: time.Now(),
	}
	require.NoError(t, repo.Insert(ctx, snap))

	// Duplicate ordinal is rejected with the sentinel.
	err := repo.Insert(ctx, snap)
	require.ErrorIs(t, err, store.ErrDuplicateOrdinal)

	found, err := repo.GetByOrdinal(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, model.SnapshotStatusPending, found.Status)
	assert.Nil(t, found.GL0Ordinal)

	byHash, err := repo.FindPendingByHash(ctx, snap.Hash)
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, base, byHash.Ordinal)

	// Confirm promotes and stamps gl0 metadata.
	confirmedAt := time.Now()
	ok, err := repo.Confirm(ctx, base, 9001, confirmedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err = repo.GetByOrdinal(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotStatusConfirmed, found.Status)
	require.NotNil(t, found.GL0Ordinal)
	assert.Equal(t, int64(9001), *found.GL0Ordinal)
	require.NotNil(t, found.ConfirmedAt)

	// Second confirm is a no-op on a terminal row.
	ok, err = repo.Confirm(ctx, base, 9002, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	found, err = repo.GetByOrdinal(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(9001), *found.GL0Ordinal)
}

func TestSnapshotRepo_OrphanBelow(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewSnapshotRepo(db)
	ctx := context.Background()

	base := time.Now().UnixNano() % 1_000_000_000
	for i := int64(0); i < 4; i++ {
		require.NoError(t, repo.Insert(ctx, &model.Snapshot{
			Ordinal:   base + i,
			Hash:      fmt.Sprintf("h-%d-%s", i, uuid.NewString()[:8]),
			Status:    model.SnapshotStatusPending,
			Source:    model.SnapshotSourceWebhook,
			IndexedAt: time.Now(),
		}))
	}

	// Confirm the third; the two below it become orphans, the fourth stays.
	ok, err := repo.Confirm(ctx, base+2, 500, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := repo.OrphanBelow(ctx, base+2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for i := int64(0); i < 2; i++ {
		s, err := repo.GetByOrdinal(ctx, base+i)
		require.NoError(t, err)
		assert.Equal(t, model.SnapshotStatusOrphaned, s.Status)
	}
	s, err := repo.GetByOrdinal(ctx, base+3)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotStatusPending, s.Status)

	// Sweep is idempotent.
	n, err = repo.OrphanBelow(ctx, base+2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSnapshotRepo_OldestPendingAndLatestConfirmed(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewSnapshotRepo(db)
	ctx := context.Background()

	base := time.Now().UnixNano() % 1_000_000_000
	for i := int64(0); i < 3; i++ {
		require.NoError(t, repo.Insert(ctx, &model.Snapshot{
			Ordinal:   base + i,
			Hash:      fmt.Sprintf("op-%d-%s", i, uuid.NewString()[:8]),
			Status:    model.SnapshotStatusPending,
			Source:    model.SnapshotSourcePoll,
			IndexedAt: time.Now(),
		}))
	}

	oldest, err := repo.OldestPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.LessOrEqual(t, oldest.Ordinal, base)

	ok, err := repo.Confirm(ctx, base+1, 777, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	latest, err := repo.LatestConfirmed(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.GreaterOrEqual(t, latest.Ordinal, base+1)

	last, err := repo.LastIndexed(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.GreaterOrEqual(t, last.Ordinal, base+2)
}

func TestSnapshotRepo_ListAndCounts(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewSnapshotRepo(db)
	ctx := context.Background()

	base := time.Now().UnixNano() % 1_000_000_000
	for i := int64(0); i < 5; i++ {
		require.NoError(t, repo.Insert(ctx, &model.Snapshot{
			Ordinal:   base + i,
			Hash:      fmt.Sprintf("ls-%d-%s", i, uuid.NewString()[:8]),
			Status:    model.SnapshotStatusPending,
			Source:    model.SnapshotSourceWebhook,
			IndexedAt: time.Now(),
		}))
	}

	all, err := repo.List(ctx, nil, 3)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Greater(t, all[0].Ordinal, all[1].Ordinal)

	pending := model.SnapshotStatusPending
	filtered, err := repo.List(ctx, &pending, 100)
	require.NoError(t, err)
	for _, s := range filtered {
		assert.Equal(t, model.SnapshotStatusPending, s.Status)
	}

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.Pending, int64(5))
}

// ---------- FiberRepo ----------

func TestFiberRepo_UpsertAndBackfill(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewFiberRepo(db)
	ctx := context.Background()

	id := "fiber-" + uuid.NewString()[:8]
	ordinal := time.Now().UnixNano() % 1_000_000_000

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertTx(ctx, tx, &model.Fiber{
		ID:             id,
		Kind:           model.FiberKindAgentIdentity,
		State:          json.RawMessage(`{"name":"agent-a"}`),
		CreatedOrdinal: ordinal,
		UpdatedOrdinal: ordinal,
	}))
	require.NoError(t, tx.Commit())

	f, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, model.FiberKindAgentIdentity, f.Kind)
	assert.Nil(t, f.CreatedGL0Ordinal)

	// Backfill stamps both created and updated references.
	n, err := repo.BackfillGL0(ctx, ordinal, 4242)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f, err = repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, f.CreatedGL0Ordinal)
	assert.Equal(t, int64(4242), *f.CreatedGL0Ordinal)
	require.NotNil(t, f.UpdatedGL0Ordinal)
	assert.Equal(t, int64(4242), *f.UpdatedGL0Ordinal)

	// Update at a later ordinal clears only the updated reference.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertTx(ctx, tx2, &model.Fiber{
		ID:             id,
		Kind:           model.FiberKindAgentIdentity,
		State:          json.RawMessage(`{"name":"agent-a","v":2}`),
		CreatedOrdinal: ordinal,
		UpdatedOrdinal: ordinal + 1,
	}))
	require.NoError(t, tx2.Commit())

	f, err = repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, f.CreatedGL0Ordinal)
	assert.Nil(t, f.UpdatedGL0Ordinal)
	assert.Equal(t, ordinal+1, f.UpdatedOrdinal)

	// Backfill at the new ordinal restores the updated reference only.
	n, err = repo.BackfillGL0(ctx, ordinal+1, 4243)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f, err = repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), *f.CreatedGL0Ordinal)
	assert.Equal(t, int64(4243), *f.UpdatedGL0Ordinal)
}

// ---------- TransitionRepo ----------

func TestTransitionRepo_InsertListBackfill(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTransitionRepo(db)
	ctx := context.Background()

	fiberID := "fiber-" + uuid.NewString()[:8]
	ordinal := time.Now().UnixNano() % 1_000_000_000

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	first := &model.Transition{
		ID:         uuid.New(),
		FiberID:    fiberID,
		EventName:  "Register",
		Payload:    json.RawMessage(`{"k":"v"}`),
		Ordinal:    ordinal,
		RecordedAt: time.Now(),
	}
	require.NoError(t, repo.InsertTx(ctx, tx, first))
	require.NoError(t, repo.InsertTx(ctx, tx, &model.Transition{
		ID:         uuid.New(),
		FiberID:    fiberID,
		EventName:  "Update",
		Payload:    json.RawMessage(`{"k":"v2"}`),
		Ordinal:    ordinal + 1,
		RecordedAt: time.Now(),
	}))
	// Same ID again is a no-op.
	require.NoError(t, repo.InsertTx(ctx, tx, first))
	require.NoError(t, tx.Commit())

	list, err := repo.ListByFiber(ctx, fiberID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Update", list[0].EventName)
	assert.Nil(t, list[0].GL0Ordinal)

	n, err := repo.BackfillGL0(ctx, ordinal, 55)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = repo.ListByFiber(ctx, fiberID, 10)
	require.NoError(t, err)
	require.NotNil(t, list[1].GL0Ordinal)
	assert.Equal(t, int64(55), *list[1].GL0Ordinal)
	assert.Nil(t, list[0].GL0Ordinal)
}

// ---------- LeaderLock ----------

func TestLeaderLock_Exclusive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	lock, acquired, err := postgres.AcquireLeaderLock(ctx, db)
	require.NoError(t, err)
	require.True(t, acquired)

	// A second acquisition attempt on a different connection fails.
	_, acquired2, err := postgres.AcquireLeaderLock(ctx, db)
	require.NoError(t, err)
	assert.False(t, acquired2)

	require.NoError(t, lock.Release(ctx))

	// Lock becomes available again after release.
	lock3, acquired3, err := postgres.AcquireLeaderLock(ctx, db)
	require.NoError(t, err)
	assert.True(t, acquired3)
	require.NoError(t, lock3.Release(ctx))
}
