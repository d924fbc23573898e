package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/event"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/store"
	redisstream "github.com/fiberlabs/metagraph-indexer/internal/store/redis"
)

type fakeSnapshotRepo struct {
	mu        sync.Mutex
	snapshots map[int64]*model.Snapshot
	insertErr error
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{snapshots: make(map[int64]*model.Snapshot)}
}

func (f *fakeSnapshotRepo) Insert(_ context.Context, snap *model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.snapshots[snap.Ordinal]; exists {
		return store.ErrDuplicateOrdinal
	}
	copied := *snap
	f.snapshots[snap.Ordinal] = &copied
	return nil
}

func (f *fakeSnapshotRepo) GetByOrdinal(_ context.Context, ordinal int64) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snapshots[ordinal]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeSnapshotRepo) FindPendingByHash(_ context.Context, hash string) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Snapshot
	for _, s := range f.snapshots {
		if s.Hash == hash && s.Status == model.SnapshotStatusPending {
			if best == nil || s.Ordinal < best.Ordinal {
				best = s
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeSnapshotRepo) OldestPending(_ context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Snapshot
	for _, s := range f.snapshots {
		if s.Status == model.SnapshotStatusPending && (best == nil || s.Ordinal < best.Ordinal) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeSnapshotRepo) LatestConfirmed(_ context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Snapshot
	for _, s := range f.snapshots {
		if s.Status == model.SnapshotStatusConfirmed && (best == nil || s.Ordinal > best.Ordinal) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeSnapshotRepo) LastIndexed(_ context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Snapshot
	for _, s := range f.snapshots {
		if best == nil || s.Ordinal > best.Ordinal {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeSnapshotRepo) Confirm(_ context.Context, ordinal, gl0Ordinal int64, confirmedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[ordinal]
	if !ok || s.Status != model.SnapshotStatusPending {
		return false, nil
	}
	s.Status = model.SnapshotStatusConfirmed
	s.GL0Ordinal = &gl0Ordinal
	s.ConfirmedAt = &confirmedAt
	return true, nil
}

func (f *fakeSnapshotRepo) OrphanBelow(_ context.Context, belowOrdinal int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.snapshots {
		if s.Status == model.SnapshotStatusPending && s.Ordinal < belowOrdinal {
			s.Status = model.SnapshotStatusOrphaned
			n++
		}
	}
	return n, nil
}

func (f *fakeSnapshotRepo) UpdateCountersTx(_ context.Context, _ *sql.Tx, ordinal int64, fibersUpdated, transitionsUpdated int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snapshots[ordinal]; ok {
		s.FibersUpdated = fibersUpdated
		s.TransitionsUpdated = transitionsUpdated
	}
	return nil
}

func (f *fakeSnapshotRepo) List(_ context.Context, status *model.SnapshotStatus, limit int) ([]model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Snapshot
	for _, s := range f.snapshots {
		if status != nil && s.Status != *status {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSnapshotRepo) Counts(_ context.Context) (store.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c store.StatusCounts
	for _, s := range f.snapshots {
		switch s.Status {
		case model.SnapshotStatusPending:
			c.Pending++
		case model.SnapshotStatusConfirmed:
			c.Confirmed++
		case model.SnapshotStatusOrphaned:
			c.Orphaned++
		}
	}
	return c, nil
}

func drainWorkorder(t *testing.T, queue redisstream.MessageTransport, lastID string) (event.IndexWorkorder, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var w event.IndexWorkorder
	nextID, err := queue.ReadJSON(ctx, WorkorderStream, lastID, &w)
	require.NoError(t, err)
	return w, nextID
}

func TestHandleNotification_NewOrdinal(t *testing.T) {
	repo := newFakeSnapshotRepo()
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	svc := NewService(repo, queue, slog.Default())

	res, err := svc.HandleNotification(context.Background(), event.SnapshotNotification{
		Ordinal:   100,
		Hash:      "abc",
		Timestamp: time.Now(),
		Source:    model.SnapshotSourceWebhook,
	})
	require.NoError(t, err)
	assert.False(t, res.AlreadyIndexed)
	assert.Equal(t, model.SnapshotStatusPending, res.Status)

	stored, err := repo.GetByOrdinal(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "abc", stored.Hash)
	assert.Equal(t, model.SnapshotSourceWebhook, stored.Source)

	w, _ := drainWorkorder(t, queue, "0")
	assert.Equal(t, int64(100), w.Ordinal)
	assert.Equal(t, "abc", w.Hash)
	assert.NotEmpty(t, w.ID)
}

func TestHandleNotification_DuplicateReportsStatus(t *testing.T) {
	repo := newFakeSnapshotRepo()
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	svc := NewService(repo, queue, slog.Default())

	ctx := context.Background()
	_, err := svc.HandleNotification(ctx, event.SnapshotNotification{
		Ordinal: 7, Hash: "h7", Source: model.SnapshotSourceWebhook,
	})
	require.NoError(t, err)

	ok, err := repo.Confirm(ctx, 7, 900, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	res, err := svc.HandleNotification(ctx, event.SnapshotNotification{
		Ordinal: 7, Hash: "h7", Source: model.SnapshotSourceWebhook,
	})
	require.NoError(t, err)
	assert.True(t, res.AlreadyIndexed)
	assert.Equal(t, model.SnapshotStatusConfirmed, res.Status)

	// Confirmed records are not re-enqueued: only the original workorder exists.
	_, nextID := drainWorkorder(t, queue, "0")
	readCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	var extra event.IndexWorkorder
	_, err = queue.ReadJSON(readCtx, WorkorderStream, nextID, &extra)
	require.Error(t, err)
}

func TestHandleNotification_DuplicatePendingReenqueues(t *testing.T) {
	repo := newFakeSnapshotRepo()
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	svc := NewService(repo, queue, slog.Default())

	ctx := context.Background()
	_, err := svc.HandleNotification(ctx, event.SnapshotNotification{
		Ordinal: 8, Hash: "h8", Source: model.SnapshotSourceWebhook,
	})
	require.NoError(t, err)

	res, err := svc.HandleNotification(ctx, event.SnapshotNotification{
		Ordinal: 8, Hash: "h8", Source: model.SnapshotSourcePoll,
	})
	require.NoError(t, err)
	assert.True(t, res.AlreadyIndexed)
	assert.Equal(t, model.SnapshotStatusPending, res.Status)

	// A second workorder was enqueued for the still-pending record.
	_, nextID := drainWorkorder(t, queue, "0")
	second, _ := drainWorkorder(t, queue, nextID)
	assert.Equal(t, int64(8), second.Ordinal)
}

func TestHandleNotification_InsertRace(t *testing.T) {
	repo := newFakeSnapshotRepo()
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	// GetByOrdinal misses but Insert collides, simulating a concurrent
	// notification winning the race between the two calls.
	svc := NewService(repo, queue, slog.Default())
	repo.insertErr = store.ErrDuplicateOrdinal

	res, err := svc.HandleNotification(context.Background(), event.SnapshotNotification{
		Ordinal: 42, Hash: "h42", Source: model.SnapshotSourceWebhook,
	})
	require.NoError(t, err)
	assert.True(t, res.AlreadyIndexed)
}
