package ingest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberlabs/metagraph-indexer/internal/chain/ml0"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/event"
	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
	"github.com/fiberlabs/metagraph-indexer/internal/retry"
	redisstream "github.com/fiberlabs/metagraph-indexer/internal/store/redis"
)

// fakeDriver / fakeConn / fakeTxImpl provide a minimal sql.Driver
// so we can call BeginTx and get a real *sql.Tx for testing.
type fakeDriver struct{}
type fakeConn struct{}
type fakeTxImpl struct{}

func (d *fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{}, nil }
func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return &fakeTxImpl{}, nil }
func (tx *fakeTxImpl) Commit() error          { return nil }
func (tx *fakeTxImpl) Rollback() error        { return nil }

func init() {
	sql.Register("fake_ingest", &fakeDriver{})
}

func openFakeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("fake_ingest", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeFiberRepo struct {
	mu     sync.Mutex
	fibers map[string]*model.Fiber
}

func newFakeFiberRepo() *fakeFiberRepo {
	return &fakeFiberRepo{fibers: make(map[string]*model.Fiber)}
}

func (f *fakeFiberRepo) UpsertTx(_ context.Context, _ *sql.Tx, fiber *model.Fiber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *fiber
	f.fibers[fiber.ID] = &copied
	return nil
}

func (f *fakeFiberRepo) GetByID(_ context.Context, id string) (*model.Fiber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fib, ok := f.fibers[id]; ok {
		copied := *fib
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeFiberRepo) BackfillGL0(_ context.Context, _, _ int64) (int64, error) {
	return 0, nil
}

type fakeTransitionRepo struct {
	mu          sync.Mutex
	transitions []model.Transition
}

func (f *fakeTransitionRepo) InsertTx(_ context.Context, _ *sql.Tx, tr *model.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.transitions {
		if existing.ID == tr.ID {
			return nil
		}
	}
	f.transitions = append(f.transitions, *tr)
	return nil
}

func (f *fakeTransitionRepo) ListByFiber(_ context.Context, fiberID string, _ int) ([]model.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Transition
	for _, tr := range f.transitions {
		if tr.FiberID == fiberID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeTransitionRepo) BackfillGL0(_ context.Context, _, _ int64) (int64, error) {
	return 0, nil
}

type fakeCheckpointSource struct {
	mu         sync.Mutex
	checkpoint *ml0.Checkpoint
	err        error
	calls      int
}

func (f *fakeCheckpointSource) GetCheckpoint(context.Context) (*ml0.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.checkpoint, nil
}

func testCheckpoint(ordinal int64) *ml0.Checkpoint {
	cp := &ml0.Checkpoint{Ordinal: ordinal}
	cp.State.StateMachines = map[string]json.RawMessage{
		"agent-1": json.RawMessage(`{
			"state": {"agentId": "agent-1", "owner": "DAG123", "name": "indexer-bot"},
			"transitions": [
				{"event": "Register", "payload": {"owner": "DAG123"}},
				{"event": "Rename", "payload": {"name": "indexer-bot"}}
			]
		}`),
		"contract-1": json.RawMessage(`{
			"state": {"contractId": "contract-1", "parties": ["DAG123", "DAG456"], "status": "active"}
		}`),
		"mystery-1": json.RawMessage(`{"state": {"something": "else"}}`),
	}
	return cp
}

func newTestWorker(t *testing.T, source CheckpointSource, queue redisstream.MessageTransport, snapshots *fakeSnapshotRepo, fibers *fakeFiberRepo, transitions *fakeTransitionRepo, opts ...WorkerOption) *Worker {
	t.Helper()
	registry, err := NewSchemaRegistry()
	require.NoError(t, err)
	return NewWorker(openFakeDB(t), snapshots, fibers, transitions, source, queue, registry, slog.Default(), opts...)
}

func TestWorker_ProcessIndexesCheckpointState(t *testing.T) {
	snapshots := newFakeSnapshotRepo()
	fibers := newFakeFiberRepo()
	transitions := &fakeTransitionRepo{}
	source := &fakeCheckpointSource{checkpoint: testCheckpoint(100)}
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	ctx := context.Background()
	require.NoError(t, snapshots.Insert(ctx, &model.Snapshot{
		Ordinal: 100, Hash: "h100", Status: model.SnapshotStatusPending,
		Source: model.SnapshotSourceWebhook, IndexedAt: time.Now(),
	}))

	w := newTestWorker(t, source, queue, snapshots, fibers, transitions)
	err := w.process(ctx, event.IndexWorkorder{ID: "w1", Ordinal: 100, Hash: "h100", Attempt: 1})
	require.NoError(t, err)

	agent, err := fibers.GetByID(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, model.FiberKindAgentIdentity, agent.Kind)
	assert.Equal(t, int64(100), agent.UpdatedOrdinal)

	contract, err := fibers.GetByID(ctx, "contract-1")
	require.NoError(t, err)
	require.NotNil(t, contract)
	assert.Equal(t, model.FiberKindContract, contract.Kind)

	// Unmatched payloads degrade to the unknown kind instead of being dropped.
	mystery, err := fibers.GetByID(ctx, "mystery-1")
	require.NoError(t, err)
	require.NotNil(t, mystery)
	assert.Equal(t, model.FiberKindUnknown, mystery.Kind)

	list, err := transitions.ListByFiber(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	snap, err := snapshots.GetByOrdinal(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.FibersUpdated)
	assert.Equal(t, 2, snap.TransitionsUpdated)
}

func TestWorker_ProcessIsIdempotent(t *testing.T) {
	snapshots := newFakeSnapshotRepo()
	fibers := newFakeFiberRepo()
	transitions := &fakeTransitionRepo{}
	source := &fakeCheckpointSource{checkpoint: testCheckpoint(100)}
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	ctx := context.Background()
	w := newTestWorker(t, source, queue, snapshots, fibers, transitions)

	order := event.IndexWorkorder{ID: "w1", Ordinal: 100, Hash: "h100", Attempt: 1}
	require.NoError(t, w.process(ctx, order))
	require.NoError(t, w.process(ctx, order))

	// Transition IDs are derived from content, so the rerun inserts nothing.
	list, err := transitions.ListByFiber(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestWorker_LaggingCheckpointIsTransient(t *testing.T) {
	snapshots := newFakeSnapshotRepo()
	fibers := newFakeFiberRepo()
	transitions := &fakeTransitionRepo{}
	source := &fakeCheckpointSource{checkpoint: testCheckpoint(50)}
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	w := newTestWorker(t, source, queue, snapshots, fibers, transitions)
	err := w.process(context.Background(), event.IndexWorkorder{ID: "w1", Ordinal: 100, Hash: "h100"})
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	snapshots := newFakeSnapshotRepo()
	fibers := newFakeFiberRepo()
	transitions := &fakeTransitionRepo{}
	source := &fakeCheckpointSource{checkpoint: testCheckpoint(50)}
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	w := newTestWorker(t, source, queue, snapshots, fibers, transitions,
		WithRetryConfig(3, time.Millisecond, 2*time.Millisecond))
	w.sleepFn = func(context.Context, time.Duration) error { return nil }

	err := w.processWithRetry(context.Background(), event.IndexWorkorder{ID: "w1", Ordinal: 100, Hash: "h100"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient_recovery_exhausted")
	assert.Equal(t, 3, source.calls)
}

func TestWorker_RunConsumesQueue(t *testing.T) {
	snapshots := newFakeSnapshotRepo()
	fibers := newFakeFiberRepo()
	transitions := &fakeTransitionRepo{}
	source := &fakeCheckpointSource{checkpoint: testCheckpoint(100)}
	queue := redisstream.NewInMemoryStream()
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorker(t, source, queue, snapshots, fibers, transitions)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, err := queue.PublishJSON(ctx, WorkorderStream, event.IndexWorkorder{
		ID: "w1", Ordinal: 100, Hash: "h100", Attempt: 1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f, err := fibers.GetByID(context.Background(), "agent-1")
		return err == nil && f != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
