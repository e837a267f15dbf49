package demand

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"fleet/internal/orchestrator"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	snaps map[string]orchestrator.DemandSnapshot
	err   error
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]orchestrator.DemandSnapshot)}
}

func (m *memStore) Put(ctx context.Context, snap orchestrator.DemandSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Label] = snap
	return nil
}

func (m *memStore) Get(ctx context.Context, label string) (orchestrator.DemandSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return orchestrator.DemandSnapshot{}, false, m.err
	}
	s, ok := m.snaps[label]
	return s, ok, nil
}

func (m *memStore) Labels(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for l := range m.snaps {
		out = append(out, l)
	}
	return out, nil
}

func (m *memStore) Forget(ctx context.Context, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, label)
	return nil
}

func (m *memStore) Consume(ctx context.Context, snap orchestrator.DemandSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.snaps[snap.Label]; !ok || cur != snap {
		return false, nil
	}
	delete(m.snaps, snap.Label)
	return true, nil
}

// recordingLoop plans one launch per unit of excess when launch is set.
type recordingLoop struct {
	mu     sync.Mutex
	launch bool
	ticks  []orchestrator.DemandSnapshot
}

func (r *recordingLoop) Tick(ctx context.Context, snap orchestrator.DemandSnapshot, label string) orchestrator.TickResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, snap)
	res := orchestrator.TickResult{Decision: orchestrator.Satisfied, Label: label, Excess: snap.Excess()}
	if r.launch {
		for i := range snap.Excess() {
			res.Planned = append(res.Planned, orchestrator.PlannedLaunch{WorkerName: fmt.Sprintf("%s-%d", label, i), NumExecutors: 1})
		}
	}
	return res
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleReview(t *testing.T) {
	store := newMemStore()
	loop := &recordingLoop{}
	h := NewHandler(store, loop, discardLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, orchestrator.DemandSnapshot{Label: "linux", QueueLength: 3}))

	task, err := NewReviewTask("linux")
	require.NoError(t, err)
	require.NoError(t, h.HandleReview(ctx, task))

	require.Len(t, loop.ticks, 1)
	assert.Equal(t, 3, loop.ticks[0].QueueLength)
}

func TestHandleReviewUnknownLabel(t *testing.T) {
	loop := &recordingLoop{}
	h := NewHandler(newMemStore(), loop, discardLogger())

	task, err := NewReviewTask("windows")
	require.NoError(t, err)
	require.NoError(t, h.HandleReview(context.Background(), task))
	assert.Empty(t, loop.ticks)
}

func TestHandleReviewBadPayload(t *testing.T) {
	h := NewHandler(newMemStore(), &recordingLoop{}, discardLogger())

	err := h.HandleReview(context.Background(), asynq.NewTask(TypeReview, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleReviewStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("redis down")
	h := NewHandler(store, &recordingLoop{}, discardLogger())

	assert.Error(t, h.Review(context.Background(), "linux"))
}

func TestReviewAll(t *testing.T) {
	store := newMemStore()
	loop := &recordingLoop{}
	h := NewHandler(store, loop, discardLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, orchestrator.DemandSnapshot{Label: "linux", QueueLength: 1}))
	require.NoError(t, store.Put(ctx, orchestrator.DemandSnapshot{Label: "", QueueLength: 2}))

	NewReviewer(store, h, nil, discardLogger()).ReviewAll(ctx)
	assert.Len(t, loop.ticks, 2)
}

func TestReviewConsumesSnapshotOnce(t *testing.T) {
	store := newMemStore()
	loop := &recordingLoop{launch: true}
	h := NewHandler(store, loop, discardLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, orchestrator.DemandSnapshot{Label: "linux", QueueLength: 5, AvailableExecutors: 1}))

	reviewer := NewReviewer(store, h, nil, discardLogger())
	for range 3 {
		reviewer.ReviewAll(ctx)
	}

	require.Len(t, loop.ticks, 1, "a snapshot that planned launches is not replayed")
	_, found, err := store.Get(ctx, "linux")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReviewKeepsSnapshotWithoutLaunches(t *testing.T) {
	store := newMemStore()
	loop := &recordingLoop{}
	h := NewHandler(store, loop, discardLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, orchestrator.DemandSnapshot{Label: "linux", QueueLength: 2}))
	require.NoError(t, h.Review(ctx, "linux"))
	require.NoError(t, h.Review(ctx, "linux"))

	assert.Len(t, loop.ticks, 2)
	_, found, err := store.Get(ctx, "linux")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestConsumeKeepsNewerSnapshot(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	seen := orchestrator.DemandSnapshot{Label: "linux", QueueLength: 3}
	require.NoError(t, store.Put(ctx, seen))
	require.NoError(t, store.Put(ctx, orchestrator.DemandSnapshot{Label: "linux", QueueLength: 7}))

	consumed, err := store.Consume(ctx, seen)
	require.NoError(t, err)
	assert.False(t, consumed)
	snap, found, err := store.Get(ctx, "linux")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, snap.QueueLength)
}
