package sync

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localtasks/internal/domain"
	"localtasks/internal/queue"
	"localtasks/internal/remote"
	"localtasks/internal/store"
	"localtasks/internal/tasks"
)

type fakeTransport struct {
	mu      stdsync.Mutex
	pingErr error
	respond func(remote.BatchRequest) (remote.BatchResponse, error)
	batches []remote.BatchRequest
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) SubmitBatch(_ context.Context, req remote.BatchRequest) (remote.BatchResponse, error) {
	f.mu.Lock()
	f.batches = append(f.batches, req)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return ackAll(req, remote.StatusSuccess), nil
	}
	return respond(req)
}

func (f *fakeTransport) submitted() []remote.BatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.BatchRequest(nil), f.batches...)
}

func ackAll(req remote.BatchRequest, status string) remote.BatchResponse {
	var resp remote.BatchResponse
	for _, it := range req.Items {
		p := remote.ProcessedItem{ClientID: it.ID, Status: status}
		switch status {
		case remote.StatusSuccess:
			p.ServerID = "srv_" + it.TaskID
		case remote.StatusError:
			p.Error = "validation failed"
		}
		resp.ProcessedItems = append(resp.ProcessedItems, p)
	}
	return resp
}

type fakeSink struct {
	mu     stdsync.Mutex
	pushed []domain.QueueItem
}

func (s *fakeSink) Push(_ context.Context, it domain.QueueItem, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, it)
	return nil
}

type countingMetrics struct {
	nopMetrics
	poisoned  int
	conflicts map[string]int
}

func (m *countingMetrics) ObservePoisoned() { m.poisoned++ }
func (m *countingMetrics) ObserveConflict(w string) {
	if m.conflicts == nil {
		m.conflicts = map[string]int{}
	}
	m.conflicts[w]++
}

type harness struct {
	queue     queue.Repository
	tasks     *tasks.Repository
	transport *fakeTransport
	sink      *fakeSink
	metrics   *countingMetrics
	engine    *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := queue.NewSQLiteRepo(db)
	outbox := NewOutbox(q)
	h := &harness{
		queue:     q,
		tasks:     tasks.NewRepository(db, outbox),
		transport: &fakeTransport{},
		sink:      &fakeSink{},
		metrics:   &countingMetrics{},
	}
	h.engine = NewEngine(EngineConfig{
		Config:     cfg,
		Queue:      q,
		Outbox:     outbox,
		Tasks:      h.tasks,
		Transport:  h.transport,
		DeadLetter: h.sink,
		Metrics:    h.metrics,
	})
	return h
}

func (h *harness) createTasks(t *testing.T, titles ...string) []domain.Task {
	t.Helper()
	var out []domain.Task
	for _, title := range titles {
		task, err := h.tasks.Create(context.Background(), tasks.CreateInput{Title: title})
		require.NoError(t, err)
		out = append(out, task)
	}
	return out
}

func (h *harness) eligible(t *testing.T) []domain.QueueItem {
	t.Helper()
	items, err := h.queue.ListEligible(context.Background(), h.engine.Config().MaxRetries)
	require.NoError(t, err)
	return items
}

func TestRunCycleOfflineLeavesOutboxUntouched(t *testing.T) {
	h := newHarness(t, Config{})
	h.createTasks(t, "a", "b")
	h.transport.pingErr = errors.New("connection refused")
	before := h.eligible(t)
	require.Len(t, before, 2)

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Offline)
	assert.Zero(t, res.SyncedItems)
	assert.Zero(t, res.FailedItems)
	assert.Empty(t, h.transport.submitted())
	after := h.eligible(t)
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Zero(t, after[i].RetryCount)
		assert.Nil(t, after[i].LastError)
	}

	_, err = h.engine.Trigger(context.Background())
	assert.Equal(t, KindOffline, KindOf(err))
}

func TestRunCycleEmptyOutbox(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.SyncedItems)
	assert.Empty(t, res.Errors)
	assert.Empty(t, h.transport.submitted())
}

func TestRunCycleAllSucceed(t *testing.T) {
	h := newHarness(t, Config{})
	created := h.createTasks(t, "a", "b", "c")
	ctx := context.Background()

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.SyncedItems)
	assert.Zero(t, res.FailedItems)
	assert.Empty(t, res.Errors)
	assert.Empty(t, h.eligible(t))

	for _, c := range created {
		got, err := h.tasks.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncSynced, got.SyncStatus)
		require.NotNil(t, got.ServerID)
		assert.Equal(t, "srv_"+c.ID, *got.ServerID)
		assert.NotNil(t, got.LastSyncedAt)
	}

	_, ok, err := h.queue.GetMeta(ctx, queue.MetaLastSync)
	require.NoError(t, err)
	assert.True(t, ok)

	title := "b2"
	_, err = h.tasks.Update(ctx, created[1].ID, tasks.Patch{Title: &title})
	require.NoError(t, err)
	require.NoError(t, h.tasks.Delete(ctx, created[2].ID))
	fresh := h.createTasks(t, "d")[0]

	res, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.SyncedItems)
	assert.Empty(t, h.eligible(t))

	batches := h.transport.submitted()
	require.Len(t, batches, 2)
	ops := map[string]domain.Operation{}
	for _, it := range batches[1].Items {
		ops[it.TaskID] = it.Operation
	}
	assert.Equal(t, map[string]domain.Operation{
		created[1].ID: domain.OpUpdate,
		created[2].ID: domain.OpDelete,
		fresh.ID:      domain.OpCreate,
	}, ops)

	for _, id := range []string{created[1].ID, created[2].ID, fresh.ID} {
		got, err := h.tasks.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncSynced, got.SyncStatus)
	}
	deleted, err := h.tasks.Get(ctx, created[2].ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
}

func TestRunCycleBatchesInQueueOrder(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	h.createTasks(t, "1", "2", "3", "4", "5")
	want := h.eligible(t)

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.SyncedItems)

	batches := h.transport.submitted()
	require.Len(t, batches, 3)
	var sizes []int
	var ids []string
	for _, b := range batches {
		sizes = append(sizes, len(b.Items))
		for _, it := range b.Items {
			ids = append(ids, it.ID)
			assert.NotEmpty(t, it.Data)
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	var wantIDs []string
	for _, it := range want {
		wantIDs = append(wantIDs, it.ID)
	}
	assert.Equal(t, wantIDs, ids)
}

func TestRunCycleTransportErrorFailsWholeBatch(t *testing.T) {
	h := newHarness(t, Config{})
	h.createTasks(t, "1", "2", "3", "4", "5")
	h.transport.respond = func(remote.BatchRequest) (remote.BatchResponse, error) {
		return remote.BatchResponse{}, errors.New("HTTP 502 error: bad gateway")
	}

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, res.SyncedItems)
	assert.Equal(t, 5, res.FailedItems)
	require.Len(t, res.Errors, 5)
	for _, e := range res.Errors {
		assert.Equal(t, KindTransport, e.Kind)
		assert.NotEmpty(t, e.TaskID)
	}

	items := h.eligible(t)
	require.Len(t, items, 5)
	for _, it := range items {
		assert.Equal(t, 1, it.RetryCount)
		require.NotNil(t, it.LastError)
		assert.Contains(t, *it.LastError, "bad gateway")
	}
}

func TestRunCycleRejectedItem(t *testing.T) {
	h := newHarness(t, Config{})
	task := h.createTasks(t, "a")[0]
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		return ackAll(req, remote.StatusError), nil
	}

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedItems)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindRejected, res.Errors[0].Kind)
	assert.Equal(t, task.ID, res.Errors[0].TaskID)

	items := h.eligible(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	require.NotNil(t, items[0].LastError)
	assert.Contains(t, *items[0].LastError, "validation failed")
}

func TestRunCycleUnacknowledgedItem(t *testing.T) {
	h := newHarness(t, Config{})
	h.createTasks(t, "a", "b")
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		resp := ackAll(req, remote.StatusSuccess)
		resp.ProcessedItems = resp.ProcessedItems[:1]
		return resp, nil
	}

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedItems)
	assert.Equal(t, 1, res.FailedItems)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindUnacknowledged, res.Errors[0].Kind)

	items := h.eligible(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

func conflictWith(snap *domain.TaskSnapshot) func(remote.BatchRequest) (remote.BatchResponse, error) {
	return func(req remote.BatchRequest) (remote.BatchResponse, error) {
		var resp remote.BatchResponse
		for _, it := range req.Items {
			resp.ProcessedItems = append(resp.ProcessedItems, remote.ProcessedItem{
				ClientID:     it.ID,
				Status:       remote.StatusConflict,
				ResolvedData: snap,
				ServerID:     "srv_conflict",
			})
		}
		return resp, nil
	}
}

func TestConflictRemoteWins(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.createTasks(t, "local title")[0]

	srv := &domain.TaskSnapshot{
		ID:          "srv_conflict",
		Title:       "server title",
		Description: "server desc",
		Completed:   true,
		UpdatedAt:   task.UpdatedAt.Add(time.Hour),
	}
	h.transport.respond = conflictWith(srv)

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SyncedItems)
	assert.Zero(t, res.FailedItems)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, RemoteWins, res.Conflicts[0].Winner)
	assert.Equal(t, 1, h.metrics.conflicts["remote"])

	got, err := h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "server title", got.Title)
	assert.Equal(t, "server desc", got.Description)
	assert.True(t, got.Completed)
	assert.True(t, got.UpdatedAt.Equal(srv.UpdatedAt))
	assert.Equal(t, domain.SyncSynced, got.SyncStatus)
	require.NotNil(t, got.ServerID)
	assert.Equal(t, "srv_conflict", *got.ServerID)

	assert.Empty(t, h.eligible(t), "remote overwrite must not enqueue")
}

func TestConflictLocalWinsRequeues(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.createTasks(t, "local title")[0]
	original := h.eligible(t)[0]

	h.transport.respond = conflictWith(&domain.TaskSnapshot{
		Title:     "stale server title",
		UpdatedAt: task.UpdatedAt.Add(-time.Hour),
	})

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.SyncedItems)
	assert.Equal(t, 1, res.FailedItems)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindConflictRetry, res.Errors[0].Kind)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, LocalWins, res.Conflicts[0].Winner)

	got, err := h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "local title", got.Title)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)

	items := h.eligible(t)
	require.Len(t, items, 2)
	assert.Equal(t, original.ID, items[0].ID, "original stays queued")
	assert.Zero(t, items[0].RetryCount)
	assert.Equal(t, domain.OpUpdate, items[1].Operation)
	assert.Equal(t, task.ID, items[1].TaskID)
	assert.Zero(t, items[1].RetryCount)

	// Another local win does not pile up more updates.
	res, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedItems)
	assert.Len(t, h.eligible(t), 2)

	h.transport.respond = nil
	res, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SyncedItems)
	assert.Empty(t, h.eligible(t))
	got, err = h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, got.SyncStatus)
}

func TestConflictTieKeepsLocal(t *testing.T) {
	h := newHarness(t, Config{})
	task := h.createTasks(t, "local")[0]
	h.transport.respond = conflictWith(&domain.TaskSnapshot{Title: "server", UpdatedAt: task.UpdatedAt})

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, LocalWins, res.Conflicts[0].Winner)

	got, err := h.tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "local", got.Title)
}

func TestConflictWithoutServerData(t *testing.T) {
	h := newHarness(t, Config{})
	h.createTasks(t, "a")
	h.transport.respond = conflictWith(nil)

	res, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedItems)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindConflictMissingData, res.Errors[0].Kind)
	assert.Empty(t, res.Conflicts)

	items := h.eligible(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestItemIsPoisonedAtRetryCeiling(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	ctx := context.Background()
	task := h.createTasks(t, "a")[0]
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		return ackAll(req, remote.StatusError), nil
	}

	for i := 1; i <= 3; i++ {
		res, err := h.engine.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.FailedItems)
		if i < 3 {
			assert.Zero(t, res.PoisonedItems)
		} else {
			assert.Equal(t, 1, res.PoisonedItems)
		}
	}

	got, err := h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncError, got.SyncStatus)

	poisoned, err := h.engine.Poisoned(ctx)
	require.NoError(t, err)
	require.Len(t, poisoned, 1)
	assert.Equal(t, 3, poisoned[0].RetryCount)
	assert.Len(t, h.sink.pushed, 1)
	assert.Equal(t, 1, h.metrics.poisoned)

	calls := len(h.transport.submitted())
	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.FailedItems)
	assert.Len(t, h.transport.submitted(), calls, "poisoned items are never sent again")
}

func TestRetryAndClearPoisoned(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	ctx := context.Background()
	created := h.createTasks(t, "a", "b")
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		return ackAll(req, remote.StatusError), nil
	}

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	poisoned, err := h.engine.Poisoned(ctx)
	require.NoError(t, err)
	require.Len(t, poisoned, 2)

	byTask := map[string]domain.QueueItem{}
	for _, it := range poisoned {
		byTask[it.TaskID] = it
	}

	require.NoError(t, h.engine.RetryPoisoned(ctx, byTask[created[0].ID].ID))
	got, err := h.tasks.Get(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
	assert.Len(t, h.eligible(t), 1)

	require.NoError(t, h.engine.ClearPoisoned(ctx, byTask[created[1].ID].ID))
	got, err = h.tasks.Get(ctx, created[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncError, got.SyncStatus)

	poisoned, err = h.engine.Poisoned(ctx)
	require.NoError(t, err)
	assert.Empty(t, poisoned)

	eligibleID := h.eligible(t)[0].ID
	assert.ErrorIs(t, h.engine.RetryPoisoned(ctx, eligibleID), ErrNotPoisoned)
	assert.ErrorIs(t, h.engine.ClearPoisoned(ctx, eligibleID), ErrNotPoisoned)
	assert.ErrorIs(t, h.engine.ClearPoisoned(ctx, "qi_missing"), queue.ErrNotFound)
}

func TestPoisonedTaskStaysErrorAfterLaterSuccess(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	ctx := context.Background()
	task := h.createTasks(t, "a")[0]
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		return ackAll(req, remote.StatusError), nil
	}

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	got, err := h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncError, got.SyncStatus)

	title := "edited"
	updated, err := h.tasks.Update(ctx, task.ID, tasks.Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncError, updated.SyncStatus)

	h.transport.respond = nil
	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedItems)

	got, err = h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncError, got.SyncStatus)
	assert.NotNil(t, got.LastSyncedAt)
	poisoned, err := h.engine.Poisoned(ctx)
	require.NoError(t, err)
	assert.Len(t, poisoned, 1)
}

func TestRetryPoisonedKeepsErrorWhileAnotherItemIsPoisoned(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	ctx := context.Background()
	task := h.createTasks(t, "a")[0]
	title := "b"
	_, err := h.tasks.Update(ctx, task.ID, tasks.Patch{Title: &title})
	require.NoError(t, err)
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		return ackAll(req, remote.StatusError), nil
	}

	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	poisoned, err := h.engine.Poisoned(ctx)
	require.NoError(t, err)
	require.Len(t, poisoned, 2)

	require.NoError(t, h.engine.RetryPoisoned(ctx, poisoned[1].ID))
	got, err := h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncError, got.SyncStatus)

	require.NoError(t, h.engine.RetryPoisoned(ctx, poisoned[0].ID))
	got, err = h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
}

func TestFailedItemKeepsTaskPending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.createTasks(t, "a")[0]
	title := "b"
	_, err := h.tasks.Update(ctx, task.ID, tasks.Patch{Title: &title})
	require.NoError(t, err)
	create := h.eligible(t)[0]
	require.Equal(t, domain.OpCreate, create.Operation)

	// the create is rejected, the update in the same batch accepted
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		resp := ackAll(req, remote.StatusSuccess)
		for i := range resp.ProcessedItems {
			if resp.ProcessedItems[i].ClientID == create.ID {
				resp.ProcessedItems[i] = remote.ProcessedItem{ClientID: create.ID, Status: remote.StatusError, Error: "duplicate"}
			}
		}
		return resp, nil
	}

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedItems)
	assert.Equal(t, 1, res.FailedItems)

	got, err := h.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
	remaining := h.eligible(t)
	require.Len(t, remaining, 1)
	assert.Equal(t, create.ID, remaining[0].ID)
}

func TestFailedItemHoldsBackLaterBatches(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1})
	ctx := context.Background()
	created := h.createTasks(t, "a", "b", "c")
	task, other := created[0], created[2]
	title := "a2"
	_, err := h.tasks.Update(ctx, task.ID, tasks.Patch{Title: &title})
	require.NoError(t, err)

	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		if req.Items[0].TaskID == task.ID {
			return ackAll(req, remote.StatusError), nil
		}
		return ackAll(req, remote.StatusSuccess), nil
	}

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedItems)
	assert.Equal(t, 2, res.SyncedItems)
	assert.Equal(t, 1, res.HeldItems)

	for _, b := range h.transport.submitted() {
		if b.Items[0].TaskID == task.ID {
			assert.Equal(t, domain.OpCreate, b.Items[0].Operation, "update must wait behind the failed create")
		}
	}
	got, err := h.tasks.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, got.SyncStatus)

	items := h.eligible(t)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Zero(t, items[1].RetryCount, "held items take no retry penalty")
}

func TestConcurrentCycleIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.createTasks(t, "a")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		close(entered)
		<-release
		return ackAll(req, remote.StatusSuccess), nil
	}

	done := make(chan Result, 1)
	go func() {
		res, _ := h.engine.RunCycle(context.Background())
		done <- res
	}()

	<-entered
	_, err := h.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.ErrorIs(t, h.engine.RetryPoisoned(context.Background(), "qi_x"), ErrCycleInProgress)

	close(release)
	res := <-done
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SyncedItems)
}

func TestCanceledContextStopsBeforeNextBatch(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1})
	h.createTasks(t, "a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.transport.respond = func(req remote.BatchRequest) (remote.BatchResponse, error) {
		cancel()
		return ackAll(req, remote.StatusSuccess), nil
	}

	res, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.SyncedItems)
	assert.Len(t, h.transport.submitted(), 1)
	assert.Len(t, h.eligible(t), 2)
}
