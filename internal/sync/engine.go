// Package sync drains the local outbox into the remote authority and
// reconciles the answers back into local task state.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"localtasks/internal/domain"
	"localtasks/internal/queue"
	"localtasks/internal/remote"
)

var ErrNotPoisoned = errors.New("queue item has not reached the retry ceiling")

// Transport is the remote authority as seen by the engine.
type Transport interface {
	Ping(ctx context.Context) error
	SubmitBatch(ctx context.Context, batch remote.BatchRequest) (remote.BatchResponse, error)
}

// LocalOverwrite applies a server copy to a task without enqueueing anything.
type LocalOverwrite interface {
	OverwriteFromRemote(ctx context.Context, id string, snap domain.TaskSnapshot, serverID string, at time.Time, status domain.SyncStatus) error
}

// Tasks is the slice of the task repository the engine relies on.
type Tasks interface {
	LocalOverwrite
	Get(ctx context.Context, id string) (domain.Task, error)
	RecordSync(ctx context.Context, id, serverID string, at time.Time, status domain.SyncStatus) error
	SetSyncStatus(ctx context.Context, id string, s domain.SyncStatus) error
}

// DeadLetterSink receives items that reached the retry ceiling.
type DeadLetterSink interface {
	Push(ctx context.Context, it domain.QueueItem, reason string) error
}

type Metrics interface {
	ObserveCycle(success, offline bool, synced, failed int, d time.Duration)
	ObserveConflict(winner string)
	ObservePoisoned()
	SetPending(n int)
}

type EngineConfig struct {
	Config     Config
	Queue      queue.Repository
	Outbox     *Outbox
	Tasks      Tasks
	Transport  Transport
	DeadLetter DeadLetterSink // optional
	Metrics    Metrics        // optional
	Logger     *zerolog.Logger
}

// Engine runs sync cycles. At most one cycle (or poisoned-item maintenance
// call) runs at a time; concurrent callers get ErrCycleInProgress.
type Engine struct {
	cfg        Config
	queue      queue.Repository
	outbox     *Outbox
	tasks      Tasks
	transport  Transport
	deadLetter DeadLetterSink
	metrics    Metrics
	logger     zerolog.Logger
	now        func() time.Time

	mu stdsync.Mutex
}

func NewEngine(ec EngineConfig) *Engine {
	logger := zerolog.Nop()
	if ec.Logger != nil {
		logger = ec.Logger.With().Str("component", "sync-engine").Logger()
	}
	outbox := ec.Outbox
	if outbox == nil {
		outbox = NewOutbox(ec.Queue)
	}
	var m Metrics = nopMetrics{}
	if ec.Metrics != nil {
		m = ec.Metrics
	}
	return &Engine{
		cfg:        ec.Config.withDefaults(),
		queue:      ec.Queue,
		outbox:     outbox,
		tasks:      ec.Tasks,
		transport:  ec.Transport,
		deadLetter: ec.DeadLetter,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Config() Config { return e.cfg }

// CheckConnectivity reports whether the remote authority answers its health probe.
func (e *Engine) CheckConnectivity(ctx context.Context) bool {
	if err := e.transport.Ping(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("connectivity probe failed")
		return false
	}
	return true
}

// RunCycle drains the outbox once. The returned error is only ever
// ErrCycleInProgress; every other failure is reported in the Result.
func (e *Engine) RunCycle(ctx context.Context) (Result, error) {
	if !e.mu.TryLock() {
		return Result{}, ErrCycleInProgress
	}
	defer e.mu.Unlock()
	return e.cycle(ctx), nil
}

// Trigger is the manual entry point: like RunCycle but an unreachable remote
// is returned as a KindOffline error alongside the (empty) result.
func (e *Engine) Trigger(ctx context.Context) (Result, error) {
	res, err := e.RunCycle(ctx)
	if err != nil {
		return res, err
	}
	if res.Offline {
		return res, newError(KindOffline, "remote authority unreachable", nil)
	}
	return res, nil
}

func (e *Engine) cycle(ctx context.Context) (res Result) {
	start := e.now()
	res = Result{Success: true, StartedAt: start, Errors: []ItemError{}}
	defer func() {
		d := time.Since(start)
		res.DurationMS = d.Milliseconds()
		e.metrics.ObserveCycle(res.Success, res.Offline, res.SyncedItems, res.FailedItems, d)
		if n, err := e.queue.CountEligible(ctx, e.cfg.MaxRetries); err == nil {
			e.metrics.SetPending(n)
		}
	}()

	if !e.CheckConnectivity(ctx) {
		e.logger.Info().Msg("remote unreachable, skipping sync cycle")
		res.Success = false
		res.Offline = true
		return res
	}

	items, err := e.queue.ListEligible(ctx, e.cfg.MaxRetries)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to load outbox")
		res.Success = false
		res.Errors = append(res.Errors, ItemError{
			Kind:      KindStorage,
			Error:     newError(KindStorage, "load outbox", err).Error(),
			Timestamp: e.now(),
		})
		return res
	}
	if len(items) == 0 {
		e.logger.Debug().Msg("outbox empty")
		return res
	}

	batches := Partition(items, e.cfg.BatchSize)
	e.logger.Info().Int("items", len(items)).Int("batches", len(batches)).Msg("sync cycle started")

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			e.logger.Warn().Err(err).Int("remaining_batches", len(batches)-i).Msg("sync cycle interrupted")
			res.Success = false
			break
		}
		e.processBatch(ctx, batch, &res)
	}

	e.logger.Info().
		Bool("success", res.Success).
		Int("synced", res.SyncedItems).
		Int("failed", res.FailedItems).
		Int("poisoned", res.PoisonedItems).
		Int("held", res.HeldItems).
		Msg("sync cycle finished")
	return res
}

func (e *Engine) processBatch(ctx context.Context, batch []domain.QueueItem, res *Result) {
	// A task whose earlier item did not go through keeps its later items
	// back until the next cycle, so the server never sees them out of order.
	send := make([]domain.QueueItem, 0, len(batch))
	for _, it := range batch {
		if res.held[it.TaskID] {
			res.HeldItems++
			continue
		}
		send = append(send, it)
	}
	if len(send) < len(batch) {
		e.logger.Debug().Int("held", len(batch)-len(send)).Msg("holding back items behind failed ones")
	}
	if len(send) == 0 {
		return
	}
	batch = send

	resp, err := e.transport.SubmitBatch(ctx, buildRequest(batch, e.now()))
	// Once the batch has been answered (or failed), local bookkeeping for it
	// runs to completion even if ctx is canceled.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("batch submission failed")
		res.Success = false
		cause := newError(KindTransport, "batch submission failed", err)
		for _, it := range batch {
			e.fail(ctx, it, cause, res)
		}
		return
	}

	byID := make(map[string]remote.ProcessedItem, len(resp.ProcessedItems))
	for _, p := range resp.ProcessedItems {
		byID[p.ClientID] = p
	}

	for _, it := range batch {
		p, ok := byID[it.ID]
		if !ok {
			e.fail(ctx, it, newError(KindUnacknowledged, "no server response for item", nil), res)
			continue
		}
		e.apply(ctx, it, p, res)
		e.touchLastSync(ctx)
	}
}

func (e *Engine) apply(ctx context.Context, it domain.QueueItem, p remote.ProcessedItem, res *Result) {
	switch p.Status {
	case remote.StatusSuccess:
		status, err := e.taskStatus(ctx, it.TaskID, it.ID)
		if err != nil {
			e.storageFailure(it, "derive task status", err, res)
			return
		}
		if err := e.tasks.RecordSync(ctx, it.TaskID, p.ServerID, e.now(), status); err != nil {
			e.storageFailure(it, "record task sync", err, res)
			return
		}
		if err := e.queue.Delete(ctx, it.ID); err != nil {
			e.storageFailure(it, "remove synced item", err, res)
			return
		}
		res.SyncedItems++
	case remote.StatusConflict:
		e.resolveConflict(ctx, it, p, res)
	default:
		msg := p.Error
		if msg == "" {
			msg = fmt.Sprintf("server returned status %q", p.Status)
		}
		e.fail(ctx, it, newError(KindRejected, msg, nil), res)
	}
}

func (e *Engine) resolveConflict(ctx context.Context, it domain.QueueItem, p remote.ProcessedItem, res *Result) {
	if p.ResolvedData == nil {
		e.fail(ctx, it, newError(KindConflictMissingData, "conflict response carried no server data", nil), res)
		return
	}
	local, err := e.tasks.Get(ctx, it.TaskID)
	if err != nil {
		e.fail(ctx, it, newError(KindConflictMissingData, "local task unavailable for conflict resolution", err), res)
		return
	}

	srv := *p.ResolvedData
	winner := Resolve(local, srv)
	res.Conflicts = append(res.Conflicts, ConflictRecord{
		TaskID:          it.TaskID,
		QueueItemID:     it.ID,
		Winner:          winner,
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: srv.UpdatedAt,
	})
	e.metrics.ObserveConflict(string(winner))
	e.logger.Info().
		Str("task_id", local.ID).
		Str("server_id", p.ServerID).
		Str("remote_id", srv.ID).
		Time("local_updated_at", local.UpdatedAt).
		Time("remote_updated_at", srv.UpdatedAt).
		Str("winner", string(winner)).
		Msg("conflict resolved")

	if winner == LocalWins {
		e.keepLocal(ctx, it, local, res)
		return
	}

	status, err := e.taskStatus(ctx, it.TaskID, it.ID)
	if err != nil {
		e.storageFailure(it, "derive task status", err, res)
		return
	}
	if err := e.tasks.OverwriteFromRemote(ctx, it.TaskID, srv, p.ServerID, e.now(), status); err != nil {
		e.storageFailure(it, "apply server version", err, res)
		return
	}
	if err := e.queue.Delete(ctx, it.ID); err != nil {
		e.storageFailure(it, "remove resolved item", err, res)
		return
	}
	res.SyncedItems++
}

// keepLocal handles a conflict the local copy won. The original item stays
// queued with its retry count untouched and the current local snapshot is
// queued as an update behind it.
func (e *Engine) keepLocal(ctx context.Context, it domain.QueueItem, local domain.Task, res *Result) {
	res.FailedItems++
	res.hold(it.TaskID)

	newID, err := e.requeueLocal(ctx, it, local)
	if err != nil {
		res.Success = false
		e.logger.Error().Err(err).Str("queue_item_id", it.ID).Msg("failed to re-queue local version")
		res.addError(it, newError(KindStorage, "re-queue local winner", err), e.now())
		return
	}
	res.addError(it, newError(KindConflictRetry, "local version is newer; queued as "+newID, nil), e.now())

	status, err := e.taskStatus(ctx, it.TaskID, "")
	if err == nil {
		err = e.tasks.SetSyncStatus(ctx, it.TaskID, status)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", it.TaskID).Msg("failed to update task status")
	}
}

// requeueLocal enqueues the local snapshot unless another queued item for
// the task already carries it.
func (e *Engine) requeueLocal(ctx context.Context, it domain.QueueItem, local domain.Task) (string, error) {
	items, err := e.queue.ListForTask(ctx, local.ID)
	if err != nil {
		return "", err
	}
	for _, q := range items {
		if q.ID == it.ID || q.RetryCount >= e.cfg.MaxRetries {
			continue
		}
		var snap domain.TaskSnapshot
		if json.Unmarshal(q.Data, &snap) == nil && snap.UpdatedAt.Equal(local.UpdatedAt) {
			return q.ID, nil
		}
	}
	return e.outbox.Enqueue(ctx, local.ID, domain.OpUpdate, local.Snapshot())
}

// taskStatus derives a task's sync status from the outbox items still
// referencing it, ignoring skip: any poisoned item means error, any other
// item means pending, none means synced.
func (e *Engine) taskStatus(ctx context.Context, taskID, skip string) (domain.SyncStatus, error) {
	items, err := e.queue.ListForTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	status := domain.SyncSynced
	for _, it := range items {
		if it.ID == skip {
			continue
		}
		if it.RetryCount >= e.cfg.MaxRetries {
			return domain.SyncError, nil
		}
		status = domain.SyncPending
	}
	return status, nil
}

// fail counts the item as failed, records why and applies retry accounting.
func (e *Engine) fail(ctx context.Context, it domain.QueueItem, cause *Error, res *Result) {
	res.FailedItems++
	res.hold(it.TaskID)
	res.addError(it, cause, e.now())

	poisoned, err := e.RecordFailure(ctx, it, cause)
	if err != nil {
		e.logger.Error().Err(err).Str("queue_item_id", it.ID).Msg("failed to record item failure")
		res.Success = false
		res.addError(it, newError(KindStorage, "record failure", err), e.now())
		return
	}
	if poisoned {
		res.PoisonedItems++
	}
}

func (e *Engine) storageFailure(it domain.QueueItem, what string, err error, res *Result) {
	e.logger.Error().Err(err).Str("queue_item_id", it.ID).Str("task_id", it.TaskID).Msg(what)
	res.Success = false
	res.FailedItems++
	res.hold(it.TaskID)
	res.addError(it, newError(KindStorage, what, err), e.now())
}

// RecordFailure bumps the item's retry count by one and stores the reason.
// Reaching the ceiling moves the task to the error status; the item itself
// stays in the outbox and is skipped by later cycles.
func (e *Engine) RecordFailure(ctx context.Context, it domain.QueueItem, cause error) (bool, error) {
	n, err := e.queue.RecordFailure(ctx, it.ID, cause.Error(), e.now())
	if err != nil {
		return false, fmt.Errorf("record failure for %s: %w", it.ID, err)
	}
	if n < e.cfg.MaxRetries {
		return false, nil
	}

	e.logger.Warn().
		Str("queue_item_id", it.ID).
		Str("task_id", it.TaskID).
		Str("operation", string(it.Operation)).
		Int("retry_count", n).
		Str("error", cause.Error()).
		Msg("queue item reached retry ceiling")
	e.metrics.ObservePoisoned()

	if err := e.tasks.SetSyncStatus(ctx, it.TaskID, domain.SyncError); err != nil {
		return true, fmt.Errorf("mark task %s error: %w", it.TaskID, err)
	}
	if e.deadLetter != nil {
		it.RetryCount = n
		if err := e.deadLetter.Push(ctx, it, cause.Error()); err != nil {
			e.logger.Warn().Err(err).Str("queue_item_id", it.ID).Msg("dead letter push failed")
		}
	}
	return true, nil
}

// touchLastSync is advisory; failures are logged and ignored.
func (e *Engine) touchLastSync(ctx context.Context) {
	if err := e.queue.SetMeta(ctx, queue.MetaLastSync, e.now().Format(time.RFC3339Nano)); err != nil {
		e.logger.Debug().Err(err).Msg("failed to record last sync timestamp")
	}
}

// Poisoned lists the items that reached the retry ceiling.
func (e *Engine) Poisoned(ctx context.Context) ([]domain.QueueItem, error) {
	return e.queue.ListPoisoned(ctx, e.cfg.MaxRetries)
}

// RetryPoisoned resets a poisoned item's retry count. The task goes back to
// pending unless it still has another poisoned item.
func (e *Engine) RetryPoisoned(ctx context.Context, id string) error {
	if !e.mu.TryLock() {
		return ErrCycleInProgress
	}
	defer e.mu.Unlock()

	it, err := e.poisonedItem(ctx, id)
	if err != nil {
		return err
	}
	if err := e.queue.ResetRetries(ctx, it.ID); err != nil {
		return fmt.Errorf("reset retries: %w", err)
	}
	status, err := e.taskStatus(ctx, it.TaskID, "")
	if err != nil {
		return fmt.Errorf("derive task status: %w", err)
	}
	return e.tasks.SetSyncStatus(ctx, it.TaskID, status)
}

// ClearPoisoned removes a poisoned item for good. The task keeps its status.
func (e *Engine) ClearPoisoned(ctx context.Context, id string) error {
	if !e.mu.TryLock() {
		return ErrCycleInProgress
	}
	defer e.mu.Unlock()

	it, err := e.poisonedItem(ctx, id)
	if err != nil {
		return err
	}
	return e.queue.Delete(ctx, it.ID)
}

func (e *Engine) poisonedItem(ctx context.Context, id string) (domain.QueueItem, error) {
	it, err := e.queue.Get(ctx, id)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if it.RetryCount < e.cfg.MaxRetries {
		return domain.QueueItem{}, ErrNotPoisoned
	}
	return it, nil
}

type nopMetrics struct{}

func (nopMetrics) ObserveCycle(bool, bool, int, int, time.Duration) {}
func (nopMetrics) ObserveConflict(string)                          {}
func (nopMetrics) ObservePoisoned()                                {}
func (nopMetrics) SetPending(int)                                  {}
