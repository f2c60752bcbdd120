package sync

import (
	"context"
	"fmt"
	"time"

	"localtasks/internal/queue"
)

type Status struct {
	PendingCount      int        `json:"pending_count"`
	PoisonedCount     int        `json:"poisoned_count"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp"`
	Online            bool       `json:"online"`
	NextScheduledSync *time.Time `json:"next_scheduled_sync,omitempty"`
}

// Reporter derives Status from the store and a live probe; it holds no engine state.
type Reporter struct {
	queue      queue.Repository
	transport  Transport
	maxRetries int
	nextRun    func() time.Time
}

func NewReporter(q queue.Repository, t Transport, maxRetries int) *Reporter {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Reporter{queue: q, transport: t, maxRetries: maxRetries}
}

// WithSchedule attaches the source of the next scheduled cycle time.
func (r *Reporter) WithSchedule(next func() time.Time) *Reporter {
	r.nextRun = next
	return r
}

func (r *Reporter) Status(ctx context.Context) (Status, error) {
	var st Status

	pending, err := r.queue.CountEligible(ctx, r.maxRetries)
	if err != nil {
		return st, fmt.Errorf("count pending: %w", err)
	}
	st.PendingCount = pending

	poisoned, err := r.queue.ListPoisoned(ctx, r.maxRetries)
	if err != nil {
		return st, fmt.Errorf("list poisoned: %w", err)
	}
	st.PoisonedCount = len(poisoned)

	raw, ok, err := r.queue.GetMeta(ctx, queue.MetaLastSync)
	if err != nil {
		return st, fmt.Errorf("read last sync: %w", err)
	}
	if ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			st.LastSyncTimestamp = &ts
		}
	}

	st.Online = r.transport.Ping(ctx) == nil

	if r.nextRun != nil {
		if next := r.nextRun(); !next.IsZero() {
			st.NextScheduledSync = &next
		}
	}
	return st, nil
}
