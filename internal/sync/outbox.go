package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"localtasks/internal/domain"
	"localtasks/internal/queue"
)

// Outbox appends queue items. The task repository holds one to record its
// mutations; the engine uses the same one to re-queue local winners.
type Outbox struct {
	queue queue.Repository
	now   func() time.Time
}

func NewOutbox(q queue.Repository) *Outbox {
	return &Outbox{queue: q, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue is a single insert; it never touches task rows.
func (o *Outbox) Enqueue(ctx context.Context, taskID string, op domain.Operation, snap domain.TaskSnapshot) (string, error) {
	if taskID == "" {
		return "", fmt.Errorf("enqueue: task id is required")
	}
	if !op.Valid() {
		return "", fmt.Errorf("enqueue: unknown operation %q", op)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return o.queue.Insert(ctx, domain.QueueItem{
		TaskID:    taskID,
		Operation: op,
		Data:      data,
		CreatedAt: o.now(),
	})
}
