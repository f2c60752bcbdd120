package sync

import (
	"time"

	"localtasks/internal/domain"
)

// Result summarizes one sync cycle.
type Result struct {
	Success       bool             `json:"success"`
	Offline       bool             `json:"offline,omitempty"`
	SyncedItems   int              `json:"synced_items"`
	FailedItems   int              `json:"failed_items"`
	PoisonedItems int              `json:"poisoned_items"`
	HeldItems     int              `json:"held_items,omitempty"`
	Errors        []ItemError      `json:"errors"`
	Conflicts     []ConflictRecord `json:"conflicts,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	DurationMS    int64            `json:"duration_ms"`

	// tasks with an item that did not go through this cycle
	held map[string]bool
}

type ItemError struct {
	TaskID      string           `json:"task_id"`
	QueueItemID string           `json:"queue_item_id,omitempty"`
	Operation   domain.Operation `json:"operation"`
	Kind        Kind             `json:"kind"`
	Error       string           `json:"error"`
	Timestamp   time.Time        `json:"timestamp"`
}

type ConflictRecord struct {
	TaskID          string    `json:"task_id"`
	QueueItemID     string    `json:"queue_item_id"`
	Winner          Winner    `json:"winner"`
	LocalUpdatedAt  time.Time `json:"local_updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
}

func (r *Result) addError(it domain.QueueItem, err *Error, at time.Time) {
	r.Errors = append(r.Errors, ItemError{
		TaskID:      it.TaskID,
		QueueItemID: it.ID,
		Operation:   it.Operation,
		Kind:        err.Kind,
		Error:       err.Error(),
		Timestamp:   at,
	})
}

func (r *Result) hold(taskID string) {
	if r.held == nil {
		r.held = map[string]bool{}
	}
	r.held[taskID] = true
}
