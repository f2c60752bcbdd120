package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"localtasks/internal/domain"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrInvalid  = errors.New("invalid task")
)

// Outbox records a pending mutation for later delivery to the remote authority.
type Outbox interface {
	Enqueue(ctx context.Context, taskID string, op domain.Operation, snap domain.TaskSnapshot) (string, error)
}

type CreateInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

type Patch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
}

type Repository struct {
	db     *sql.DB
	outbox Outbox
	now    func() time.Time
}

func NewRepository(db *sql.DB, outbox Outbox) *Repository {
	return &Repository{db: db, outbox: outbox, now: func() time.Time { return time.Now().UTC() }}
}

const selectCols = `SELECT id,server_id,title,description,completed,is_deleted,created_at,updated_at,sync_status,last_synced_at FROM tasks`

func (r *Repository) Create(ctx context.Context, in CreateInput) (domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	now := r.now()
	t := domain.Task{
		ID:          "tsk_" + uuid.NewString(),
		Title:       title,
		Description: in.Description,
		Completed:   in.Completed,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncStatus:  domain.SyncPending,
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,title,description,completed,is_deleted,created_at,updated_at,sync_status)
VALUES (?,?,?,?,0,?,?,'pending')`, t.ID, t.Title, t.Description, t.Completed, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := r.outbox.Enqueue(ctx, t.ID, domain.OpCreate, t.Snapshot()); err != nil {
		return domain.Task{}, fmt.Errorf("enqueue create: %w", err)
	}
	return t, nil
}

// Get returns the task row, including soft-deleted ones.
func (r *Repository) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, selectCols+` WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *Repository) List(ctx context.Context, includeDeleted bool) ([]domain.Task, error) {
	q := selectCols + ` WHERE is_deleted = 0 ORDER BY created_at DESC`
	if includeDeleted {
		q = selectCols + ` ORDER BY created_at DESC`
	}
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) Update(ctx context.Context, id string, p Patch) (domain.Task, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.IsDeleted {
		return domain.Task{}, ErrNotFound
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return domain.Task{}, fmt.Errorf("%w: title cannot be empty", ErrInvalid)
		}
		t.Title = title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	t.UpdatedAt = r.nextUpdatedAt(t.UpdatedAt)
	t.SyncStatus = pendingUnlessError(t.SyncStatus)

	_, err = r.db.ExecContext(ctx, `
UPDATE tasks SET title=?,description=?,completed=?,updated_at=?,sync_status=`+keepErrorStatus+` WHERE id=?`,
		t.Title, t.Description, t.Completed, t.UpdatedAt, t.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if _, err := r.outbox.Enqueue(ctx, t.ID, domain.OpUpdate, t.Snapshot()); err != nil {
		return domain.Task{}, fmt.Errorf("enqueue update: %w", err)
	}
	return t, nil
}

// Delete soft-deletes the task; the row stays so the deletion can be synced.
func (r *Repository) Delete(ctx context.Context, id string) error {
	t, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.IsDeleted {
		return ErrNotFound
	}
	t.IsDeleted = true
	t.UpdatedAt = r.nextUpdatedAt(t.UpdatedAt)

	_, err = r.db.ExecContext(ctx, `
UPDATE tasks SET is_deleted=1,updated_at=?,sync_status=`+keepErrorStatus+` WHERE id=?`, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if _, err := r.outbox.Enqueue(ctx, t.ID, domain.OpDelete, t.Snapshot()); err != nil {
		return fmt.Errorf("enqueue delete: %w", err)
	}
	return nil
}

// OverwriteFromRemote replaces the user-content fields with the server copy
// and records the sync with the given status. It never enqueues.
func (r *Repository) OverwriteFromRemote(ctx context.Context, id string, snap domain.TaskSnapshot, serverID string, at time.Time, status domain.SyncStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET title=?, description=?, completed=?, is_deleted=?, updated_at=?,
    server_id=COALESCE(NULLIF(?, ''), server_id),
    sync_status=?, last_synced_at=?
WHERE id=?`, snap.Title, snap.Description, snap.Completed, snap.IsDeleted, snap.UpdatedAt.UTC(), serverID, string(status), at, id)
	if err != nil {
		return fmt.Errorf("overwrite task: %w", err)
	}
	return requireOne(res)
}

// RecordSync stores a confirmed sync. An empty serverID keeps the stored one.
// status is what the task falls back to given its remaining outbox items.
func (r *Repository) RecordSync(ctx context.Context, id, serverID string, at time.Time, status domain.SyncStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET sync_status=?, server_id=COALESCE(NULLIF(?, ''), server_id), last_synced_at=? WHERE id=?`,
		string(status), serverID, at, id)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return requireOne(res)
}

func (r *Repository) SetSyncStatus(ctx context.Context, id string, s domain.SyncStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET sync_status=? WHERE id=?`, string(s), id)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	return requireOne(res)
}

// A local edit never clears error; only the sync engine does, once the
// failed item is retried or gone.
const keepErrorStatus = `CASE WHEN sync_status='error' THEN 'error' ELSE 'pending' END`

func pendingUnlessError(s domain.SyncStatus) domain.SyncStatus {
	if s == domain.SyncError {
		return s
	}
	return domain.SyncPending
}

// nextUpdatedAt keeps updated_at strictly increasing across local mutations.
func (r *Repository) nextUpdatedAt(prev time.Time) time.Time {
	now := r.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var serverID sql.NullString
	var status string
	var lastSynced sql.NullTime
	if err := s.Scan(&t.ID, &serverID, &t.Title, &t.Description, &t.Completed, &t.IsDeleted,
		&t.CreatedAt, &t.UpdatedAt, &status, &lastSynced); err != nil {
		return domain.Task{}, err
	}
	if serverID.Valid {
		v := serverID.String
		t.ServerID = &v
	}
	t.SyncStatus = domain.SyncStatus(status)
	if lastSynced.Valid {
		v := lastSynced.Time
		t.LastSyncedAt = &v
	}
	return t, nil
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
