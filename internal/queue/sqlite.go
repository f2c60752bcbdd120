package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"localtasks/internal/domain"
)

var ErrNotFound = errors.New("queue item not found")

// MetaLastSync is the metadata key holding the last sync attempt time (RFC3339Nano).
const MetaLastSync = "last_sync_timestamp"

// Repository persists the outbox and the sync metadata table.
type Repository interface {
	Insert(ctx context.Context, it domain.QueueItem) (string, error)
	Get(ctx context.Context, id string) (domain.QueueItem, error)
	ListEligible(ctx context.Context, maxRetries int) ([]domain.QueueItem, error)
	ListPoisoned(ctx context.Context, maxRetries int) ([]domain.QueueItem, error)
	ListForTask(ctx context.Context, taskID string) ([]domain.QueueItem, error)
	CountEligible(ctx context.Context, maxRetries int) (int, error)
	RecordFailure(ctx context.Context, id, errMsg string, at time.Time) (int, error)
	ResetRetries(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const selectCols = `SELECT id,task_id,operation,data,created_at,updated_at,retry_count,last_error FROM sync_queue`

func (r *sqliteRepo) Insert(ctx context.Context, it domain.QueueItem) (string, error) {
	id := it.ID
	if id == "" {
		id = "qi_" + uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	data := string(it.Data)
	if data == "" {
		data = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sync_queue (id,task_id,operation,data,created_at,updated_at,retry_count,last_error)
VALUES (?,?,?,?,?,?,?,?)
`, id, it.TaskID, string(it.Operation), data, it.CreatedAt, it.UpdatedAt, it.RetryCount, it.LastError)
	if err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	return id, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, selectCols+` WHERE id=?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, ErrNotFound
	}
	return it, err
}

// ListEligible returns items below the retry ceiling, oldest first across all tasks.
func (r *sqliteRepo) ListEligible(ctx context.Context, maxRetries int) ([]domain.QueueItem, error) {
	return r.list(ctx, selectCols+` WHERE retry_count < ? ORDER BY created_at ASC, rowid ASC`, maxRetries)
}

func (r *sqliteRepo) ListPoisoned(ctx context.Context, maxRetries int) ([]domain.QueueItem, error) {
	return r.list(ctx, selectCols+` WHERE retry_count >= ? ORDER BY created_at ASC, rowid ASC`, maxRetries)
}

func (r *sqliteRepo) ListForTask(ctx context.Context, taskID string) ([]domain.QueueItem, error) {
	return r.list(ctx, selectCols+` WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`, taskID)
}

func (r *sqliteRepo) list(ctx context.Context, query string, args ...any) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *sqliteRepo) CountEligible(ctx context.Context, maxRetries int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE retry_count < ?`, maxRetries).Scan(&n)
	return n, err
}

// RecordFailure bumps retry_count by one and returns the new value.
func (r *sqliteRepo) RecordFailure(ctx context.Context, id, errMsg string, at time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
UPDATE sync_queue
SET retry_count = retry_count + 1,
    last_error = ?,
    updated_at = ?
WHERE id = ?
RETURNING retry_count`, errMsg, at, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (r *sqliteRepo) ResetRetries(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sync_queue SET retry_count = 0, last_error = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func (r *sqliteRepo) SetMeta(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sync_metadata (key,value,updated_at) VALUES (?,?,CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`, key, value)
	return err
}

func (r *sqliteRepo) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (domain.QueueItem, error) {
	var it domain.QueueItem
	var op, data string
	var lastErr sql.NullString
	if err := s.Scan(&it.ID, &it.TaskID, &op, &data, &it.CreatedAt, &it.UpdatedAt, &it.RetryCount, &lastErr); err != nil {
		return domain.QueueItem{}, err
	}
	it.Operation = domain.Operation(op)
	it.Data = []byte(data)
	if lastErr.Valid {
		s := lastErr.String
		it.LastError = &s
	}
	return it, nil
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
