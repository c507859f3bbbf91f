package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// InsertApprovalItem enqueues a recommendation for human review and
// notifies listeners on the approvals channel. The notification is
// best-effort: a failed NOTIFY never fails the insert.
func (db *DB) InsertApprovalItem(ctx context.Context, item model.ApprovalQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = model.ApprovalPending
	}
	if item.Priority == "" {
		item.Priority = model.PriorityMedium
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := model.ValidatePriority(item.Priority); err != nil {
		return fmt.Errorf("storage: insert approval item: %w", err)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO approval_queue (id, item_type, item_id, recommendation, priority, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.ItemType, item.ItemID, item.Recommendation,
		string(item.Priority), string(item.Status), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert approval item: %w", err)
	}

	if err := db.Notify(ctx, ChannelApprovals, item.ID.String()); err != nil {
		db.logger.Warn("approval notify failed", "item_id", item.ID, "error", err)
	}
	return nil
}

const approvalColumns = `id, item_type, item_id, recommendation, priority, status, reviewed_by, reviewed_at, created_at`

func scanApproval(row pgx.Row) (model.ApprovalQueueItem, error) {
	var item model.ApprovalQueueItem
	var priority, status string
	err := row.Scan(
		&item.ID, &item.ItemType, &item.ItemID, &item.Recommendation,
		&priority, &status, &item.ReviewedBy, &item.ReviewedAt, &item.CreatedAt,
	)
	item.Priority = model.Priority(priority)
	item.Status = model.ApprovalStatus(status)
	return item, err
}

// GetApprovalItem retrieves one queue item by id. Returns ErrNotFound when
// absent.
func (db *DB) GetApprovalItem(ctx context.Context, id uuid.UUID) (model.ApprovalQueueItem, error) {
	item, err := scanApproval(db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApprovalQueueItem{}, fmt.Errorf("storage: approval item %s: %w", id, ErrNotFound)
		}
		return model.ApprovalQueueItem{}, fmt.Errorf("storage: get approval item: %w", err)
	}
	return item, nil
}

// ListApprovals returns queue items, optionally filtered by status,
// pending-first then urgent-first within status, newest last.
func (db *DB) ListApprovals(ctx context.Context, status model.ApprovalStatus, limit, offset int) ([]model.ApprovalQueueItem, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_queue WHERE ($1 = '' OR status = $1)`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count approvals: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_queue
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY
		   CASE status WHEN 'pending' THEN 0 ELSE 1 END,
		   CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
		   created_at ASC
		 LIMIT $2 OFFSET $3`,
		string(status), limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var items []model.ApprovalQueueItem
	for rows.Next() {
		item, err := scanApproval(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan approval item: %w", err)
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

// ReviewApprovalItem records a human verdict on a pending item. The update
// is one-shot: a second review of the same item returns ErrNotFound
// because the pending guard no longer matches.
func (db *DB) ReviewApprovalItem(ctx context.Context, id uuid.UUID, verdict model.ApprovalStatus, reviewer string) (model.ApprovalQueueItem, error) {
	if err := model.ValidateReviewStatus(verdict); err != nil {
		return model.ApprovalQueueItem{}, fmt.Errorf("storage: review approval item: %w", err)
	}
	if reviewer == "" {
		return model.ApprovalQueueItem{}, fmt.Errorf("storage: review approval item: reviewer required")
	}

	item, err := scanApproval(db.pool.QueryRow(ctx,
		`UPDATE approval_queue
		 SET status = $1, reviewed_by = $2, reviewed_at = now()
		 WHERE id = $3 AND status = 'pending'
		 RETURNING `+approvalColumns,
		string(verdict), reviewer, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApprovalQueueItem{}, fmt.Errorf("storage: approval item %s not pending: %w", id, ErrNotFound)
		}
		return model.ApprovalQueueItem{}, fmt.Errorf("storage: review approval item: %w", err)
	}
	return item, nil
}
