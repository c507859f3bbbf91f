package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// InsertRun inserts a new run record.
func (db *DB) InsertRun(ctx context.Context, run model.RunRecord) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, agent_id, trigger, status, retry_count, started_at, completed_at,
		                         duration_ms, items_processed, error_message, error_stack, output, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.AgentID, run.Trigger, string(run.Status), run.RetryCount,
		run.StartedAt, run.CompletedAt, run.DurationMs, run.ItemsProcessed,
		run.ErrorMessage, run.ErrorStack, run.Output, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

// UpdateRun applies a partial update to a run record. Nil patch fields are
// left unchanged. Returns ErrNotFound when the run does not exist.
func (db *DB) UpdateRun(ctx context.Context, runID uuid.UUID, patch model.RunPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.DurationMs != nil {
		add("duration_ms", *patch.DurationMs)
	}
	if patch.ItemsProcessed != nil {
		add("items_processed", *patch.ItemsProcessed)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.ErrorStack != nil {
		add("error_stack", *patch.ErrorStack)
	}
	if patch.Output != nil {
		add("output", patch.Output)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, runID)
	query := fmt.Sprintf(`UPDATE agent_runs SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), len(args))
	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, agent_id, trigger, status, retry_count, started_at, completed_at,
	duration_ms, items_processed, error_message, error_stack, output, created_at`

func scanRun(row pgx.Row) (model.RunRecord, error) {
	var r model.RunRecord
	var status string
	err := row.Scan(
		&r.ID, &r.AgentID, &r.Trigger, &status, &r.RetryCount, &r.StartedAt, &r.CompletedAt,
		&r.DurationMs, &r.ItemsProcessed, &r.ErrorMessage, &r.ErrorStack, &r.Output, &r.CreatedAt,
	)
	r.Status = model.RunStatus(status)
	return r, err
}

// GetRun retrieves a run by ID. Returns ErrNotFound when absent.
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (model.RunRecord, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by created_at DESC, optionally filtered by
// agent id, with the total matching count for pagination.
func (db *DB) ListRuns(ctx context.Context, agentID string, limit, offset int) ([]model.RunRecord, int, error) {
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
		`SELECT COUNT(*) FROM agent_runs WHERE ($1 = '' OR agent_id = $1)`, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE ($1 = '' OR agent_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// CountRunsByStatus returns run counts grouped by status for runs created
// at or after since.
func (db *DB) CountRunsByStatus(ctx context.Context, since time.Time) (map[model.RunStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM agent_runs WHERE created_at >= $1 GROUP BY status`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count runs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan run count: %w", err)
		}
		counts[model.RunStatus(status)] = n
	}
	return counts, rows.Err()
}
