package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// InsertDeadLetter records the terminal error of a failed run for later
// inspection and replay.
func (db *DB) InsertDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, run_id, agent_id, error_message, error_stack, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dl.ID, dl.RunID, dl.AgentID, dl.ErrorMessage, dl.ErrorStack, dl.Payload, dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters newest first, optionally filtered
// by agent id, with the total matching count.
func (db *DB) ListDeadLetters(ctx context.Context, agentID string, limit, offset int) ([]model.DeadLetter, int, error) {
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
		`SELECT COUNT(*) FROM dead_letters WHERE ($1 = '' OR agent_id = $1)`, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count dead letters: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, agent_id, error_message, error_stack, payload, created_at
		 FROM dead_letters
		 WHERE ($1 = '' OR agent_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.RunID, &dl.AgentID, &dl.ErrorMessage, &dl.ErrorStack, &dl.Payload, &dl.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, total, rows.Err()
}
