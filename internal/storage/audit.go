package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shinrai-ai/shinrai/internal/integrity"
	"github.com/shinrai-ai/shinrai/internal/model"
)

// InsertAuditEvent appends one event to the ledger. The sequence number is
// assigned by the database; the content hash is computed here over the
// canonical fields before insert. The table is append-only: there is no
// update or delete path.
func (db *DB) InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ContentHash == "" {
		ev.ContentHash = integrity.ComputeContentHash(ev)
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO audit_events (id, run_id, agent_id, event_type, message, severity, data, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING sequence_num`,
		ev.ID, ev.RunID, ev.AgentID, string(ev.Type), ev.Message, string(ev.Severity),
		ev.Data, ev.ContentHash, ev.CreatedAt,
	).Scan(&ev.SequenceNum)
	if err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

const eventColumns = `id, run_id, agent_id, event_type, message, severity, data, sequence_num, content_hash, created_at`

func scanEvent(row pgx.Row) (model.AuditEvent, error) {
	var ev model.AuditEvent
	var typ, sev string
	err := row.Scan(
		&ev.ID, &ev.RunID, &ev.AgentID, &typ, &ev.Message, &sev,
		&ev.Data, &ev.SequenceNum, &ev.ContentHash, &ev.CreatedAt,
	)
	ev.Type = model.EventType(typ)
	ev.Severity = model.Severity(sev)
	return ev, err
}

// ListEventsByRun returns all events for a run in sequence order. An empty
// slice for an existing run means the run has not emitted anything yet.
func (db *DB) ListEventsByRun(ctx context.Context, runID uuid.UUID) ([]model.AuditEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE run_id = $1 ORDER BY sequence_num ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events by run: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListEventsByAgent returns the most recent events for an agent, newest
// first, capped at limit.
func (db *DB) ListEventsByAgent(ctx context.Context, agentID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE agent_id = $1
		 ORDER BY sequence_num DESC LIMIT $2`, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events by agent: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetEventHashesForBatch returns content_hash values for events created
// between since (exclusive) and until (inclusive), ordered
// lexicographically for deterministic Merkle root construction.
func (db *DB) GetEventHashesForBatch(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM audit_events
		 WHERE created_at > $1 AND created_at <= $2
		   AND content_hash IS NOT NULL AND content_hash != ''
		 ORDER BY content_hash ASC`,
		since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get event hashes for batch: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan event hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
