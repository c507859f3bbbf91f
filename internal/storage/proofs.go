package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AuditProof is a Merkle batch proof over a window of audit event hashes.
// Each proof chains to its predecessor's root, so rewriting history
// requires rewriting every later proof.
type AuditProof struct {
	ID           uuid.UUID `json:"id"`
	BatchStart   time.Time `json:"batch_start"`
	BatchEnd     time.Time `json:"batch_end"`
	EventCount   int       `json:"event_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetLatestAuditProof returns the most recent proof, or nil if none exist.
func (db *DB) GetLatestAuditProof(ctx context.Context) (*AuditProof, error) {
	var p AuditProof
	err := db.pool.QueryRow(ctx,
		`SELECT id, batch_start, batch_end, event_count, root_hash, previous_root, created_at
		 FROM audit_proofs
		 ORDER BY created_at DESC
		 LIMIT 1`,
	).Scan(&p.ID, &p.BatchStart, &p.BatchEnd, &p.EventCount, &p.RootHash, &p.PreviousRoot, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest audit proof: %w", err)
	}
	return &p, nil
}

// CreateAuditProof inserts a new proof.
func (db *DB) CreateAuditProof(ctx context.Context, p AuditProof) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_proofs (id, batch_start, batch_end, event_count, root_hash, previous_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.BatchStart, p.BatchEnd, p.EventCount, p.RootHash, p.PreviousRoot, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create audit proof: %w", err)
	}
	return nil
}
