// Command verify-ledger audits the integrity of the audit event ledger.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/verify-ledger
//
// It performs two checks:
//
//  1. Recomputes the SHA-256 content hash of every audit event and compares
//     it to the stored hash. A mismatch means the row was modified after it
//     was written.
//  2. Recomputes the Merkle root of every sealed proof batch from the event
//     hashes in its window, and checks each proof chains to its
//     predecessor's root.
//
// Safe to run any number of times — it only reads. Exits non-zero when any
// check fails.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/shinrai-ai/shinrai/internal/integrity"
	"github.com/shinrai-ai/shinrai/internal/model"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	badEvents, total, err := verifyContentHashes(ctx, pool)
	if err != nil {
		return err
	}
	fmt.Printf("content hashes: %d events checked, %d mismatches\n", total, badEvents)

	badProofs, proofs, err := verifyProofChain(ctx, pool)
	if err != nil {
		return err
	}
	fmt.Printf("merkle proofs:  %d batches checked, %d broken\n", proofs, badProofs)

	if badEvents > 0 || badProofs > 0 {
		return fmt.Errorf("ledger verification failed")
	}
	fmt.Println("ledger intact")
	return nil
}

func verifyContentHashes(ctx context.Context, pool *pgxpool.Pool) (bad, total int, err error) {
	rows, err := pool.Query(ctx,
		`SELECT id, run_id, agent_id, event_type, severity, message, content_hash, created_at
		 FROM audit_events
		 ORDER BY sequence_num ASC`)
	if err != nil {
		return 0, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev model.AuditEvent
		var stored string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.AgentID, &ev.Type, &ev.Severity,
			&ev.Message, &stored, &ev.CreatedAt); err != nil {
			return 0, 0, fmt.Errorf("scan event: %w", err)
		}
		total++
		if !integrity.VerifyContentHash(stored, ev) {
			bad++
			fmt.Printf("MISMATCH event %s (seq order %d): stored %s, computed %s\n",
				ev.ID, total, stored, integrity.ComputeContentHash(ev))
		}
	}
	return bad, total, rows.Err()
}

func verifyProofChain(ctx context.Context, pool *pgxpool.Pool) (bad, total int, err error) {
	rows, err := pool.Query(ctx,
		`SELECT id, batch_start, batch_end, event_count, root_hash, previous_root
		 FROM audit_proofs
		 ORDER BY created_at ASC`)
	if err != nil {
		return 0, 0, fmt.Errorf("query proofs: %w", err)
	}
	defer rows.Close()

	type proof struct {
		id                   string
		batchStart, batchEnd time.Time
		eventCount           int
		rootHash             string
		previousRoot         *string
	}
	var proofs []proof
	for rows.Next() {
		var p proof
		if err := rows.Scan(&p.id, &p.batchStart, &p.batchEnd, &p.eventCount,
			&p.rootHash, &p.previousRoot); err != nil {
			return 0, 0, fmt.Errorf("scan proof: %w", err)
		}
		proofs = append(proofs, p)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	var prevRoot *string
	for _, p := range proofs {
		total++
		ok := true

		// Chain check: each proof must reference its predecessor's root.
		switch {
		case prevRoot == nil && p.previousRoot != nil:
			ok = false
		case prevRoot != nil && (p.previousRoot == nil || *p.previousRoot != *prevRoot):
			ok = false
		}

		// Root check: recompute the Merkle root from the batch window.
		hashes, err := batchHashes(ctx, pool, p.batchStart, p.batchEnd)
		if err != nil {
			return 0, 0, err
		}
		if len(hashes) != p.eventCount || integrity.BuildMerkleRoot(hashes) != p.rootHash {
			ok = false
		}

		if !ok {
			bad++
			fmt.Printf("BROKEN proof %s (batch %s — %s)\n", p.id,
				p.batchStart.Format(time.RFC3339), p.batchEnd.Format(time.RFC3339))
		}
		root := p.rootHash
		prevRoot = &root
	}
	return bad, total, nil
}

func batchHashes(ctx context.Context, pool *pgxpool.Pool, since, until time.Time) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT content_hash FROM audit_events
		 WHERE created_at > $1 AND created_at <= $2
		 ORDER BY content_hash ASC`, since, until)
	if err != nil {
		return nil, fmt.Errorf("query batch hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
