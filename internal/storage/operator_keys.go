package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OperatorKey is a hashed API credential for the operator endpoints.
// Only the Argon2id hash is stored; the plaintext exists only at issue
// time.
type OperatorKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// CreateOperatorKey inserts a new operator key.
func (db *DB) CreateOperatorKey(ctx context.Context, key OperatorKey) (OperatorKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO operator_keys (id, prefix, key_hash, label, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.Prefix, key.KeyHash, key.Label, key.CreatedAt,
	)
	if err != nil {
		return OperatorKey{}, fmt.Errorf("storage: create operator key: %w", err)
	}
	return key, nil
}

// GetOperatorKeyByPrefix looks up a single active key by prefix. The
// prefix is an O(1) pre-filter before Argon2 verification of the full
// key. Returns ErrNotFound if no matching active key exists.
func (db *DB) GetOperatorKeyByPrefix(ctx context.Context, prefix string) (OperatorKey, error) {
	var k OperatorKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, label, created_at, last_used_at, revoked_at
		 FROM operator_keys
		 WHERE prefix = $1 AND revoked_at IS NULL
		 LIMIT 1`,
		prefix,
	).Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OperatorKey{}, ErrNotFound
		}
		return OperatorKey{}, fmt.Errorf("storage: get operator key by prefix: %w", err)
	}
	return k, nil
}

// CountOperatorKeys returns the number of active operator keys. Used at
// startup to decide whether to seed the configured bootstrap key.
func (db *DB) CountOperatorKeys(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM operator_keys WHERE revoked_at IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count operator keys: %w", err)
	}
	return n, nil
}

// TouchOperatorKeyLastUsed updates last_used_at. Called from the auth
// middleware on successful authentication; callers should not block on
// the result.
func (db *DB) TouchOperatorKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE operator_keys SET last_used_at = now() WHERE id = $1`, keyID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch operator key last_used: %w", err)
	}
	return nil
}
