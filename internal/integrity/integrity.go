// Package integrity provides tamper-evident hashing and Merkle tree
// construction for the audit ledger. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// ComputeContentHash produces a SHA-256 hex digest over the canonical
// fields of an audit event. Each field is encoded as a 4-byte big-endian
// length prefix followed by the field bytes, so freeform text can never
// collide across field boundaries.
func ComputeContentHash(ev model.AuditEvent) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(ev.ID.String())
	if ev.RunID != nil {
		writeField(ev.RunID.String())
	} else {
		writeField("")
	}
	writeField(ev.AgentID)
	writeField(string(ev.Type))
	writeField(string(ev.Severity))
	writeField(ev.Message)
	writeField(ev.CreatedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyContentHash checks whether a stored hash matches the recomputed
// hash for an event.
func VerifyContentHash(stored string, ev model.AuditEvent) bool {
	return stored == ComputeContentHash(ev)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes
// (per RFC 6962), so internal node hashes can never collide with leaf
// content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns
// the root. Leaves must be sorted lexicographically by the caller for
// determinism. An empty slice yields an empty string; a single leaf is its
// own root. Odd-length levels hash the last node with itself for
// structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself to bind tree position.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
