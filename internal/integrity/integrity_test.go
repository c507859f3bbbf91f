package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinrai-ai/shinrai/internal/model"
)

func sampleEvent() model.AuditEvent {
	runID := uuid.MustParse("b5c8f4a2-1111-2222-3333-444455556666")
	return model.AuditEvent{
		ID:        uuid.MustParse("a1b2c3d4-0000-1111-2222-333344445555"),
		RunID:     &runID,
		AgentID:   "heartbeat",
		Type:      model.EventCompleted,
		Severity:  model.SeverityInfo,
		Message:   "run completed in 12ms (1 items)",
		CreatedAt: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestComputeContentHash(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		ev := sampleEvent()
		h1 := ComputeContentHash(ev)
		h2 := ComputeContentHash(ev)
		assert.Equal(t, h1, h2)
		assert.Len(t, h1, 64)
		assert.True(t, VerifyContentHash(h1, ev))
	})

	t.Run("any field change breaks verification", func(t *testing.T) {
		base := sampleEvent()
		stored := ComputeContentHash(base)

		mutations := map[string]func(*model.AuditEvent){
			"id":       func(ev *model.AuditEvent) { ev.ID = uuid.New() },
			"agent":    func(ev *model.AuditEvent) { ev.AgentID = "digest" },
			"type":     func(ev *model.AuditEvent) { ev.Type = model.EventError },
			"severity": func(ev *model.AuditEvent) { ev.Severity = model.SeverityError },
			"message":  func(ev *model.AuditEvent) { ev.Message = "tampered" },
			"time":     func(ev *model.AuditEvent) { ev.CreatedAt = ev.CreatedAt.Add(time.Nanosecond) },
			"run id":   func(ev *model.AuditEvent) { ev.RunID = nil },
		}
		for name, mutate := range mutations {
			t.Run(name, func(t *testing.T) {
				ev := base
				mutate(&ev)
				assert.False(t, VerifyContentHash(stored, ev))
			})
		}
	})

	t.Run("nil run id hashes cleanly", func(t *testing.T) {
		ev := sampleEvent()
		ev.RunID = nil
		h := ComputeContentHash(ev)
		assert.Len(t, h, 64)
		assert.True(t, VerifyContentHash(h, ev))
	})

	t.Run("length prefixing prevents boundary shifts", func(t *testing.T) {
		a := sampleEvent()
		a.AgentID = "ab"
		a.Message = "c"
		b := sampleEvent()
		b.AgentID = "a"
		b.Message = "bc"
		// Same concatenated bytes, different field boundaries.
		assert.NotEqual(t, ComputeContentHash(a), ComputeContentHash(b))
	})
}

func TestBuildMerkleRoot(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, "", BuildMerkleRoot(nil))
	})

	t.Run("single leaf is its own root", func(t *testing.T) {
		assert.Equal(t, "abc123", BuildMerkleRoot([]string{"abc123"}))
	})

	t.Run("pair", func(t *testing.T) {
		root := BuildMerkleRoot([]string{"aa", "bb"})
		require.Len(t, root, 64)
		assert.Equal(t, hashPair("aa", "bb"), root)
	})

	t.Run("odd leaf count duplicates last node", func(t *testing.T) {
		root := BuildMerkleRoot([]string{"aa", "bb", "cc"})
		expected := hashPair(hashPair("aa", "bb"), hashPair("cc", "cc"))
		assert.Equal(t, expected, root)
	})

	t.Run("deterministic for fixed order", func(t *testing.T) {
		leaves := []string{"l1", "l2", "l3", "l4", "l5"}
		assert.Equal(t, BuildMerkleRoot(leaves), BuildMerkleRoot(leaves))
	})

	t.Run("order changes the root", func(t *testing.T) {
		assert.NotEqual(t,
			BuildMerkleRoot([]string{"aa", "bb", "cc", "dd"}),
			BuildMerkleRoot([]string{"dd", "cc", "bb", "aa"}))
	})

	t.Run("does not mutate input", func(t *testing.T) {
		leaves := []string{"aa", "bb", "cc"}
		BuildMerkleRoot(leaves)
		assert.Equal(t, []string{"aa", "bb", "cc"}, leaves)
	})

	t.Run("internal nodes cannot be confused with leaves", func(t *testing.T) {
		// A root over two leaves never equals either leaf even when the
		// leaves are themselves 64-char hex strings.
		leaf := strings.Repeat("a", 64)
		root := BuildMerkleRoot([]string{leaf, leaf})
		assert.NotEqual(t, leaf, root)
	})
}
