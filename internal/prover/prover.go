// Package prover seals audit events into periodic Merkle batch proofs.
// Each proof covers the events recorded since the previous proof and
// chains to its predecessor's root, making silent history edits
// detectable.
package prover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shinrai-ai/shinrai/internal/integrity"
	"github.com/shinrai-ai/shinrai/internal/storage"
)

// Store is the persistence surface the prover needs. Satisfied by
// *storage.DB.
type Store interface {
	GetLatestAuditProof(ctx context.Context) (*storage.AuditProof, error)
	GetEventHashesForBatch(ctx context.Context, since, until time.Time) ([]string, error)
	CreateAuditProof(ctx context.Context, p storage.AuditProof) error
}

// Prover periodically batches unsealed audit event hashes into a Merkle
// root and persists the proof.
type Prover struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a prover sealing a batch every interval.
func New(store Store, interval time.Duration, logger *slog.Logger) *Prover {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prover{store: store, interval: interval, logger: logger, now: time.Now}
}

// Start launches the sealing loop.
func (p *Prover) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("audit prover started", "interval", p.interval)
}

// Stop halts the loop and waits for an in-flight seal to finish.
func (p *Prover) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prover) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.SealBatch(ctx); err != nil {
				p.logger.Error("failed to seal audit batch", "error", err)
			}
		}
	}
}

// SealBatch computes one proof over events recorded after the previous
// proof's window, up to now. A window with no events produces no proof.
func (p *Prover) SealBatch(ctx context.Context) error {
	prev, err := p.store.GetLatestAuditProof(ctx)
	if err != nil {
		return fmt.Errorf("prover: load previous proof: %w", err)
	}

	var since time.Time
	var prevRoot *string
	if prev != nil {
		since = prev.BatchEnd
		prevRoot = &prev.RootHash
	}
	until := p.now().UTC()

	hashes, err := p.store.GetEventHashesForBatch(ctx, since, until)
	if err != nil {
		return fmt.Errorf("prover: load batch hashes: %w", err)
	}
	if len(hashes) == 0 {
		p.logger.Debug("no unsealed audit events, skipping proof")
		return nil
	}

	root := integrity.BuildMerkleRoot(hashes)
	proof := storage.AuditProof{
		BatchStart:   since,
		BatchEnd:     until,
		EventCount:   len(hashes),
		RootHash:     root,
		PreviousRoot: prevRoot,
	}
	if err := p.store.CreateAuditProof(ctx, proof); err != nil {
		return fmt.Errorf("prover: persist proof: %w", err)
	}

	p.logger.Info("sealed audit batch",
		"event_count", len(hashes),
		"batch_start", since,
		"batch_end", until,
		"root_hash", root,
	)
	return nil
}
