package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veritaslegal/veritas/internal/ledger"
	"go.uber.org/zap"
)

// SkipEvent records one block a sweep declined to delete, and why. Skips are
// explicit events, never silent.
type SkipEvent struct {
	BlockID  uuid.UUID       `json:"block_id"`
	ChainKey ledger.ChainKey `json:"chain_key"`
	Height   uint64          `json:"height"`
	Reason   string          `json:"reason"` // "legal-hold" or "chain-halted"
}

// SweepReport summarises one retention sweep run.
type SweepReport struct {
	AsOf    time.Time         `json:"as_of"`
	Deleted []uuid.UUID       `json:"deleted"`
	Skipped []SkipEvent       `json:"skipped"`
	Halted  map[string]string `json:"halted,omitempty"` // chain key -> integrity reason
}

// Manager computes retention expiry, manages legal holds, and runs the
// retention sweep. It satisfies ledger.ExpiryPolicy and ledger.HoldManager.
type Manager struct {
	store      ledger.Store
	policy     Policy
	gate       *ledger.SignatureGate // nil = skip signature re-check before delete
	sweepLimit int
	logger     *zap.Logger

	mu     sync.Mutex
	halted map[string]string // chain key -> integrity reason, survives across sweeps
}

// NewManager creates a Manager over store with the given policy.
func NewManager(store ledger.Store, policy Policy, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		policy:     policy,
		sweepLimit: 500,
		logger:     logger,
		halted:     make(map[string]string),
	}
}

// SetSignatureGate enables signature re-verification before deletion.
func (m *Manager) SetSignatureGate(gate *ledger.SignatureGate) { m.gate = gate }

// SetSweepLimit caps how many expired blocks one sweep run inspects.
func (m *Manager) SetSweepLimit(n int) {
	if n > 0 {
		m.sweepLimit = n
	}
}

// ComputeExpiry implements ledger.ExpiryPolicy.
func (m *Manager) ComputeExpiry(category ledger.Category, createdAt time.Time) time.Time {
	return m.policy.Expiry(category, createdAt)
}

// PlaceHold implements ledger.HoldManager. Activating a hold extends the
// block's retention expiry to the expected release date when that date is
// later — invariant: a held block never expires before its expected release.
func (m *Manager) PlaceHold(ctx context.Context, id uuid.UUID, placedBy, reason string, expectedRelease time.Time) (*ledger.Block, error) {
	block, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if block.LegalHold.Active {
		return nil, &ledger.ValidationError{Field: "legal_hold", Reason: "block is already under an active hold"}
	}
	if placedBy == "" {
		return nil, &ledger.ValidationError{Field: "placed_by", Reason: "must not be empty"}
	}

	hold := ledger.LegalHold{
		Active:          true,
		PlacedBy:        placedBy,
		Reason:          reason,
		PlacedAt:        time.Now().UTC(),
		ExpectedRelease: expectedRelease.UTC(),
	}
	expiry := block.RetentionExpiry
	if !expectedRelease.IsZero() && expectedRelease.After(expiry) {
		expiry = expectedRelease.UTC()
	}

	if err := m.store.UpdateHold(ctx, id, hold, expiry); err != nil {
		return nil, err
	}
	block.LegalHold = hold
	block.RetentionExpiry = expiry
	return block, nil
}

// ReleaseHold implements ledger.HoldManager. It clears the active flag but
// never shortens an expiry that the hold extended.
func (m *Manager) ReleaseHold(ctx context.Context, id uuid.UUID, releasedBy, reason string) (*ledger.Block, error) {
	block, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !block.LegalHold.Active {
		return nil, &ledger.ValidationError{Field: "legal_hold", Reason: "block is not under an active hold"}
	}

	hold := block.LegalHold
	hold.Active = false
	hold.ReleasedBy = releasedBy
	hold.ReleasedAt = time.Now().UTC()
	hold.ReleaseReason = reason

	if err := m.store.UpdateHold(ctx, id, hold, block.RetentionExpiry); err != nil {
		return nil, err
	}
	block.LegalHold = hold
	return block, nil
}

// IsHeld reports whether the block is under an active legal hold.
func (m *Manager) IsHeld(ctx context.Context, id uuid.UUID) (bool, error) {
	block, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return block.LegalHold.Active, nil
}

// Sweep deletes blocks whose retention expiry has passed as of asOf. Held
// blocks are skipped with an explicit event. Candidates are grouped by chain
// and every candidate on a chain is integrity-checked before any of them is
// deleted; a single ChainIntegrityError halts the whole chain. Halts persist
// across sweep runs until ReleaseHalt is called after manual review —
// integrity failures are never downgraded to warnings.
func (m *Manager) Sweep(ctx context.Context, asOf time.Time) (*SweepReport, error) {
	report := &SweepReport{AsOf: asOf.UTC(), Halted: make(map[string]string)}

	candidates, err := m.store.ListExpired(ctx, asOf, m.sweepLimit)
	if err != nil {
		return nil, err
	}

	byChain := make(map[string][]*ledger.Block)
	var chains []string
	for _, block := range candidates {
		chain := block.ChainKey.String()
		if _, seen := byChain[chain]; !seen {
			chains = append(chains, chain)
		}
		byChain[chain] = append(byChain[chain], block)
	}

	for _, chain := range chains {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		blocks := byChain[chain]

		if reason, halted := m.haltReason(chain); halted {
			report.Halted[chain] = reason
			skipHalted(report, blocks)
			continue
		}

		// Verify every candidate on the chain before deleting any of them:
		// a break discovered on the last candidate must protect the first.
		broken := false
		for _, block := range blocks {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := m.checkIntegrity(ctx, block); err != nil {
				var ie *ledger.ChainIntegrityError
				if errors.As(err, &ie) {
					m.logger.Error("sweep found integrity break, halting chain",
						zap.String("chain", chain),
						zap.Uint64("height", block.Height),
						zap.String("reason", string(ie.Reason)),
					)
					m.halt(chain, string(ie.Reason))
					report.Halted[chain] = string(ie.Reason)
					skipHalted(report, blocks)
					broken = true
					break
				}
				// Capability outage or cancellation: abort the whole sweep
				// with the partial report, nothing irreversible has happened.
				return report, err
			}
		}
		if broken {
			continue
		}

		for _, block := range blocks {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if block.LegalHold.Active {
				violation := &ledger.RetentionViolationError{
					BlockID: block.ID.String(),
					Reason:  "retention expiry passed but legal hold is active",
				}
				m.logger.Warn("sweep skipping held block",
					zap.String("chain", chain),
					zap.Uint64("height", block.Height),
					zap.String("block_id", block.ID.String()),
					zap.String("violation", violation.Error()),
				)
				report.Skipped = append(report.Skipped, SkipEvent{
					BlockID: block.ID, ChainKey: block.ChainKey, Height: block.Height,
					Reason: "legal-hold",
				})
				continue
			}

			if err := m.store.Delete(ctx, block.ID); err != nil {
				return report, err
			}
			report.Deleted = append(report.Deleted, block.ID)
			m.logger.Info("sweep deleted expired block",
				zap.String("chain", chain),
				zap.Uint64("height", block.Height),
				zap.String("block_id", block.ID.String()),
				zap.Time("retention_expiry", block.RetentionExpiry),
			)
		}
	}

	if len(report.Halted) == 0 {
		report.Halted = nil
	}
	return report, nil
}

// HaltedChains returns the chains currently halted for manual review, keyed
// by chain key with the integrity reason that triggered the halt.
func (m *Manager) HaltedChains() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.halted))
	for chain, reason := range m.halted {
		out[chain] = reason
	}
	return out
}

// ReleaseHalt clears the halt on a chain after manual review, reporting
// whether the chain was halted. The next sweep re-verifies the chain's
// candidates, so releasing an unrepaired chain simply halts it again.
func (m *Manager) ReleaseHalt(key ledger.ChainKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := key.String()
	if _, ok := m.halted[chain]; !ok {
		return false
	}
	delete(m.halted, chain)
	m.logger.Info("retention halt released", zap.String("chain", chain))
	return true
}

func (m *Manager) halt(chain, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted[chain] = reason
}

func (m *Manager) haltReason(chain string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.halted[chain]
	return reason, ok
}

func skipHalted(report *SweepReport, blocks []*ledger.Block) {
	for _, block := range blocks {
		report.Skipped = append(report.Skipped, SkipEvent{
			BlockID: block.ID, ChainKey: block.ChainKey, Height: block.Height,
			Reason: "chain-halted",
		})
	}
}

// checkIntegrity re-derives the block's content hash from its stored fields
// and, when a gate is configured, re-verifies the detached signature. A
// block that fails must not be silently deleted.
func (m *Manager) checkIntegrity(ctx context.Context, block *ledger.Block) error {
	canonical, err := ledger.CanonicalizeJSON(block.Payload)
	if err != nil {
		return &ledger.ChainIntegrityError{
			ChainKey: block.ChainKey, Height: block.Height, Reason: ledger.ReasonHashMismatch,
		}
	}
	recomputed := ledger.ComputeHash(block.ChainKey, block.Height, block.PrevHash, canonical)
	if recomputed != block.ContentHash {
		return &ledger.ChainIntegrityError{
			ChainKey: block.ChainKey, Height: block.Height, Reason: ledger.ReasonHashMismatch,
		}
	}
	if m.gate != nil {
		return m.gate.Verify(ctx, block.ChainKey, block.Height, block.ContentHash, block.Signature)
	}
	return nil
}
