package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for ledger blocks. Implementations must
// provide conditional-insert-if-absent-at-height semantics per chain key;
// everything else is plain reads plus the two narrow, audited mutations
// (legal-hold toggle, retention delete).
type Store interface {
	// Head returns the highest committed block for key, or ErrEmptyChain.
	Head(ctx context.Context, key ChainKey) (*Block, error)

	// InsertIfAbsent persists block iff no block exists at
	// (block.ChainKey, block.Height). A concurrent writer winning the race
	// surfaces as ErrHeightOccupied.
	InsertIfAbsent(ctx context.Context, block *Block) error

	// Get returns the block with the given ID, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Block, error)

	// Range returns blocks of key with from <= height <= to, ordered by
	// height ascending. Missing heights are simply absent from the result.
	Range(ctx context.Context, key ChainKey, from, to uint64) ([]*Block, error)

	// UpdateHold replaces the block's legal-hold struct and retention expiry.
	// This is the single allowed mutation of a persisted block.
	UpdateHold(ctx context.Context, id uuid.UUID, hold LegalHold, retentionExpiry time.Time) error

	// ListExpired returns blocks whose retention expiry is at or before asOf,
	// held or not — the sweep decides what to do with held blocks.
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*Block, error)

	// Delete removes a block. Callers must have checked hold state first;
	// implementations do not re-check.
	Delete(ctx context.Context, id uuid.UUID) error

	// Chains lists every chain key with at least one block.
	Chains(ctx context.Context) ([]ChainKey, error)
}
