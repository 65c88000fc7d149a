// Package ledger implements the tamper-evident, append-only ledger core:
// canonical encoding, hash chaining, monotonic sequencing under concurrent
// writers, detached signatures, and independent chain verification.
//
// One chain exists per tenant-plus-ledger-kind (ChainKey). Data flows
// strictly one direction on writes — encode, sequence, link, sign, persist —
// and verification replays the chain without mutating it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExpiryPolicy computes a block's retention expiry from its category and
// creation time. Satisfied by retention.Manager.
type ExpiryPolicy interface {
	ComputeExpiry(category Category, createdAt time.Time) time.Time
}

// HoldManager places and releases legal holds on persisted blocks.
// Satisfied by retention.Manager.
type HoldManager interface {
	PlaceHold(ctx context.Context, id uuid.UUID, placedBy, reason string, expectedRelease time.Time) (*Block, error)
	ReleaseHold(ctx context.Context, id uuid.UUID, releasedBy, reason string) (*Block, error)
}

// Ledger is the facade external collaborators use: Append, Get, VerifyRange,
// PlaceHold, ReleaseHold. Everything else in this package is plumbing behind
// it.
type Ledger struct {
	store    Store
	seq      *Sequencer
	gate     *SignatureGate
	verifier *Verifier
	policy   ExpiryPolicy
	holds    HoldManager // nil = hold operations unsupported
	logger   *zap.Logger
}

// New wires the ledger facade. The signing capability behind gate is
// mandatory: appends fail closed without it.
func New(store Store, gate *SignatureGate, policy ExpiryPolicy, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:    store,
		seq:      NewSequencer(store, logger),
		gate:     gate,
		verifier: NewVerifier(store, gate, logger),
		policy:   policy,
		logger:   logger,
	}
}

// SetHoldManager configures legal-hold support. Without it PlaceHold and
// ReleaseHold reject all requests.
func (l *Ledger) SetHoldManager(hm HoldManager) { l.holds = hm }

// Sequencer exposes the commit loop for retry-policy tuning at wiring time.
func (l *Ledger) Sequencer() *Sequencer { return l.seq }

// Append validates, encodes, sequences, links, signs, and persists one new
// block on the chain identified by key, returning the committed block.
// Malformed input fails with *ValidationError before any sequencing occurs.
// The operation is atomic: either the full chain-link-sign-persist sequence
// completes or no block is visible.
func (l *Ledger) Append(ctx context.Context, key ChainKey, category Category, payload any) (*Block, error) {
	if err := validateAppend(key, category); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "not JSON-marshalable", Err: err}
	}
	canonical, err := CanonicalizeJSON(doc)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, &ValidationError{Field: "payload", Reason: "not canonically encodable", Err: err}
	}

	block, err := l.seq.ReserveAndCommit(ctx, key, func(ctx context.Context, height uint64, prevHash string) (*Block, error) {
		now := time.Now().UTC()
		b := &Block{
			ID:              uuid.New(),
			ChainKey:        key,
			Height:          height,
			Category:        category,
			PrevHash:        prevHash,
			Payload:         doc,
			CreatedAt:       now,
			RetentionExpiry: l.policy.ComputeExpiry(category, now),
		}
		b.ContentHash = ComputeHash(key, height, prevHash, canonical)

		sig, err := l.gate.Sign(ctx, key.TenantID, b.ContentHash)
		if err != nil {
			return nil, err
		}
		b.Signature = sig
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	// Audit emission happens only after a successful commit; validation
	// above is pure and side-effect free.
	l.logger.Info("block appended",
		zap.String("chain", key.String()),
		zap.Uint64("height", block.Height),
		zap.String("category", string(category)),
		zap.String("block_id", block.ID.String()),
	)
	return block, nil
}

// Get returns the block with the given ID, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Block, error) {
	return l.store.Get(ctx, id)
}

// Head returns the chain tip for key, or ErrEmptyChain.
func (l *Ledger) Head(ctx context.Context, key ChainKey) (*Block, error) {
	return l.store.Head(ctx, key)
}

// Chains lists every chain with at least one block.
func (l *Ledger) Chains(ctx context.Context) ([]ChainKey, error) {
	return l.store.Chains(ctx)
}

// VerifyRange replays heights from..to of key, independently recomputing
// hashes, links, and signatures. See Verifier.VerifyRange.
func (l *Ledger) VerifyRange(ctx context.Context, key ChainKey, from, to uint64) (*VerificationReport, error) {
	return l.verifier.VerifyRange(ctx, key, from, to)
}

// PlaceHold activates a legal hold on the target block, extending its
// retention expiry if expectedRelease is later, and appends an
// administrative audit block to the target's chain recording the act. The
// hold itself is a flag toggle on the target, never a historical mutation.
// If the audit append fails the hold remains placed and the error reports
// the missing audit record.
func (l *Ledger) PlaceHold(ctx context.Context, id uuid.UUID, placedBy, reason string, expectedRelease time.Time) (*Block, error) {
	if l.holds == nil {
		return nil, &ValidationError{Reason: "legal holds are not enabled"}
	}
	target, err := l.holds.PlaceHold(ctx, id, placedBy, reason, expectedRelease)
	if err != nil {
		return nil, err
	}

	if err := l.appendHoldAudit(ctx, target, map[string]any{
		"action":           "legal_hold.place",
		"target_block_id":  target.ID.String(),
		"target_height":    target.Height,
		"placed_by":        placedBy,
		"reason":           reason,
		"expected_release": expectedRelease.UTC().Format(time.RFC3339),
	}); err != nil {
		return target, err
	}

	l.logger.Info("legal hold placed",
		zap.String("block_id", id.String()),
		zap.String("placed_by", placedBy),
		zap.Time("expected_release", expectedRelease),
	)
	return target, nil
}

// ReleaseHold clears the hold flag on the target block — never shortening an
// already-extended retention expiry — and appends the matching audit block.
func (l *Ledger) ReleaseHold(ctx context.Context, id uuid.UUID, releasedBy, reason string) (*Block, error) {
	if l.holds == nil {
		return nil, &ValidationError{Reason: "legal holds are not enabled"}
	}
	target, err := l.holds.ReleaseHold(ctx, id, releasedBy, reason)
	if err != nil {
		return nil, err
	}

	if err := l.appendHoldAudit(ctx, target, map[string]any{
		"action":          "legal_hold.release",
		"target_block_id": target.ID.String(),
		"target_height":   target.Height,
		"released_by":     releasedBy,
		"reason":          reason,
	}); err != nil {
		return target, err
	}

	l.logger.Info("legal hold released",
		zap.String("block_id", id.String()),
		zap.String("released_by", releasedBy),
	)
	return target, nil
}

func (l *Ledger) appendHoldAudit(ctx context.Context, target *Block, payload map[string]any) error {
	_, err := l.Append(ctx, target.ChainKey, CategoryAdministrative, payload)
	return err
}

func validateAppend(key ChainKey, category Category) error {
	if key.TenantID == "" {
		return &ValidationError{Field: "chain_key.tenant_id", Reason: "must not be empty"}
	}
	if key.Kind == "" {
		return &ValidationError{Field: "chain_key.kind", Reason: "must not be empty"}
	}
	if !KnownCategory(category) {
		return &ValidationError{Field: "category", Reason: "unknown category " + string(category)}
	}
	return nil
}
