package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a block does not exist.
var ErrNotFound = errors.New("block not found")

// ErrEmptyChain is returned by Store.Head when a chain has no blocks yet.
var ErrEmptyChain = errors.New("chain is empty")

// ErrHeightOccupied is returned by Store.InsertIfAbsent when another writer
// already committed a block at the candidate height. The sequencer treats it
// as a retryable conflict; it never reaches callers of Append.
var ErrHeightOccupied = errors.New("height already occupied")

// ValidationError marks input that was rejected before any sequencing
// happened. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// EncodingError is returned by the canonical encoder when a payload contains
// a value it does not recognise. The encoder fails closed rather than
// silently coercing.
type EncodingError struct {
	Path string
	Type string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonical encoding: unsupported type %s at %s", e.Type, e.Path)
}

// SequencingError is returned by Append when the optimistic commit loop
// exhausted its retry budget. The whole append may be retried by the caller;
// no height was consumed.
type SequencingError struct {
	ChainKey ChainKey
	Attempts int
}

func (e *SequencingError) Error() string {
	return fmt.Sprintf("sequencing: chain %s: gave up after %d conflicting attempts", e.ChainKey, e.Attempts)
}

// ChainIntegrityError reports a hash, link, or signature mismatch discovered
// on a verification path. It is fatal for the affected height and is never
// auto-repaired or downgraded to a warning.
type ChainIntegrityError struct {
	ChainKey ChainKey
	Height   uint64
	Reason   BreakReason
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity: %s height %d: %s", e.ChainKey, e.Height, e.Reason)
}

// SigningUnavailableError marks a transient failure of the signing
// capability after local retries were exhausted. It is distinct from
// ChainIntegrityError: the chain is not suspect, the capability is down.
type SigningUnavailableError struct {
	Op  string // "sign" or "verify"
	Err error
}

func (e *SigningUnavailableError) Error() string {
	return fmt.Sprintf("signing capability unavailable during %s: %v", e.Op, e.Err)
}

func (e *SigningUnavailableError) Unwrap() error { return e.Err }

// RetentionViolationError marks an attempt to delete or expire a block that
// is under an active legal hold. It is a policy violation, not a bug.
type RetentionViolationError struct {
	BlockID string
	Reason  string
}

func (e *RetentionViolationError) Error() string {
	return fmt.Sprintf("retention violation: block %s: %s", e.BlockID, e.Reason)
}
