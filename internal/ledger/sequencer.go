package ledger

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// commitState tracks where a candidate block is in the optimistic commit
// loop. The explicit states keep the retry machinery testable rather than
// burying it in ad hoc recursion.
type commitState int

const (
	stateProposed commitState = iota
	stateCommitAttempted
	stateCommitted
	stateConflict
)

func (s commitState) String() string {
	switch s {
	case stateProposed:
		return "proposed"
	case stateCommitAttempted:
		return "commit-attempted"
	case stateCommitted:
		return "committed"
	case stateConflict:
		return "conflict"
	}
	return "unknown"
}

// BuildFunc constructs a candidate block for the given height and
// previous-hash. It is re-invoked on every conflict retry, because both
// inputs change when a concurrent writer wins the race.
type BuildFunc func(ctx context.Context, height uint64, prevHash string) (*Block, error)

// Sequencer allocates strictly monotonic, gap-free heights per chain key
// under concurrent writers. It reads the chain head, proposes head+1, and
// commits conditionally; on conflict it re-reads and retries with
// exponential backoff up to a cap. Distinct chain keys never contend.
type Sequencer struct {
	store       Store
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger
}

// NewSequencer creates a Sequencer over store. Zero-valued options fall back
// to defaults: 8 attempts, 5ms base backoff capped at 250ms.
func NewSequencer(store Store, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		store:       store,
		maxAttempts: 8,
		baseBackoff: 5 * time.Millisecond,
		maxBackoff:  250 * time.Millisecond,
		logger:      logger,
	}
}

// SetRetryPolicy overrides the attempt cap and backoff window.
func (s *Sequencer) SetRetryPolicy(maxAttempts int, base, max time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if base > 0 {
		s.baseBackoff = base
	}
	if max > 0 {
		s.maxBackoff = max
	}
}

// NextHeight returns the height the next committed block for key will take.
// Purely advisory under concurrency: another writer may claim it first.
func (s *Sequencer) NextHeight(ctx context.Context, key ChainKey) (uint64, error) {
	head, err := s.store.Head(ctx, key)
	if errors.Is(err, ErrEmptyChain) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return head.Height + 1, nil
}

// ReserveAndCommit runs the optimistic commit loop: read head, build a
// candidate at head+1, insert-if-absent, and on conflict re-propose. A
// candidate is never silently skipped to a later height; exhausting the
// attempt budget surfaces a *SequencingError and the caller may retry the
// whole append.
func (s *Sequencer) ReserveAndCommit(ctx context.Context, key ChainKey, build BuildFunc) (*Block, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		height := uint64(0)
		prevHash := SentinelHash
		head, err := s.store.Head(ctx, key)
		switch {
		case errors.Is(err, ErrEmptyChain):
			// First block of the chain.
		case err != nil:
			return nil, err
		default:
			height = head.Height + 1
			prevHash = head.ContentHash
		}

		state := stateProposed
		block, err := build(ctx, height, prevHash)
		if err != nil {
			// Build failures (encoding, signing) are not conflicts; the loop
			// must not burn attempts or heights on them.
			return nil, err
		}

		state = stateCommitAttempted
		err = s.store.InsertIfAbsent(ctx, block)
		if err == nil {
			state = stateCommitted
			s.logger.Debug("sequencer commit",
				zap.String("chain", key.String()),
				zap.Uint64("height", height),
				zap.Stringer("state", state),
			)
			return block, nil
		}
		if !errors.Is(err, ErrHeightOccupied) {
			return nil, err
		}

		// A concurrent writer committed this height first. Re-propose.
		state = stateConflict
		s.logger.Debug("sequencer conflict, re-proposing",
			zap.String("chain", key.String()),
			zap.Uint64("height", height),
			zap.Int("attempt", attempt+1),
			zap.Stringer("state", state),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backoff(attempt)):
		}
	}

	return nil, &SequencingError{ChainKey: key, Attempts: s.maxAttempts}
}

// backoff returns the sleep before retry attempt+1: exponential growth from
// the base, capped, with up to 50% random jitter to de-synchronise writers.
func (s *Sequencer) backoff(attempt int) time.Duration {
	d := s.baseBackoff << uint(attempt)
	if d > s.maxBackoff || d <= 0 {
		d = s.maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
