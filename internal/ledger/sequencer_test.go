package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/veritaslegal/veritas/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

// buildAt returns a BuildFunc producing a minimal well-formed block for the
// proposed height.
func buildAt(key ledger.ChainKey, payload []byte) ledger.BuildFunc {
	return func(_ context.Context, height uint64, prevHash string) (*ledger.Block, error) {
		return &ledger.Block{
			ID:          uuid.New(),
			ChainKey:    key,
			Height:      height,
			Category:    ledger.CategoryRoutine,
			PrevHash:    prevHash,
			ContentHash: ledger.ComputeHash(key, height, prevHash, payload),
			Payload:     []byte(`{}`),
			CreatedAt:   time.Now().UTC(),
		}, nil
	}
}

func TestNextHeight_emptyChain(t *testing.T) {
	seq := ledger.NewSequencer(ledger.NewMemoryStore(), zap.NewNop())

	h, err := seq.NextHeight(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if h != 0 {
		t.Errorf("next height of empty chain: got %d, want 0", h)
	}
}

func TestReserveAndCommit_sequentialHeights(t *testing.T) {
	store := ledger.NewMemoryStore()
	seq := ledger.NewSequencer(store, zap.NewNop())

	for want := uint64(0); want < 3; want++ {
		b, err := seq.ReserveAndCommit(ctx, testKey, buildAt(testKey, []byte("p")))
		if err != nil {
			t.Fatal(err)
		}
		if b.Height != want {
			t.Errorf("height: got %d, want %d", b.Height, want)
		}
	}

	head, err := store.Head(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if head.Height != 2 {
		t.Errorf("head height: got %d, want 2", head.Height)
	}
}

func TestReserveAndCommit_concurrentWriters(t *testing.T) {
	const writers = 8
	store := ledger.NewMemoryStore()
	seq := ledger.NewSequencer(store, zap.NewNop())

	var wg sync.WaitGroup
	heights := make(chan uint64, writers)
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := seq.ReserveAndCommit(ctx, testKey, buildAt(testKey, []byte(fmt.Sprintf("writer-%d", i))))
			if err != nil {
				errs <- err
				return
			}
			heights <- b.Height
		}(i)
	}
	wg.Wait()
	close(heights)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}

	seen := make(map[uint64]bool)
	for h := range heights {
		if seen[h] {
			t.Errorf("height %d assigned twice", h)
		}
		seen[h] = true
	}
	for h := uint64(0); h < writers; h++ {
		if !seen[h] {
			t.Errorf("height %d never assigned — sequence has a gap", h)
		}
	}
}

func TestReserveAndCommit_distinctChainsDoNotContend(t *testing.T) {
	store := ledger.NewMemoryStore()
	seq := ledger.NewSequencer(store, zap.NewNop())
	other := ledger.ChainKey{TenantID: "acme-llp", Kind: ledger.KindSecurity}

	a, err := seq.ReserveAndCommit(ctx, testKey, buildAt(testKey, []byte("a")))
	if err != nil {
		t.Fatal(err)
	}
	b, err := seq.ReserveAndCommit(ctx, other, buildAt(other, []byte("b")))
	if err != nil {
		t.Fatal(err)
	}
	if a.Height != 0 || b.Height != 0 {
		t.Errorf("each chain starts at 0: got %d and %d", a.Height, b.Height)
	}
}

func TestReserveAndCommit_buildErrorPropagates(t *testing.T) {
	store := ledger.NewMemoryStore()
	seq := ledger.NewSequencer(store, zap.NewNop())

	boom := errors.New("payload would not sign")
	_, err := seq.ReserveAndCommit(ctx, testKey, func(context.Context, uint64, string) (*ledger.Block, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error back unchanged, got %v", err)
	}
	if _, err := store.Head(ctx, testKey); !errors.Is(err, ledger.ErrEmptyChain) {
		t.Error("failed build must not persist a block")
	}
}

// occupiedStore reports every height as already taken, simulating a chain
// under relentless contention.
type occupiedStore struct {
	*ledger.MemoryStore
}

func (s *occupiedStore) InsertIfAbsent(context.Context, *ledger.Block) error {
	return ledger.ErrHeightOccupied
}

func TestReserveAndCommit_exhaustsRetryBudget(t *testing.T) {
	store := &occupiedStore{ledger.NewMemoryStore()}
	seq := ledger.NewSequencer(store, zap.NewNop())
	seq.SetRetryPolicy(3, time.Millisecond, 2*time.Millisecond)

	_, err := seq.ReserveAndCommit(ctx, testKey, buildAt(testKey, []byte("p")))

	var se *ledger.SequencingError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SequencingError, got %v", err)
	}
	if se.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", se.Attempts)
	}
}

func TestReserveAndCommit_cancelledContext(t *testing.T) {
	store := ledger.NewMemoryStore()
	seq := ledger.NewSequencer(store, zap.NewNop())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := seq.ReserveAndCommit(cancelled, testKey, buildAt(testKey, []byte("p")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
