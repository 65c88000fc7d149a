package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veritaslegal/veritas/internal/ledger"
	"github.com/veritaslegal/veritas/internal/retention"
	"go.uber.org/zap"
)

// stubSigner is a deterministic in-process signing capability. Signatures
// bind the tenant and digest, so cross-tenant and tampered-digest checks
// fail exactly as a real signer's would.
type stubSigner struct {
	mu        sync.Mutex
	signErr   error
	verifyErr error
}

func stubSig(tenantID string, digest []byte) []byte {
	return append([]byte("sig:"+tenantID+":"), digest...)
}

func (s *stubSigner) Sign(_ context.Context, tenantID string, digest []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signErr != nil {
		return nil, s.signErr
	}
	return stubSig(tenantID, digest), nil
}

func (s *stubSigner) Verify(_ context.Context, tenantID string, digest, signature []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifyErr != nil {
		return false, s.verifyErr
	}
	return bytes.Equal(signature, stubSig(tenantID, digest)), nil
}

func (s *stubSigner) setSignErr(err error) {
	s.mu.Lock()
	s.signErr = err
	s.mu.Unlock()
}

func (s *stubSigner) setVerifyErr(err error) {
	s.mu.Lock()
	s.verifyErr = err
	s.mu.Unlock()
}

// yearsPolicy retains every block for a flat number of years.
type yearsPolicy int

func (y yearsPolicy) ComputeExpiry(_ ledger.Category, createdAt time.Time) time.Time {
	return createdAt.UTC().AddDate(int(y), 0, 0)
}

func newTestLedger(signer *stubSigner) (*ledger.Ledger, *ledger.MemoryStore, *ledger.SignatureGate) {
	store := ledger.NewMemoryStore()
	gate := ledger.NewSignatureGate(signer, signer, zap.NewNop())
	gate.SetRetryPolicy(time.Second, 1, time.Millisecond)
	return ledger.New(store, gate, yearsPolicy(7), zap.NewNop()), store, gate
}

func TestAppend_genesisAndChaining(t *testing.T) {
	l, _, _ := newTestLedger(&stubSigner{})

	genesis, err := l.Append(ctx, testKey, ledger.CategoryFoundational, map[string]any{"event": "chain.created"})
	if err != nil {
		t.Fatal(err)
	}
	if genesis.Height != 0 {
		t.Errorf("genesis height: got %d, want 0", genesis.Height)
	}
	if genesis.PrevHash != ledger.SentinelHash {
		t.Error("genesis must link to the sentinel hash")
	}
	if len(genesis.Signature) == 0 {
		t.Error("committed block carries no signature")
	}

	second, err := l.Append(ctx, testKey, ledger.CategoryRoutine, map[string]any{"event": "client.intake"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Height != 1 {
		t.Errorf("second height: got %d, want 1", second.Height)
	}
	if second.PrevHash != genesis.ContentHash {
		t.Error("second block does not link to genesis content hash")
	}

	wantExpiry := second.CreatedAt.AddDate(7, 0, 0)
	if !second.RetentionExpiry.Equal(wantExpiry) {
		t.Errorf("retention expiry: got %v, want %v", second.RetentionExpiry, wantExpiry)
	}
}

func TestAppend_rejectsMalformedInput(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})

	cases := []struct {
		name     string
		key      ledger.ChainKey
		category ledger.Category
		payload  any
	}{
		{"empty tenant", ledger.ChainKey{Kind: ledger.KindCompliance}, ledger.CategoryRoutine, map[string]any{}},
		{"empty kind", ledger.ChainKey{TenantID: "acme-llp"}, ledger.CategoryRoutine, map[string]any{}},
		{"unknown category", testKey, ledger.Category("made-up"), map[string]any{}},
		{"unmarshalable payload", testKey, ledger.CategoryRoutine, map[string]any{"ch": make(chan int)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Append(ctx, tc.key, tc.category, tc.payload)
			var ve *ledger.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
		})
	}

	if _, err := store.Head(ctx, testKey); !errors.Is(err, ledger.ErrEmptyChain) {
		t.Error("rejected appends must leave the chain untouched")
	}
}

func TestAppend_signingOutageFailsClosed(t *testing.T) {
	signer := &stubSigner{}
	l, store, _ := newTestLedger(signer)
	signer.setSignErr(errors.New("kms timeout"))

	_, err := l.Append(ctx, testKey, ledger.CategoryRoutine, map[string]any{"event": "x"})
	var su *ledger.SigningUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected *SigningUnavailableError, got %v", err)
	}
	if _, err := store.Head(ctx, testKey); !errors.Is(err, ledger.ErrEmptyChain) {
		t.Error("an unsigned block must never be persisted")
	}
}

func TestAppend_concurrentThenVerifies(t *testing.T) {
	const writers = 8
	l, _, _ := newTestLedger(&stubSigner{})

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, testKey, ledger.CategoryRoutine, map[string]any{"writer": i})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	report, err := l.VerifyRange(ctx, testKey, 0, writers-1)
	if err != nil {
		t.Fatal(err)
	}
	if !report.ValidChain {
		t.Errorf("chain built under contention failed verification: first break %v", report.FirstBreak)
	}
	if len(report.Results) != writers {
		t.Errorf("results: got %d, want %d", len(report.Results), writers)
	}
}

func TestGet_notFound(t *testing.T) {
	l, _, _ := newTestLedger(&stubSigner{})

	b, err := l.Append(ctx, testKey, ledger.CategoryRoutine, map[string]any{"event": "x"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := l.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != b.ContentHash {
		t.Error("Get returned a different block")
	}

	missing := b.ID
	missing[0] ^= 0xff
	if _, err := l.Get(ctx, missing); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPlaceHold_withoutManagerRejected(t *testing.T) {
	l, _, _ := newTestLedger(&stubSigner{})

	b, err := l.Append(ctx, testKey, ledger.CategoryRoutine, map[string]any{"event": "x"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = l.PlaceHold(ctx, b.ID, "officer", "litigation", time.Time{})
	var ve *ledger.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestPlaceHold_appendsAuditBlock(t *testing.T) {
	signer := &stubSigner{}
	store := ledger.NewMemoryStore()
	gate := ledger.NewSignatureGate(signer, signer, zap.NewNop())
	manager := retention.NewManager(store, retention.DefaultPolicy(), zap.NewNop())
	l := ledger.New(store, gate, manager, zap.NewNop())
	l.SetHoldManager(manager)

	target, err := l.Append(ctx, testKey, ledger.CategoryHighValue, map[string]any{"event": "settlement.recorded"})
	if err != nil {
		t.Fatal(err)
	}

	release := time.Now().UTC().AddDate(30, 0, 0)
	held, err := l.PlaceHold(ctx, target.ID, "compliance-officer", "litigation matter 42", release)
	if err != nil {
		t.Fatal(err)
	}
	if !held.LegalHold.Active {
		t.Error("hold not active on target")
	}
	if !held.RetentionExpiry.Equal(release) {
		t.Errorf("expiry not extended to expected release: got %v, want %v", held.RetentionExpiry, release)
	}

	head, err := l.Head(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if head.Category != ledger.CategoryAdministrative {
		t.Errorf("audit block category: got %s, want %s", head.Category, ledger.CategoryAdministrative)
	}
	if !bytes.Contains(head.Payload, []byte("legal_hold.place")) {
		t.Error("audit payload does not record the hold placement")
	}

	released, err := l.ReleaseHold(ctx, target.ID, "compliance-officer", "matter settled")
	if err != nil {
		t.Fatal(err)
	}
	if released.LegalHold.Active {
		t.Error("hold still active after release")
	}
	if !released.RetentionExpiry.Equal(release) {
		t.Error("release must not shorten the extended expiry")
	}

	head, err = l.Head(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(head.Payload, []byte("legal_hold.release")) {
		t.Error("audit payload does not record the hold release")
	}

	// The audit blocks are ordinary chain members; the chain must verify.
	report, err := l.VerifyRange(ctx, testKey, 0, head.Height)
	if err != nil {
		t.Fatal(err)
	}
	if !report.ValidChain {
		t.Error("chain with hold audit blocks failed verification")
	}
}
