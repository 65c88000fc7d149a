package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/veritaslegal/veritas/internal/ledger"
)

// appendChain commits n blocks and returns the stored blocks in height order.
// MemoryStore returns its internal pointers, so mutating one simulates
// storage-level tampering.
func appendChain(t *testing.T, l *ledger.Ledger, store *ledger.MemoryStore, n int) []*ledger.Block {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(ctx, testKey, ledger.CategoryRoutine, map[string]any{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}
	blocks, err := store.Range(ctx, testKey, 0, uint64(n-1))
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != n {
		t.Fatalf("stored blocks: got %d, want %d", len(blocks), n)
	}
	return blocks
}

func reasonAt(report *ledger.VerificationReport, height uint64) ledger.BreakReason {
	for _, r := range report.Results {
		if r.Height == height {
			return r.Reason
		}
	}
	return "absent"
}

func TestVerifyRange_intactChain(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})
	appendChain(t, l, store, 3)

	report, err := l.VerifyRange(ctx, testKey, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !report.ValidChain {
		t.Errorf("intact chain reported broken, first break %v", report.FirstBreak)
	}
	if len(report.Results) != 3 {
		t.Errorf("results: got %d, want 3", len(report.Results))
	}
}

func TestVerifyRange_subRangeChecksPredecessorLink(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})
	appendChain(t, l, store, 3)

	report, err := l.VerifyRange(ctx, testKey, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !report.ValidChain {
		t.Error("intact sub-range reported broken")
	}
}

func TestVerifyRange_tamperedPayloadBreaksBlockAndSuccessor(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})
	blocks := appendChain(t, l, store, 3)

	// Tamper the middle block's stored payload.
	blocks[1].Payload = []byte(`{"seq":1,"injected":"after the fact"}`)

	report, err := l.VerifyRange(ctx, testKey, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.ValidChain {
		t.Fatal("tampered chain reported valid")
	}
	if got := reasonAt(report, 0); got != "" {
		t.Errorf("height 0: got %q, want valid", got)
	}
	if got := reasonAt(report, 1); got != ledger.ReasonHashMismatch {
		t.Errorf("height 1: got %q, want %q", got, ledger.ReasonHashMismatch)
	}
	// The successor links against the recomputed predecessor hash, so the
	// tampering surfaces there too.
	if got := reasonAt(report, 2); got != ledger.ReasonLinkMismatch {
		t.Errorf("height 2: got %q, want %q", got, ledger.ReasonLinkMismatch)
	}
	if report.FirstBreak == nil || *report.FirstBreak != 1 {
		t.Errorf("first break: got %v, want 1", report.FirstBreak)
	}
}

func TestVerifyRange_singleCharFlipInStoredHash(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})
	blocks := appendChain(t, l, store, 3)

	h := []byte(blocks[1].ContentHash)
	if h[0] == 'f' {
		h[0] = '0'
	} else {
		h[0] = 'f'
	}
	blocks[1].ContentHash = string(h)

	report, err := l.VerifyRange(ctx, testKey, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := reasonAt(report, 1); got != ledger.ReasonHashMismatch {
		t.Errorf("height 1: got %q, want %q", got, ledger.ReasonHashMismatch)
	}
	// The payload is intact, so the recomputed predecessor hash still matches
	// the successor's stored link.
	if got := reasonAt(report, 2); got != "" {
		t.Errorf("height 2: got %q, want valid", got)
	}
}

func TestVerifyRange_tamperedSignature(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})
	blocks := appendChain(t, l, store, 3)

	blocks[1].Signature[0] ^= 0xff

	report, err := l.VerifyRange(ctx, testKey, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := reasonAt(report, 1); got != ledger.ReasonSignatureInvalid {
		t.Errorf("height 1: got %q, want %q", got, ledger.ReasonSignatureInvalid)
	}
	if got := reasonAt(report, 2); got != "" {
		t.Errorf("height 2: got %q, want valid", got)
	}
}

func TestVerifyRange_missingHeight(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})
	blocks := appendChain(t, l, store, 3)

	if err := store.Delete(ctx, blocks[1].ID); err != nil {
		t.Fatal(err)
	}

	report, err := l.VerifyRange(ctx, testKey, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := reasonAt(report, 1); got != ledger.ReasonLinkMismatch {
		t.Errorf("missing height 1: got %q, want %q", got, ledger.ReasonLinkMismatch)
	}
	if got := reasonAt(report, 2); got != ledger.ReasonLinkMismatch {
		t.Errorf("orphaned height 2: got %q, want %q", got, ledger.ReasonLinkMismatch)
	}
}

func TestVerifyRange_invalidRange(t *testing.T) {
	l, _, _ := newTestLedger(&stubSigner{})

	_, err := l.VerifyRange(ctx, testKey, 5, 2)
	var ve *ledger.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestVerifyRange_capabilityOutageReturnsPartialReport(t *testing.T) {
	signer := &stubSigner{}
	l, store, _ := newTestLedger(signer)
	appendChain(t, l, store, 3)

	signer.setVerifyErr(errors.New("kms down"))

	report, err := l.VerifyRange(ctx, testKey, 0, 2)
	var su *ledger.SigningUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected *SigningUnavailableError, got %v", err)
	}
	if report == nil {
		t.Fatal("partial report must accompany the outage error")
	}
}

func TestVerifyRange_cancelledContext(t *testing.T) {
	l, store, _ := newTestLedger(&stubSigner{})
	appendChain(t, l, store, 3)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	report, err := l.VerifyRange(cancelled, testKey, 0, 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report == nil {
		t.Fatal("partial report must accompany cancellation")
	}
}
