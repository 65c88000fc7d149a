package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Signer is the consumed signing capability. Implementations may hold keys
// per tenant or system-wide; the gate itself holds no key material.
type Signer interface {
	Sign(ctx context.Context, tenantID string, digest []byte) ([]byte, error)
}

// SignatureVerifier is the verification side of the signing capability.
// A (false, nil) return means the signature does not match — an integrity
// problem. A non-nil error means the capability itself failed — an
// availability problem. The two must never be conflated.
type SignatureVerifier interface {
	Verify(ctx context.Context, tenantID string, digest, signature []byte) (bool, error)
}

// SignatureGate is a thin, fail-closed adapter in front of the signing
// capability. Calls run with an explicit timeout and bounded exponential
// backoff; exhausting retries surfaces *SigningUnavailableError instead of
// hanging the caller. If signing is down, append fails — an unsigned block
// is never persisted.
type SignatureGate struct {
	signer      Signer
	verifier    SignatureVerifier
	callTimeout time.Duration
	maxAttempts int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// NewSignatureGate creates a gate over the given capability endpoints.
func NewSignatureGate(signer Signer, verifier SignatureVerifier, logger *zap.Logger) *SignatureGate {
	return &SignatureGate{
		signer:      signer,
		verifier:    verifier,
		callTimeout: 5 * time.Second,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
		logger:      logger,
	}
}

// SetRetryPolicy overrides the per-call timeout and retry window.
func (g *SignatureGate) SetRetryPolicy(callTimeout time.Duration, maxAttempts int, base time.Duration) {
	if callTimeout > 0 {
		g.callTimeout = callTimeout
	}
	if maxAttempts > 0 {
		g.maxAttempts = maxAttempts
	}
	if base > 0 {
		g.baseBackoff = base
	}
}

// Sign requests a detached signature over contentHash for the given tenant.
func (g *SignatureGate) Sign(ctx context.Context, tenantID, contentHash string) ([]byte, error) {
	digest, err := DecodeHash(contentHash)
	if err != nil {
		return nil, &ValidationError{Field: "content_hash", Reason: "not a hex digest", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		sig, err := g.signer.Sign(callCtx, tenantID, digest)
		cancel()
		if err == nil {
			return sig, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("signing attempt failed",
			zap.String("tenant", tenantID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt < g.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.baseBackoff << uint(attempt)):
			}
		}
	}
	return nil, &SigningUnavailableError{Op: "sign", Err: lastErr}
}

// Verify checks signature against contentHash. A mismatch is a
// *ChainIntegrityError with reason signature-invalid; a capability failure
// after retries is a *SigningUnavailableError.
func (g *SignatureGate) Verify(ctx context.Context, key ChainKey, height uint64, contentHash string, signature []byte) error {
	digest, err := DecodeHash(contentHash)
	if err != nil {
		return &ChainIntegrityError{ChainKey: key, Height: height, Reason: ReasonHashMismatch}
	}

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		ok, err := g.verifier.Verify(callCtx, key.TenantID, digest, signature)
		cancel()
		if err == nil {
			if !ok {
				return &ChainIntegrityError{ChainKey: key, Height: height, Reason: ReasonSignatureInvalid}
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < g.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.baseBackoff << uint(attempt)):
			}
		}
	}
	return &SigningUnavailableError{Op: "verify", Err: lastErr}
}
