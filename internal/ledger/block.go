package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind names one of the append-only ledgers a tenant may write to.
type Kind string

const (
	KindCompliance Kind = "compliance" // compliance ledger entries
	KindSecurity   Kind = "security"   // security-event log
	KindBiometric  Kind = "biometric"  // biometric audit trail
)

// Category classifies a block for retention purposes. The retention policy
// is a lookup table keyed by category, never hard-coded per record.
type Category string

const (
	// CategoryFoundational marks genesis and other foundational records that
	// anchor a chain. Retained longest.
	CategoryFoundational Category = "foundational"

	// CategoryRoutine is the default for ordinary operational events.
	CategoryRoutine Category = "routine"

	// CategoryHighValue marks records tied to high-value matters.
	CategoryHighValue Category = "high-value"

	// CategorySecurity marks security events.
	CategorySecurity Category = "security"

	// CategoryAdministrative marks ledger-internal records such as the audit
	// blocks written when a legal hold is placed or released.
	CategoryAdministrative Category = "administrative"
)

// KnownCategory reports whether c is one of the defined categories.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryFoundational, CategoryRoutine, CategoryHighValue, CategorySecurity, CategoryAdministrative:
		return true
	}
	return false
}

// ChainKey identifies one logical append-only sequence. Every block belongs
// to exactly one ChainKey; heights are only comparable within the same key.
// Chains with different keys never contend with each other.
type ChainKey struct {
	TenantID string `json:"tenant_id"`
	Kind     Kind   `json:"kind"`
}

// String renders the key in its canonical "tenant/kind" form, which is also
// the storage partition key.
func (k ChainKey) String() string {
	return k.TenantID + "/" + string(k.Kind)
}

// ParseChainKey parses a "tenant/kind" string produced by ChainKey.String.
func ParseChainKey(s string) (ChainKey, error) {
	tenant, kind, ok := strings.Cut(s, "/")
	if !ok || tenant == "" || kind == "" {
		return ChainKey{}, fmt.Errorf("invalid chain key %q", s)
	}
	return ChainKey{TenantID: tenant, Kind: Kind(kind)}, nil
}

// LegalHold is a compliance-driven override that suspends normal retention
// for a specific block. Toggling it is the one allowed, audited exception to
// block immutability.
type LegalHold struct {
	Active          bool      `json:"active"`
	PlacedBy        string    `json:"placed_by,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	PlacedAt        time.Time `json:"placed_at,omitempty"`
	ExpectedRelease time.Time `json:"expected_release,omitempty"`
	ReleasedBy      string    `json:"released_by,omitempty"`
	ReleasedAt      time.Time `json:"released_at,omitempty"`
	ReleaseReason   string    `json:"release_reason,omitempty"`
}

// Block is one immutable entry in a tamper-evident ledger chain.
//
// ContentHash binds the canonical payload, the height, and PrevHash together;
// Signature is a detached signature over ContentHash. Once persisted a block
// is never updated except for the LegalHold struct, and is only destroyed by
// a policy-gated retention sweep.
type Block struct {
	ID              uuid.UUID       `json:"id"`
	ChainKey        ChainKey        `json:"chain_key"`
	Height          uint64          `json:"height"`
	Category        Category        `json:"category"`
	PrevHash        string          `json:"prev_hash"`    // hex SHA-512; SentinelHash at height 0
	ContentHash     string          `json:"content_hash"` // hex SHA-512
	Signature       []byte          `json:"signature"`
	Payload         json.RawMessage `json:"payload"` // JSON document, opaque to the chain
	CreatedAt       time.Time       `json:"created_at"`
	RetentionExpiry time.Time       `json:"retention_expiry"`
	LegalHold       LegalHold       `json:"legal_hold"`
}

// BreakReason names the first check that failed for a height during
// verification.
type BreakReason string

const (
	ReasonHashMismatch     BreakReason = "hash-mismatch"
	ReasonLinkMismatch     BreakReason = "link-mismatch"
	ReasonSignatureInvalid BreakReason = "signature-invalid"
)

// HeightResult is the verification outcome for a single height.
type HeightResult struct {
	Height uint64      `json:"height"`
	Valid  bool        `json:"valid"`
	Reason BreakReason `json:"reason,omitempty"`
}

// VerificationReport is produced by VerifyRange. Results are ordered by
// height and cover every height inspected; verification continues past the
// first break so one report surfaces every broken height.
type VerificationReport struct {
	ChainKey   ChainKey       `json:"chain_key"`
	From       uint64         `json:"from"`
	To         uint64         `json:"to"`
	Results    []HeightResult `json:"results"`
	ValidChain bool           `json:"valid_chain"`
	FirstBreak *uint64        `json:"first_break,omitempty"`
}

// record appends one height result and tracks the first break.
func (r *VerificationReport) record(height uint64, reason BreakReason) {
	res := HeightResult{Height: height, Valid: reason == ""}
	res.Reason = reason
	if !res.Valid {
		r.ValidChain = false
		if r.FirstBreak == nil {
			h := height
			r.FirstBreak = &h
		}
	}
	r.Results = append(r.Results, res)
}
