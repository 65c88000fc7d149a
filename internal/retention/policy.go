// Package retention applies retention policy and legal holds to ledger
// blocks, and runs the policy-gated sweep that is the only way a block is
// ever destroyed.
package retention

import (
	"time"

	"github.com/veritaslegal/veritas/internal/ledger"
)

// Policy is a lookup table: a base years-to-retain plus per-category
// extended minimums. Nothing is hard-coded per record; the effective period
// for a category is the larger of the base and its minimum.
type Policy struct {
	// BaseYears applies to every block regardless of category.
	BaseYears int

	// MinimumYears holds category-specific floors. Foundational and
	// high-value records are kept far longer than routine ones.
	MinimumYears map[ledger.Category]int
}

// DefaultPolicy returns the retention table used by the practice backend:
// seven years base (typical bar-association minimum for client records),
// with extended floors for security events, administrative hold audits,
// high-value matters, and foundational chain anchors.
func DefaultPolicy() Policy {
	return Policy{
		BaseYears: 7,
		MinimumYears: map[ledger.Category]int{
			ledger.CategorySecurity:       10,
			ledger.CategoryAdministrative: 10,
			ledger.CategoryHighValue:      25,
			ledger.CategoryFoundational:   99,
		},
	}
}

// Years returns the effective retention period for a category.
func (p Policy) Years(category ledger.Category) int {
	years := p.BaseYears
	if min, ok := p.MinimumYears[category]; ok && min > years {
		years = min
	}
	return years
}

// Expiry computes the retention expiry for a block of the given category
// created at createdAt.
func (p Policy) Expiry(category ledger.Category, createdAt time.Time) time.Time {
	return createdAt.UTC().AddDate(p.Years(category), 0, 0)
}
