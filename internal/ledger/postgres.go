package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists ledger blocks to PostgreSQL. The UNIQUE constraint
// on (chain_key, height) provides the conditional-insert-if-absent semantics
// the sequencer relies on, so concurrent appends to the same chain race on
// the database rather than on an application lock.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const blockColumns = `
	id, chain_key, height, category, prev_hash, content_hash, signature,
	payload, created_at, retention_expiry,
	hold_active, hold_placed_by, hold_reason, hold_placed_at,
	hold_expected_release, hold_released_by, hold_released_at, hold_release_reason`

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context, key ChainKey) (*Block, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM ledger_blocks
		 WHERE chain_key = $1 ORDER BY height DESC LIMIT 1`, key.String())
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmptyChain
	}
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	return b, nil
}

// InsertIfAbsent implements Store. ON CONFLICT DO NOTHING plus the affected
// row count turns the unique constraint into the precondition "no block
// exists yet at this height for this chain".
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, b *Block) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_blocks (
			id, chain_key, height, category, prev_hash, content_hash,
			signature, payload, created_at, retention_expiry, hold_active
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)
		 ON CONFLICT (chain_key, height) DO NOTHING`,
		b.ID, b.ChainKey.String(), int64(b.Height), b.Category,
		b.PrevHash, b.ContentHash, b.Signature, b.Payload,
		b.CreatedAt, b.RetentionExpiry,
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHeightOccupied
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Block, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM ledger_blocks WHERE id = $1`, id)
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", id, err)
	}
	return b, nil
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, key ChainKey, from, to uint64) ([]*Block, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM ledger_blocks
		 WHERE chain_key = $1 AND height BETWEEN $2 AND $3
		 ORDER BY height ASC`,
		key.String(), int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("range scan: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateHold implements Store.
func (s *PostgresStore) UpdateHold(ctx context.Context, id uuid.UUID, hold LegalHold, retentionExpiry time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_blocks SET
			hold_active = $2, hold_placed_by = $3, hold_reason = $4,
			hold_placed_at = $5, hold_expected_release = $6,
			hold_released_by = $7, hold_released_at = $8,
			hold_release_reason = $9, retention_expiry = $10
		 WHERE id = $1`,
		id, hold.Active, nullString(hold.PlacedBy), nullString(hold.Reason),
		nullTime(hold.PlacedAt), nullTime(hold.ExpectedRelease),
		nullString(hold.ReleasedBy), nullTime(hold.ReleasedAt),
		nullString(hold.ReleaseReason), retentionExpiry,
	)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired implements Store.
func (s *PostgresStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*Block, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM ledger_blocks
		 WHERE retention_expiry <= $1
		 ORDER BY retention_expiry ASC LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ledger_blocks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Chains implements Store.
func (s *PostgresStore) Chains(ctx context.Context) ([]ChainKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT chain_key FROM ledger_blocks ORDER BY chain_key`)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	var keys []ChainKey
	for rows.Next() {
		var ck string
		if err := rows.Scan(&ck); err != nil {
			return nil, err
		}
		key, err := ParseChainKey(ck)
		if err != nil {
			s.logger.Warn("skipping malformed chain key", zap.String("chain_key", ck))
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// scanBlock maps one row onto a Block. Hold columns are nullable.
func scanBlock(row pgx.Row) (*Block, error) {
	var (
		b               Block
		chainKey        string
		height          int64
		placedBy        *string
		reason          *string
		placedAt        *time.Time
		expectedRelease *time.Time
		releasedBy      *string
		releasedAt      *time.Time
		releaseReason   *string
	)
	if err := row.Scan(
		&b.ID, &chainKey, &height, &b.Category, &b.PrevHash, &b.ContentHash,
		&b.Signature, &b.Payload, &b.CreatedAt, &b.RetentionExpiry,
		&b.LegalHold.Active, &placedBy, &reason, &placedAt,
		&expectedRelease, &releasedBy, &releasedAt, &releaseReason,
	); err != nil {
		return nil, err
	}

	key, err := ParseChainKey(chainKey)
	if err != nil {
		return nil, err
	}
	b.ChainKey = key
	b.Height = uint64(height)

	if placedBy != nil {
		b.LegalHold.PlacedBy = *placedBy
	}
	if reason != nil {
		b.LegalHold.Reason = *reason
	}
	if placedAt != nil {
		b.LegalHold.PlacedAt = *placedAt
	}
	if expectedRelease != nil {
		b.LegalHold.ExpectedRelease = *expectedRelease
	}
	if releasedBy != nil {
		b.LegalHold.ReleasedBy = *releasedBy
	}
	if releasedAt != nil {
		b.LegalHold.ReleasedAt = *releasedAt
	}
	if releaseReason != nil {
		b.LegalHold.ReleaseReason = *releaseReason
	}
	return &b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
