// Package client provides the Veritas Go SDK for appending to, reading, and
// verifying tamper-evident ledger chains over the HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned when the server reports the requested block or
// chain does not exist.
var ErrNotFound = errors.New("not found")

// Block is the ledger block record returned by the API.
type Block struct {
	ID              string          `json:"id"`
	ChainKey        ChainKey        `json:"chain_key"`
	Height          uint64          `json:"height"`
	Category        string          `json:"category"`
	PrevHash        string          `json:"prev_hash"`
	ContentHash     string          `json:"content_hash"`
	Signature       []byte          `json:"signature"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
	RetentionExpiry time.Time       `json:"retention_expiry"`
	LegalHold       LegalHold       `json:"legal_hold"`
}

// ChainKey identifies one chain: a tenant plus a ledger kind.
type ChainKey struct {
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind"`
}

// LegalHold mirrors the block's hold state.
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

// ChainOverview summarises one chain: its length and tip hash.
type ChainOverview struct {
	ChainKey ChainKey `json:"chain_key"`
	Blocks   uint64   `json:"blocks"`
	Tip      string   `json:"tip,omitempty"`
	TipID    string   `json:"tip_id,omitempty"`
}

// HeightResult is the verification outcome for one height.
type HeightResult struct {
	Height uint64 `json:"height"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerificationReport is the result of a verify call.
type VerificationReport struct {
	ChainKey   ChainKey       `json:"chain_key"`
	From       uint64         `json:"from"`
	To         uint64         `json:"to"`
	Results    []HeightResult `json:"results"`
	ValidChain bool           `json:"valid_chain"`
	FirstBreak *uint64        `json:"first_break,omitempty"`
}

// SweepReport summarises one retention sweep run.
type SweepReport struct {
	AsOf    time.Time         `json:"as_of"`
	Deleted []string          `json:"deleted"`
	Skipped []SkipEvent       `json:"skipped"`
	Halted  map[string]string `json:"halted,omitempty"`
}

// SkipEvent is one block a sweep declined to delete.
type SkipEvent struct {
	BlockID  string   `json:"block_id"`
	ChainKey ChainKey `json:"chain_key"`
	Height   uint64   `json:"height"`
	Reason   string   `json:"reason"`
}

// AppendRequest is the payload for Append.
type AppendRequest struct {
	Category      string         `json:"category,omitempty"`
	Payload       map[string]any `json:"payload"`
	EncryptFields []string       `json:"encrypt_fields,omitempty"`
}

// Client is the Veritas SDK entry point.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a service token to every request. Required for
// hold, release, and sweep operations.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout overrides the default 10 s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client connected to baseURL.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append commits one new block on the given chain and returns it.
func (c *Client) Append(ctx context.Context, tenant, kind string, req AppendRequest) (*Block, error) {
	path := fmt.Sprintf("/api/v1/chains/%s/%s/blocks", url.PathEscape(tenant), url.PathEscape(kind))
	var block Block
	if err := c.postJSON(ctx, path, req, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlock fetches one block by UUID.
func (c *Client) GetBlock(ctx context.Context, id string) (*Block, error) {
	var block Block
	if err := c.getJSON(ctx, "/api/v1/blocks/"+url.PathEscape(id), &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// Overview returns the chain's length and tip hash.
func (c *Client) Overview(ctx context.Context, tenant, kind string) (*ChainOverview, error) {
	path := fmt.Sprintf("/api/v1/chains/%s/%s", url.PathEscape(tenant), url.PathEscape(kind))
	var ov ChainOverview
	if err := c.getJSON(ctx, path, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// ListChains lists every chain with at least one block.
func (c *Client) ListChains(ctx context.Context) ([]ChainKey, error) {
	var wrapper struct {
		Chains []ChainKey `json:"chains"`
	}
	if err := c.getJSON(ctx, "/api/v1/chains", &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Chains, nil
}

// Verify replays heights from..to of the chain server-side and returns the
// per-height results. Pass nil for from/to to verify the whole chain.
func (c *Client) Verify(ctx context.Context, tenant, kind string, from, to *uint64) (*VerificationReport, error) {
	path := fmt.Sprintf("/api/v1/chains/%s/%s/verify", url.PathEscape(tenant), url.PathEscape(kind))
	q := url.Values{}
	if from != nil {
		q.Set("from", strconv.FormatUint(*from, 10))
	}
	if to != nil {
		q.Set("to", strconv.FormatUint(*to, 10))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var report VerificationReport
	if err := c.getJSON(ctx, path, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// PlaceHold activates a legal hold on the block. Requires a bearer token with
// the compliance:admin scope.
func (c *Client) PlaceHold(ctx context.Context, id, placedBy, reason string, expectedRelease time.Time) (*Block, error) {
	body := map[string]any{
		"placed_by": placedBy,
		"reason":    reason,
	}
	if !expectedRelease.IsZero() {
		body["expected_release"] = expectedRelease.UTC().Format(time.RFC3339)
	}
	var block Block
	if err := c.postJSON(ctx, "/api/v1/blocks/"+url.PathEscape(id)+"/hold", body, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// ReleaseHold clears an active legal hold on the block.
func (c *Client) ReleaseHold(ctx context.Context, id, releasedBy, reason string) (*Block, error) {
	body := map[string]any{
		"released_by": releasedBy,
		"reason":      reason,
	}
	var block Block
	if err := c.postJSON(ctx, "/api/v1/blocks/"+url.PathEscape(id)+"/release", body, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// Halts lists the chains the retention sweep has halted for manual review,
// keyed by chain key with the integrity reason.
func (c *Client) Halts(ctx context.Context) (map[string]string, error) {
	var wrapper struct {
		Halted map[string]string `json:"halted"`
	}
	if err := c.getJSON(ctx, "/api/v1/retention/halts", &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Halted, nil
}

// ReleaseHalt clears a sweep halt on the chain after manual review. The next
// sweep re-verifies the chain, so releasing an unrepaired chain re-halts it.
func (c *Client) ReleaseHalt(ctx context.Context, tenant, kind string) error {
	path := fmt.Sprintf("/api/v1/retention/halts/%s/%s/release", url.PathEscape(tenant), url.PathEscape(kind))
	return c.postJSON(ctx, path, map[string]any{}, nil)
}

// Sweep runs a retention sweep as of the given time (zero = server now).
func (c *Client) Sweep(ctx context.Context, asOf time.Time) (*SweepReport, error) {
	body := map[string]any{}
	if !asOf.IsZero() {
		body["as_of"] = asOf.UTC().Format(time.RFC3339)
	}
	var report SweepReport
	if err := c.postJSON(ctx, "/api/v1/retention/sweep", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized: %s", string(body))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
