// Package api exposes the ledger over HTTP. Handlers are thin: they parse,
// delegate to the facade, and map the typed error taxonomy onto status
// codes. All business rules live below this layer.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/veritaslegal/veritas/internal/envelope"
	"github.com/veritaslegal/veritas/internal/ledger"
	"github.com/veritaslegal/veritas/internal/retention"
	"go.uber.org/zap"
)

// LedgerHandler exposes append/read/verify/hold endpoints for the ledger.
type LedgerHandler struct {
	ledger  *ledger.Ledger
	sweeper *retention.Manager
	vault   *envelope.Service // nil = field-level encryption disabled
	logger  *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger, sweeper *retention.Manager, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, sweeper: sweeper, logger: logger}
}

// SetEnvelope enables field-level payload encryption via encrypt_fields.
func (h *LedgerHandler) SetEnvelope(vault *envelope.Service) { h.vault = vault }

// Register mounts the ledger routes. admin guards the compliance-officer
// operations: holds, releases, and sweeps.
func (h *LedgerHandler) Register(rg *gin.RouterGroup, admin gin.HandlerFunc) {
	chains := rg.Group("/chains")
	{
		chains.GET("", h.ListChains)
		chains.POST("/:tenant/:kind/blocks", h.Append)
		chains.GET("/:tenant/:kind", h.Overview)
		chains.GET("/:tenant/:kind/verify", h.VerifyRange)
	}
	blocks := rg.Group("/blocks")
	{
		blocks.GET("/:id", h.GetBlock)
		blocks.POST("/:id/hold", admin, h.PlaceHold)
		blocks.POST("/:id/release", admin, h.ReleaseHold)
	}
	rg.POST("/retention/sweep", admin, h.Sweep)
	rg.GET("/retention/halts", h.ListHalts)
	rg.POST("/retention/halts/:tenant/:kind/release", admin, h.ReleaseHalt)
}

// AppendRequest is the body of POST /chains/:tenant/:kind/blocks.
type AppendRequest struct {
	Category      string         `json:"category"`
	Payload       map[string]any `json:"payload" binding:"required"`
	EncryptFields []string       `json:"encrypt_fields,omitempty"`
}

// Append handles POST /chains/:tenant/:kind/blocks.
func (h *LedgerHandler) Append(c *gin.Context) {
	ctx := c.Request.Context()
	key := chainKeyFromPath(c)

	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	category := ledger.Category(req.Category)
	if req.Category == "" {
		category = ledger.CategoryRoutine
	}

	// Field-level encryption happens here, at the payload-construction
	// boundary. The chain below stores bytes; it never sees key material.
	if len(req.EncryptFields) > 0 {
		if h.vault == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "field encryption is not enabled"})
			return
		}
		for _, field := range req.EncryptFields {
			val, ok := req.Payload[field]
			if !ok {
				continue
			}
			raw, err := json.Marshal(val)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "field " + field + " is not encodable"})
				return
			}
			enc, err := h.vault.EncryptField(key.TenantID, raw)
			if err != nil {
				h.logger.Error("field encryption", zap.String("field", field), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "field encryption failed"})
				return
			}
			req.Payload[field] = enc
		}
	}

	block, err := h.ledger.Append(ctx, key, category, req.Payload)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}

	RecordAppend(string(key.Kind))
	c.JSON(http.StatusCreated, block)
}

// GetBlock handles GET /blocks/:id.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	block, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

// Overview handles GET /chains/:tenant/:kind — chain length and tip hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	key := chainKeyFromPath(c)

	head, err := h.ledger.Head(c.Request.Context(), key)
	if errors.Is(err, ledger.ErrEmptyChain) {
		c.JSON(http.StatusOK, gin.H{"chain_key": key, "blocks": 0})
		return
	}
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chain_key": key,
		"blocks":    head.Height + 1,
		"tip":       head.ContentHash,
		"tip_id":    head.ID,
	})
}

// ListChains handles GET /chains.
func (h *LedgerHandler) ListChains(c *gin.Context) {
	keys, err := h.ledger.Chains(c.Request.Context())
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chains": keys})
}

// VerifyRange handles GET /chains/:tenant/:kind/verify?from=&to=.
// Omitting the range verifies the whole chain.
func (h *LedgerHandler) VerifyRange(c *gin.Context) {
	ctx := c.Request.Context()
	key := chainKeyFromPath(c)

	from, err := parseHeight(c.Query("from"), 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}

	var to uint64
	if s := c.Query("to"); s != "" {
		to, err = parseHeight(s, 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
			return
		}
	} else {
		head, err := h.ledger.Head(ctx, key)
		if errors.Is(err, ledger.ErrEmptyChain) {
			c.JSON(http.StatusOK, gin.H{"chain_key": key, "valid_chain": true, "results": []any{}})
			return
		}
		if err != nil {
			writeLedgerError(c, h.logger, err)
			return
		}
		to = head.Height
	}

	report, err := h.ledger.VerifyRange(ctx, key, from, to)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}

	RecordVerification(report.ValidChain)
	c.JSON(http.StatusOK, report)
}

// HoldRequest is the body of POST /blocks/:id/hold.
type HoldRequest struct {
	PlacedBy        string    `json:"placed_by" binding:"required"`
	Reason          string    `json:"reason" binding:"required"`
	ExpectedRelease time.Time `json:"expected_release"`
}

// PlaceHold handles POST /blocks/:id/hold.
func (h *LedgerHandler) PlaceHold(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	block, err := h.ledger.PlaceHold(c.Request.Context(), id, req.PlacedBy, req.Reason, req.ExpectedRelease)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

// ReleaseRequest is the body of POST /blocks/:id/release.
type ReleaseRequest struct {
	ReleasedBy string `json:"released_by" binding:"required"`
	Reason     string `json:"reason"`
}

// ReleaseHold handles POST /blocks/:id/release.
func (h *LedgerHandler) ReleaseHold(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	block, err := h.ledger.ReleaseHold(c.Request.Context(), id, req.ReleasedBy, req.Reason)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

// SweepRequest is the body of POST /retention/sweep. AsOf defaults to now.
type SweepRequest struct {
	AsOf time.Time `json:"as_of"`
}

// Sweep handles POST /retention/sweep — the scheduled retention entry point,
// also invokable on demand by compliance admins.
func (h *LedgerHandler) Sweep(c *gin.Context) {
	var req SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	report, err := h.sweeper.Sweep(c.Request.Context(), asOf)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}

	RecordSweep(len(report.Deleted), len(report.Skipped))
	c.JSON(http.StatusOK, report)
}

// ListHalts handles GET /retention/halts — the chains the sweep has halted
// for manual review.
func (h *LedgerHandler) ListHalts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"halted": h.sweeper.HaltedChains()})
}

// ReleaseHalt handles POST /retention/halts/:tenant/:kind/release. The next
// sweep re-verifies the chain, so releasing an unrepaired chain re-halts it.
func (h *LedgerHandler) ReleaseHalt(c *gin.Context) {
	key := chainKeyFromPath(c)
	if !h.sweeper.ReleaseHalt(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain is not halted"})
		return
	}
	h.logger.Info("retention halt released via API", zap.String("chain", key.String()))
	c.JSON(http.StatusOK, gin.H{"chain_key": key, "released": true})
}

// writeLedgerError maps the error taxonomy onto HTTP responses. Integrity
// errors are never masked as plain 500s; the caller must see what broke.
func writeLedgerError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		ve *ledger.ValidationError
		se *ledger.SequencingError
		ie *ledger.ChainIntegrityError
		su *ledger.SigningUnavailableError
		rv *ledger.RetentionViolationError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
	case errors.As(err, &se):
		c.JSON(http.StatusConflict, gin.H{"error": se.Error(), "retryable": true})
	case errors.As(err, &su):
		logger.Warn("signing capability unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": su.Error(), "retryable": true})
	case errors.As(err, &ie):
		logger.Error("chain integrity failure", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{
			"error":  ie.Error(),
			"chain":  ie.ChainKey.String(),
			"height": ie.Height,
			"reason": ie.Reason,
		})
	case errors.As(err, &rv):
		c.JSON(http.StatusConflict, gin.H{"error": rv.Error()})
	default:
		logger.Error("ledger operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func chainKeyFromPath(c *gin.Context) ledger.ChainKey {
	return ledger.ChainKey{
		TenantID: c.Param("tenant"),
		Kind:     ledger.Kind(c.Param("kind")),
	}
}

func parseHeight(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
