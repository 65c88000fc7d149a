// Package health runs periodic liveness probes against the ledger's
// external capabilities — storage and signing — so a fail-closed append path
// is noticed before the first rejected write.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe is one named capability check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(probe string, success bool)

// Checker runs periodic capability probes with degraded/recovered
// transitions at a failure threshold.
type Checker struct {
	probes     []Probe
	failCounts map[string]int
	mu         sync.Mutex
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a Checker over the given probes.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		probes:     probes,
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// Start runs the probe loop until stop is closed. Pass a context's Done
// channel to tie the loop to process shutdown.
func (c *Checker) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckInterval)
			c.CheckAll(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// CheckAll runs every probe once.
func (c *Checker) CheckAll(ctx context.Context) {
	for _, p := range c.probes {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		err := p.Check(probeCtx)
		cancel()

		success := err == nil
		if c.onMetrics != nil {
			c.onMetrics(p.Name, success)
		}

		c.mu.Lock()
		prevCount := c.failCounts[p.Name]
		if success {
			c.failCounts[p.Name] = 0
		} else {
			c.failCounts[p.Name]++
		}
		count := c.failCounts[p.Name]
		c.mu.Unlock()

		switch {
		case success && prevCount >= c.cfg.FailThreshold:
			c.logger.Info("health: capability recovered", zap.String("probe", p.Name))
		case !success && count == c.cfg.FailThreshold:
			// Transition: healthy → degraded (exactly at threshold).
			c.logger.Warn("health: capability degraded",
				zap.String("probe", p.Name),
				zap.Int("fail_count", count),
				zap.Error(err),
			)
		case !success:
			c.logger.Debug("health: probe failed", zap.String("probe", p.Name), zap.Error(err))
		}
	}
}

// Healthy reports whether no probe is currently at or past the failure
// threshold.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.failCounts {
		if n >= c.cfg.FailThreshold {
			return false
		}
	}
	return true
}
