package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veritaslegal/veritas/internal/health"
	"go.uber.org/zap"
)

var ctx = context.Background()

func TestChecker_degradesAtThresholdAndRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	checker := health.New([]health.Probe{
		{Name: "signing", Check: func(context.Context) error {
			if failing.Load() {
				return errors.New("capability down")
			}
			return nil
		}},
	}, health.Config{FailThreshold: 3, ProbeTimeout: time.Second}, zap.NewNop())

	if !checker.Healthy() {
		t.Fatal("checker unhealthy before any probe ran")
	}

	// Below the threshold the checker stays healthy.
	checker.CheckAll(ctx)
	checker.CheckAll(ctx)
	if !checker.Healthy() {
		t.Error("degraded before reaching the failure threshold")
	}

	checker.CheckAll(ctx)
	if checker.Healthy() {
		t.Error("still healthy at the failure threshold")
	}

	failing.Store(false)
	checker.CheckAll(ctx)
	if !checker.Healthy() {
		t.Error("did not recover after a successful probe")
	}
}

func TestChecker_probesIndependent(t *testing.T) {
	checker := health.New([]health.Probe{
		{Name: "good", Check: func(context.Context) error { return nil }},
		{Name: "bad", Check: func(context.Context) error { return errors.New("down") }},
	}, health.Config{FailThreshold: 1, ProbeTimeout: time.Second}, zap.NewNop())

	checker.CheckAll(ctx)
	if checker.Healthy() {
		t.Error("one failing probe must mark the checker unhealthy")
	}
}

func TestChecker_startReturnsWhenStopped(t *testing.T) {
	var calls atomic.Int32
	checker := health.New([]health.Probe{
		{Name: "signing", Check: func(context.Context) error {
			calls.Add(1)
			return nil
		}},
	}, health.Config{CheckInterval: 5 * time.Millisecond, ProbeTimeout: time.Second}, zap.NewNop())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		checker.Start(stop)
		close(done)
	}()

	deadline := time.After(time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("probe never ran")
		case <-time.After(time.Millisecond):
		}
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after stop")
	}
}

func TestChecker_metricsCallback(t *testing.T) {
	var calls atomic.Int32
	checker := health.New([]health.Probe{
		{Name: "storage", Check: func(context.Context) error { return nil }},
	}, health.Config{}, zap.NewNop())
	checker.SetMetricsRecord(func(probe string, success bool) {
		if probe != "storage" || !success {
			t.Errorf("unexpected metrics record: %s %v", probe, success)
		}
		calls.Add(1)
	})

	checker.CheckAll(ctx)
	if calls.Load() != 1 {
		t.Errorf("metrics callback calls: got %d, want 1", calls.Load())
	}
}
