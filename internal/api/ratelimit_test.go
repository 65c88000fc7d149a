package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/veritaslegal/veritas/internal/api"
)

func TestRateLimiter_bucketsPerCaller(t *testing.T) {
	router := gin.New()
	router.Use(api.RateLimiter(1, 1))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if got := do("svc-a"); got != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", got)
	}
	if got := do("svc-a"); got != http.StatusTooManyRequests {
		t.Errorf("burst exceeded: got %d, want 429", got)
	}

	// A different service account has its own bucket, same source address.
	if got := do("svc-b"); got != http.StatusOK {
		t.Errorf("second caller throttled by first caller's bucket: got %d", got)
	}

	// Anonymous requests share the per-IP bucket, separate from token buckets.
	if got := do(""); got != http.StatusOK {
		t.Errorf("first anonymous request: got %d, want 200", got)
	}
	if got := do(""); got != http.StatusTooManyRequests {
		t.Errorf("anonymous burst exceeded: got %d, want 429", got)
	}
}
