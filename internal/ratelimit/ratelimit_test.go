package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payclaw/payclaw/internal/auth"
)

func testLimiter(t *testing.T, rpm, burst int) *Limiter {
	t.Helper()
	l := New(Config{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(l.Stop)
	return l
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := testLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if l.Allow("client-a") {
		t.Error("request beyond burst allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := testLimiter(t, 60, 2)

	l.Allow("client-a")
	l.Allow("client-a")
	if l.Allow("client-a") {
		t.Error("client-a should be exhausted")
	}
	if !l.Allow("client-b") {
		t.Error("client-b should be unaffected")
	}
}

func TestAllow_TokensRefill(t *testing.T) {
	l := testLimiter(t, 6000, 1) // 100 tokens/sec for a fast test

	if !l.Allow("client-a") {
		t.Fatal("first request denied")
	}
	if l.Allow("client-a") {
		t.Fatal("second immediate request allowed")
	}

	time.Sleep(50 * time.Millisecond)
	if !l.Allow("client-a") {
		t.Error("request after refill denied")
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := testLimiter(t, 60, 1)

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	do := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
}

func TestMiddleware_KeyedByAPIKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := testLimiter(t, 60, 1)

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	do := func(key string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if key != "" {
			req.Header.Set(auth.HeaderAPIKey, key)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Same IP, distinct keys: each gets its own bucket.
	if code := do("agent-one"); code != http.StatusOK {
		t.Fatalf("agent-one = %d", code)
	}
	if code := do("agent-two"); code != http.StatusOK {
		t.Errorf("agent-two = %d, want 200", code)
	}
	if code := do("agent-one"); code != http.StatusTooManyRequests {
		t.Errorf("agent-one repeat = %d, want 429", code)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()

	def := DefaultConfig()
	if l.cfg.RequestsPerMinute != def.RequestsPerMinute || l.cfg.BurstSize != def.BurstSize {
		t.Errorf("cfg = %+v, want defaults applied", l.cfg)
	}
}
