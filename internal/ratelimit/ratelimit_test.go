package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowledger/internal/auth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(t *testing.T, perMin, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(Config{RequestsPerMinute: perMin, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("ip:1.2.3.4"); !ok {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}

	ok, wait := l.Allow("ip:1.2.3.4")
	if ok {
		t.Fatal("request after burst should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want (0, 1s]", wait)
	}

	clock.advance(time.Second)
	if ok, _ := l.Allow("ip:1.2.3.4"); !ok {
		t.Error("request after one refill interval should be allowed")
	}
}

func TestLimiterAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 2)

	l.Allow("a")
	l.Allow("a")
	if ok, _ := l.Allow("a"); ok {
		t.Error("a should be limited")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Error("b should not be affected by a")
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_ByCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 1)

	alice := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	r := gin.New()
	r.POST("/v1/orders/:id/release", func(c *gin.Context) {
		switch c.GetHeader("X-Test-Caller") {
		case "alice":
			c.Set(auth.ContextKeyCaller, alice)
		case "bob":
			c.Set(auth.ContextKeyCaller, bob)
		}
		c.Next()
	}, l.Middleware(ByCaller), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(who string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/orders/1/release", nil)
		if who != "" {
			req.Header.Set("X-Test-Caller", who)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("alice"); w.Code != http.StatusOK {
		t.Fatalf("first alice request = %d", w.Code)
	}
	w := do("alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second alice request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	if w := do("bob"); w.Code != http.StatusOK {
		t.Errorf("bob request = %d, want 200", w.Code)
	}
	// Unauthenticated requests are not keyed by caller.
	for i := 0; i < 3; i++ {
		if w := do(""); w.Code != http.StatusOK {
			t.Errorf("anonymous request %d = %d", i, w.Code)
		}
	}
}
