package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1 req/sec, burst 2
	limiter := NewRateLimiter(ctx, 1, 2)
	handler := RequestID(limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/count/r1", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, call("10.0.0.1:5000").Code, "within burst")
	}

	rec := call("10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "exceeded burst")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	p := decodeProblem(t, rec)
	assert.Equal(t, "/count/r1", p.Instance)

	assert.Equal(t, http.StatusOK, call("10.0.0.2:5000").Code, "other clients are unaffected")

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:5000").Code, "refilled token")
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5, 5)

	rl.getVisitor("10.0.0.1")
	rl.getVisitor("10.0.0.2")

	rl.evict(time.Now())
	assert.Len(t, rl.visitors, 2)

	rl.evict(time.Now().Add(4 * time.Minute))
	assert.Empty(t, rl.visitors)
}
