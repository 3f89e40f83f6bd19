package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// newTestLimiter returns a limiter driven by the returned clock pointer.
func newTestLimiter(max int, period time.Duration) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(max, period)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_Allow(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := range 3 {
		d := l.Allow("u1")
		require.True(t, d.Allowed, "event %d", i+1)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Allow("u1")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	assert.True(t, l.Allow("u2").Allowed, "keys are independent")
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l, now := newTestLimiter(4, time.Minute)

	for range 4 {
		require.True(t, l.Allow("u1").Allowed)
	}
	require.False(t, l.Allow("u1").Allowed)

	// A quarter into the next window, 3/4 of the previous count still weighs in.
	*now = now.Add(time.Minute + 15*time.Second)
	assert.True(t, l.Allow("u1").Allowed)
	assert.False(t, l.Allow("u1").Allowed)

	// Two full windows later the key starts clean.
	*now = now.Add(2 * time.Minute)
	for range 4 {
		assert.True(t, l.Allow("u1").Allowed)
	}
}

func TestLimiter_Evict(t *testing.T) {
	l, now := newTestLimiter(1, time.Minute)
	l.Allow("u1")

	l.evict(now.Add(time.Minute))
	assert.Len(t, l.keys, 1)

	l.evict(now.Add(3 * time.Minute))
	assert.Empty(t, l.keys)
}

func TestRateLimit_OverLimit(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)
	handler := RateLimit(l, nil)(okHandler())

	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:9999"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1111"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var (
		code    int
		message string
	)
	err := jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = d.Int()
		case "message":
			message, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", message)
}

func TestRateLimit_CustomKey(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	handler := RateLimit(l, func(r *http.Request) string {
		return r.Header.Get("X-API-Key")
	})(okHandler())

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("key-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("key-a"))
	assert.Equal(t, http.StatusOK, send("key-b"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		remote string
		want   string
	}{
		{"forwarded for", http.Header{"X-Forwarded-For": {"203.0.113.50, 70.41.3.18"}}, "10.0.0.1:1", "203.0.113.50"},
		{"real ip", http.Header{"X-Real-Ip": {"198.51.100.7"}}, "10.0.0.1:1", "198.51.100.7"},
		{"remote addr", http.Header{}, "10.0.0.1:1234", "10.0.0.1"},
		{"remote without port", http.Header{}, "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header = tt.header
			req.RemoteAddr = tt.remote
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
