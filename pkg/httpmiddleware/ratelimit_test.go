package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func get(h http.Handler, remote string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	h := RateLimit(t.Context(), RateLimitConfig{
		Max:    2,
		Window: time.Minute,
		Now:    func() time.Time { return now },
	})(okHandler())

	w := get(h, "10.0.0.1:9999")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1749988860", w.Header().Get("X-RateLimit-Reset"))

	require.Equal(t, http.StatusOK, get(h, "10.0.0.1:9999").Code)

	w = get(h, "10.0.0.1:1111")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(429), body["code"])
	assert.Equal(t, "rate_limited", body["reason"])

	// Other clients have their own budget.
	assert.Equal(t, http.StatusOK, get(h, "10.0.0.2:9999").Code)

	// Half way into the next window half of the previous count still weighs.
	now = now.Add(90 * time.Second)
	assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:9999").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "10.0.0.1:9999").Code)

	// Two idle windows reset the counter.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:9999").Code)
}

func TestRateLimit_Keys(t *testing.T) {
	byKey := RateLimit(t.Context(), RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		KeyFunc: func(r *http.Request) string {
			return r.Header.Get("X-API-Key")
		},
	})(okHandler())

	assert.Equal(t, http.StatusOK, get(byKey, "10.0.0.1:1", "X-API-Key", "key-a").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(byKey, "10.0.0.2:1", "X-API-Key", "key-a").Code)
	assert.Equal(t, http.StatusOK, get(byKey, "10.0.0.1:1", "X-API-Key", "key-b").Code)

	// An empty key falls back to the client address.
	assert.Equal(t, http.StatusOK, get(byKey, "10.0.0.3:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(byKey, "10.0.0.3:2").Code)

	byIP := RateLimit(t.Context(), RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	assert.Equal(t, http.StatusOK, get(byIP, "192.168.1.1:4444", "X-Forwarded-For", "203.0.113.50, 70.41.3.18").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(byIP, "192.168.1.2:5555", "X-Forwarded-For", "203.0.113.50").Code)
	assert.Equal(t, http.StatusOK, get(byIP, "192.168.1.2:5555", "X-Real-IP", "198.51.100.7").Code)
}
