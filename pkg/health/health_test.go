package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

type status struct {
	Status string
	Checks map[string]string
}

func serve(t *testing.T, endpoint http.HandlerFunc) (int, status) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var s status
	d := jx.DecodeBytes(w.Body.Bytes())
	require.NoError(t, d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			v, err := d.Str()
			s.Status = v
			return err
		case "checks":
			s.Checks = map[string]string{}
			return d.ObjBytes(func(d *jx.Decoder, name []byte) error {
				v, err := d.Str()
				s.Checks[string(name)] = v
				return err
			})
		default:
			return d.Skip()
		}
	}))
	return w.Code, s
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	code, s := serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", s.Status)

	h.AddLivenessCheck("ok", time.Second, passing())
	h.AddLivenessCheck("db", time.Second, failing("connection refused"))
	db := h.checks[liveness][1]

	// Below the failure threshold the check stays healthy.
	runN(db, 2)
	code, _ = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)

	runN(db, 1)
	code, s = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", s.Status)
	assert.Equal(t, map[string]string{"db": "connection refused"}, s.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("db", time.Second, passing())
	h.AddReadinessCheck("amqp", time.Second, failing("channel closed"))

	code, s := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, s.Checks, "_readiness")

	h.SetReady(true)
	code, _ = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	runN(h.checks[readiness][1], 3)
	code, s = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, s.Checks, "amqp")
	assert.NotContains(t, s.Checks, "db")
	assert.False(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovers(t *testing.T) {
	down := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	})
	c := h.checks[liveness][0]
	assert.Equal(t, "check is unhealthy", c.failure())

	runN(c, 3)
	assert.False(t, c.healthy.Load())
	assert.Equal(t, "down", c.failure())

	down = false
	runN(c, 1)
	assert.True(t, c.healthy.Load())
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("live", time.Second, failing("err"))
	h.AddReadinessCheck("ready", time.Second, passing())
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	h.Stop()
	h.Stop()
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, GoroutineCountCheck(100000)(ctx))
	require.ErrorContains(t, GoroutineCountCheck(0)(ctx), "exceeds threshold")
	require.NoError(t, GCMaxPauseCheck(time.Hour)(ctx))

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	var last time.Time
	check := FreshnessCheck(func() time.Time { return last }, time.Minute, func() time.Time { return now })

	require.EqualError(t, check(ctx), "never ran")

	last = now.Add(-time.Minute)
	require.NoError(t, check(ctx))

	last = now.Add(-2 * time.Minute)
	require.ErrorContains(t, check(ctx), "exceeds 1m0s")
}
