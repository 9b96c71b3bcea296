package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/mmbot/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrader struct {
	snap    monitor.Snapshot
	hasSnap bool
	halts   atomic.Int32
	resumes atomic.Int32
}

func (f *fakeTrader) Snapshot() (monitor.Snapshot, bool) { return f.snap, f.hasSnap }
func (f *fakeTrader) Halt() { f.halts.Add(1) }
func (f *fakeTrader) Resume() { f.resumes.Add(1) }

func newTestServer(t *testing.T, trader Trader, opts Options) *httptest.Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	if opts.Gatherer == nil {
		reg := prometheus.NewRegistry()
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: "mmbot_test_total", Help: "test"})
		reg.MustRegister(c)
		c.Inc()
		opts.Gatherer = reg
	}
	s, err := NewServer(trader, logger, opts)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func login(t *testing.T, url, password string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/login", "application/json", strings.NewReader(`{"password":"`+password+`"}`))
	require.NoError(t, err)
	return resp
}

func postWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeTrader{}, Options{})

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusEndpoints(t *testing.T) {
	trader := &fakeTrader{}
	ts := newTestServer(t, trader, Options{})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	trader.snap = monitor.Snapshot{Exchange: "paper", Symbol: "SOL_USDC_PERP", Verdict: "continue", Ticks: 3}
	trader.hasSnap = true

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap monitor.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "SOL_USDC_PERP", snap.Symbol)
	assert.Equal(t, int64(3), snap.Ticks)

	for _, path := range []string{"/api/positions", "/api/orders"} {
		r, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		r.Body.Close()
		assert.Equal(t, http.StatusOK, r.StatusCode, path)
	}

	r, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, r.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeTrader{}, Options{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mmbot_test_total 1")
}

func TestControlRequiresToken(t *testing.T) {
	trader := &fakeTrader{}
	ts := newTestServer(t, trader, Options{AdminPassword: "hunter2", JWTSecret: "s3cret"})

	resp := postWithToken(t, ts.URL+"/api/control/halt", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postWithToken(t, ts.URL+"/api/control/halt", "not-a-jwt")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = login(t, ts.URL, "wrong")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = login(t, ts.URL, "hunter2")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	require.NotEmpty(t, lr.Token)
	assert.WithinDuration(t, time.Now().Add(tokenTTL), lr.ExpiresAt, time.Minute)

	resp = postWithToken(t, ts.URL+"/api/control/halt", lr.Token)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), trader.halts.Load())

	resp = postWithToken(t, ts.URL+"/api/control/resume", lr.Token)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), trader.resumes.Load())
}

func TestControlPanelDisabled(t *testing.T) {
	ts := newTestServer(t, &fakeTrader{}, Options{AdminPassword: "hunter2", DisableControlPanel: true})

	resp := login(t, ts.URL, "hunter2")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postWithToken(t, ts.URL+"/api/control/halt", "anything")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoginWithoutPassword(t *testing.T) {
	ts := newTestServer(t, &fakeTrader{}, Options{})

	resp := login(t, ts.URL, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenExpiry(t *testing.T) {
	auth, err := NewAuthenticator("pw", "")
	require.NoError(t, err)

	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return issued }
	token, _, err := auth.Login("pw")
	require.NoError(t, err)
	require.NoError(t, auth.Verify(token))

	auth.now = func() time.Time { return issued.Add(tokenTTL + time.Minute) }
	assert.Error(t, auth.Verify(token))

	other, err := NewAuthenticator("pw", "")
	require.NoError(t, err)
	other.now = func() time.Time { return issued }
	assert.Error(t, other.Verify(token), "random keys differ per instance")
}

func TestLoginIsRateLimited(t *testing.T) {
	ts := newTestServer(t, &fakeTrader{}, Options{AdminPassword: "hunter2"})

	for i := 0; i < loginAttempts; i++ {
		resp := login(t, ts.URL, "guess")
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}

	resp := login(t, ts.URL, "hunter2")
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRemoteLimiterRefills(t *testing.T) {
	l := newRemoteLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.allow("10.0.0.1")
	assert.True(t, ok)
	ok, wait := l.allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	ok, _ = l.allow("10.0.0.2")
	assert.True(t, ok, "limits are per client")

	now = now.Add(30 * time.Second)
	ok, _ = l.allow("10.0.0.1")
	assert.True(t, ok)

	now = now.Add(limiterTTL + time.Second)
	l.allow("10.0.0.3")
	l.mu.Lock()
	assert.Len(t, l.clients, 1, "idle clients are evicted")
	l.mu.Unlock()
}
