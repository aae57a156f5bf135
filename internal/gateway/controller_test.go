package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/forwarder"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
	"github.com/vyrodovalexey/keygate/internal/secrets"
	"github.com/vyrodovalexey/keygate/internal/validator"
)

const testSecret = "sk_test_4a5b6c7d"

type staticCredentials struct {
	value string
	err   error
}

func (s staticCredentials) GetSecret(context.Context) (string, error) {
	return s.value, s.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingUpstream captures the last query it received.
type recordingUpstream struct {
	mu      sync.Mutex
	queries []url.Values
	paths   []string
	server  *httptest.Server
}

func newRecordingUpstream(t *testing.T, status int, body string) *recordingUpstream {
	t.Helper()
	u := &recordingUpstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.queries = append(u.queries, r.URL.Query())
		u.paths = append(u.paths, r.URL.Path)
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *recordingUpstream) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queries)
}

func (u *recordingUpstream) last() (string, url.Values) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paths[len(u.paths)-1], u.queries[len(u.queries)-1]
}

type harness struct {
	controller *Controller
	clock      *fakeClock
	limiter    *ratelimit.TokenBucketLimiter
	logs       *bytes.Buffer
}

func newHarness(t *testing.T, baseURL string, creds forwarder.CredentialSource, opts ...ControllerOption) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter, err := ratelimit.NewTokenBucketLimiter(store.NewMemoryStore(0), 60, 0.5,
		ratelimit.WithLimiterClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	var logs bytes.Buffer
	logger, err := observability.NewLoggerWithWriter(observability.LogConfig{Level: "debug", Format: "json"}, &logs)
	require.NoError(t, err)

	fwd, err := forwarder.New(forwarder.Config{
		BaseURL:          baseURL,
		CredentialParam:  "key",
		Timeout:          2 * time.Second,
		MaxResponseBytes: 1 << 20,
	}, creds, forwarder.WithLogger(logger))
	require.NoError(t, err)

	opts = append([]ControllerOption{WithControllerLogger(logger)}, opts...)
	c, err := NewController(validator.NewFromConfig(config.DefaultConfig().Validator), limiter, fwd, opts...)
	require.NoError(t, err)

	return &harness{controller: c, clock: clock, limiter: limiter, logs: &logs}
}

func postJSON(t *testing.T, h http.Handler, remote, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error
}

func TestController_EndToEndSearch(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{"items":[1,2,3]}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	body := `{"operation":"search","params":{"query":"` + strings.Repeat("a", 100) +
		`","pageSize":"500","debug":"1"}}`
	w := postJSON(t, h.controller, "203.0.113.7:5000", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"items":[1,2,3]}`, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "60", w.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "59", w.Header().Get(HeaderRateLimitRemaining))

	path, q := up.last()
	assert.Equal(t, "/search", path)
	assert.Equal(t, strings.Repeat("a", 80), q.Get("query"))
	assert.Equal(t, "50", q.Get("pageSize"))
	assert.Equal(t, testSecret, q.Get("key"))
	assert.False(t, q.Has("debug"))
}

func TestController_UpstreamStatusPassthrough(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusNotFound, `{"message":"no such item"}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	w := postJSON(t, h.controller, "203.0.113.7:5000", `{"operation":"item/482293"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, `{"message":"no such item"}`, w.Body.String())
	path, _ := up.last()
	assert.Equal(t, "/item/482293", path)
}

func TestController_TokenBucketAdmission(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	for i := 0; i < 60; i++ {
		w := postJSON(t, h.controller, "198.51.100.1:1000", `{"operation":"stats"}`)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := postJSON(t, h.controller, "198.51.100.1:1000", `{"operation":"stats"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, msgRateLimited, decodeError(t, w))
	assert.Equal(t, "2", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "0", w.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, 60, up.calls())

	// A different client has its own bucket.
	w = postJSON(t, h.controller, "198.51.100.2:1000", `{"operation":"stats"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	h.clock.Advance(2 * time.Second)
	w = postJSON(t, h.controller, "198.51.100.1:1000", `{"operation":"stats"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = postJSON(t, h.controller, "198.51.100.1:1000", `{"operation":"stats"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestController_PreflightIsIdempotent(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodOptions, "/api", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		h.controller.ServeHTTP(w, req)

		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	}

	assert.Zero(t, up.calls())
	_, err := h.limiter.Store().Get(context.Background(), "192.0.2.10")
	assert.True(t, store.IsKeyNotFound(err), "preflight must not create a bucket")

	w := postJSON(t, h.controller, "192.0.2.10:4000", `{"operation":"search"}`)
	assert.Equal(t, "59", w.Header().Get(HeaderRateLimitRemaining))
}

func TestController_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		method  string
		body    string
		wantMsg string
		want    int
	}{
		{name: "missing operation", method: http.MethodPost, body: `{"params":{"query":"x"}}`,
			want: http.StatusBadRequest, wantMsg: msgMissingOperation},
		{name: "blank operation", method: http.MethodPost, body: `{"operation":"   "}`,
			want: http.StatusBadRequest, wantMsg: msgMissingOperation},
		{name: "malformed body", method: http.MethodPost, body: `{"operation":`,
			want: http.StatusBadRequest, wantMsg: msgMissingOperation},
		{name: "empty body", method: http.MethodPost, body: ``,
			want: http.StatusBadRequest, wantMsg: msgMissingOperation},
		{name: "not allowed", method: http.MethodPost, body: `{"operation":"admin/delete"}`,
			want: http.StatusBadRequest, wantMsg: msgInvalidOperation},
		{name: "non numeric item", method: http.MethodPost, body: `{"operation":"item/abc"}`,
			want: http.StatusBadRequest, wantMsg: msgInvalidOperation},
		{name: "get", method: http.MethodGet,
			want: http.StatusMethodNotAllowed, wantMsg: msgMethodNotAllowed},
		{name: "delete", method: http.MethodDelete,
			want: http.StatusMethodNotAllowed, wantMsg: msgMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			up := newRecordingUpstream(t, http.StatusOK, `{}`)
			h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

			req := httptest.NewRequest(tt.method, "/api", strings.NewReader(tt.body))
			req.RemoteAddr = "192.0.2.1:1234"
			w := httptest.NewRecorder()
			h.controller.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.wantMsg, decodeError(t, w))
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Zero(t, up.calls())
			if tt.want == http.StatusMethodNotAllowed {
				assert.Equal(t, "POST, OPTIONS", w.Header().Get("Allow"))
			}
		})
	}
}

func TestController_InvalidRequestsDoNotSpendTokens(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	for i := 0; i < 100; i++ {
		w := postJSON(t, h.controller, "192.0.2.50:1", `{"operation":"admin/delete"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
	w := postJSON(t, h.controller, "192.0.2.50:1", `{"operation":"search"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "59", w.Header().Get(HeaderRateLimitRemaining))
}

func TestController_OversizedBody(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret}, WithMaxBodyBytes(32))

	body := `{"operation":"search","params":{"query":"` + strings.Repeat("x", 100) + `"}}`
	w := postJSON(t, h.controller, "192.0.2.1:1", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, up.calls())
}

func TestController_NonObjectParamsIgnored(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	w := postJSON(t, h.controller, "192.0.2.1:1", `{"operation":"categories","params":["query","x"]}`)

	require.Equal(t, http.StatusOK, w.Code)
	_, q := up.last()
	assert.Equal(t, url.Values{"key": {testSecret}}, q)
}

func TestController_UpstreamUnreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	h := newHarness(t, "http://"+addr, staticCredentials{value: testSecret})

	w := postJSON(t, h.controller, "192.0.2.1:1", `{"operation":"search","params":{"query":"x"}}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, msgUpstreamUnreachable, decodeError(t, w))
	assert.NotContains(t, w.Body.String(), testSecret)
	assert.NotContains(t, h.logs.String(), testSecret)
	assert.NotContains(t, h.logs.String(), url.QueryEscape(testSecret))
}

func TestController_MissingCredential(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{err: secrets.ErrSecretNotFound})

	w := postJSON(t, h.controller, "192.0.2.1:1", `{"operation":"search"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, msgInternal, decodeError(t, w))
	assert.Zero(t, up.calls())
}

func TestController_CredentialNeverReturned(t *testing.T) {
	t.Parallel()

	// An upstream that echoes nothing about the query, and one that fails.
	up := newRecordingUpstream(t, http.StatusInternalServerError, `{"error":"boom"}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	w := postJSON(t, h.controller, "192.0.2.1:1",
		`{"operation":"search","params":{"key":"caller-supplied","query":"q"}}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, `{"error":"boom"}`, w.Body.String())
	for name, values := range w.Header() {
		for _, v := range values {
			assert.NotContains(t, v, testSecret, name)
		}
	}
	_, q := up.last()
	assert.Equal(t, testSecret, q.Get("key"))
	assert.NotContains(t, h.logs.String(), testSecret)
}

func TestController_BudgetExhausted(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret},
		WithBudget(ratelimit.NewUpstreamBudget(0.001, 1)))

	w := postJSON(t, h.controller, "192.0.2.1:1", `{"operation":"search"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, h.controller, "192.0.2.2:1", `{"operation":"search"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, 1, up.calls())
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (*ratelimit.Result, error) {
	return nil, errors.New("redis: connection refused 10.0.0.5:6379")
}

type panickingForwarder struct{}

func (panickingForwarder) Forward(context.Context, *validator.Request) (*forwarder.Response, error) {
	panic("unexpected")
}

func TestController_InternalFaults(t *testing.T) {
	t.Parallel()

	v := validator.NewFromConfig(config.DefaultConfig().Validator)

	t.Run("limiter error", func(t *testing.T) {
		t.Parallel()

		c, err := NewController(v, failingLimiter{}, panickingForwarder{})
		require.NoError(t, err)

		w := postJSON(t, c, "192.0.2.1:1", `{"operation":"search"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, msgInternal, decodeError(t, w))
		assert.NotContains(t, w.Body.String(), "10.0.0.5")
	})

	t.Run("panic", func(t *testing.T) {
		t.Parallel()

		c, err := NewController(v, ratelimit.NewNoopLimiter(), panickingForwarder{})
		require.NoError(t, err)

		w := postJSON(t, c, "192.0.2.1:1", `{"operation":"search"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, msgInternal, decodeError(t, w))
	})
}

func TestNewController_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewController(nil, ratelimit.NewNoopLimiter(), panickingForwarder{})
	assert.Error(t, err)
}

func TestStatusForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{validator.ErrMissingOperation, http.StatusBadRequest},
		{validator.ErrInvalidOperation, http.StatusBadRequest},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrBudgetExhausted, http.StatusTooManyRequests},
		{ErrMethodNotAllowed, http.StatusMethodNotAllowed},
		{forwarder.ErrMissingCredential, http.StatusInternalServerError},
		{forwarder.ErrUpstreamUnreachable, http.StatusBadGateway},
		{forwarder.ErrCircuitOpen, http.StatusBadGateway},
		{errors.New("anything"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		status, _, _ := statusForError(tt.err)
		assert.Equal(t, tt.want, status, tt.err.Error())
	}
}

func TestController_LargeIntegerParamsKeepPrecision(t *testing.T) {
	t.Parallel()

	up := newRecordingUpstream(t, http.StatusOK, `{}`)
	h := newHarness(t, up.server.URL, staticCredentials{value: testSecret})

	w := postJSON(t, h.controller, "192.0.2.1:1",
		`{"operation":"search","params":{"category":12345678901234567890,"page":3}}`)

	require.Equal(t, http.StatusOK, w.Code)
	_, q := up.last()
	assert.Equal(t, "12345678901234567890", q.Get("category"))
	assert.Equal(t, "3", q.Get("page"))
}

func TestController_NoUpstreamContentTypeIsNotSniffed(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("<html>raw</html>"))
	}))
	t.Cleanup(up.Close)
	h := newHarness(t, up.URL, staticCredentials{value: testSecret})

	srv := httptest.NewServer(h.controller)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"operation":"stats"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Type"))
}
