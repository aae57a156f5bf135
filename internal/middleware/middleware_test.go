package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

func TestCORSPolicy_Preflight(t *testing.T) {
	t.Parallel()

	p := NewCORSPolicy(config.DefaultConfig().CORS)

	r := httptest.NewRequest(http.MethodOptions, "/api", nil)
	r.Header.Set(HeaderOrigin, "https://app.example.com")
	w := httptest.NewRecorder()
	p.Preflight(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization, X-Request-ID", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORSPolicy_SetOrigin(t *testing.T) {
	t.Parallel()

	p := NewCORSPolicy(config.CORSConfig{
		AllowOrigins: []string{"https://app.example.com", "*.partner.io"},
	})

	tests := []struct {
		origin string
		want   string
	}{
		{origin: "https://app.example.com", want: "https://app.example.com"},
		{origin: "https://eu.partner.io", want: "https://eu.partner.io"},
		{origin: "https://partner.io", want: ""},
		{origin: "https://evil.example.org", want: ""},
		{origin: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodPost, "/api", nil)
			if tt.origin != "" {
				r.Header.Set(HeaderOrigin, tt.origin)
			}
			w := httptest.NewRecorder()
			p.SetOrigin(w, r)
			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	// Defaults fill the lists that were left empty.
	w := httptest.NewRecorder()
	p.Preflight(w, httptest.NewRequest(http.MethodOptions, "/api", nil))
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, w.Header().Get("Access-Control-Max-Age"))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger, err := observability.NewLoggerWithWriter(observability.LogConfig{Level: "info", Format: "json"}, &logs)
	require.NoError(t, err)

	panics := 0
	h := Recovery(logger, func() { panics++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom: secret-internal-detail")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, ErrInternalServerError, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret-internal-detail")
	assert.Contains(t, logs.String(), "panic recovered")
	assert.Equal(t, 1, panics)
}

func TestRecovery_RepanicsAbort(t *testing.T) {
	t.Parallel()

	h := Recovery(observability.NopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api", nil))
	})
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestIDWithGenerator(func() string { return "generated" })(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = observability.RequestIDFromContext(r.Context())
		}),
	)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "absent", want: "generated"},
		{name: "caller supplied", header: "abc-123", want: "abc-123"},
		{name: "too long", header: strings.Repeat("a", 200), want: "generated"},
		{name: "control characters", header: "a\tb", want: "generated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api", nil)
			if tt.header != "" {
				r.Header.Set(HeaderXRequestID, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tt.want, seen)
			assert.Equal(t, tt.want, w.Header().Get(HeaderXRequestID))
		})
	}
}

func TestRequestID_GeneratesUUID(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	RequestID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api", nil))
	assert.Len(t, w.Header().Get(HeaderXRequestID), 36)
}

func TestLogging_OmitsQuery(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger, err := observability.NewLoggerWithWriter(observability.LogConfig{Level: "info", Format: "json"}, &logs)
	require.NoError(t, err)

	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api?key=leak", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	out := logs.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"size":5`)
	assert.Contains(t, out, `"path":"/api"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.NotContains(t, out, "leak")
}

func TestLogging_LevelsAndSkips(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger, err := observability.NewLoggerWithWriter(observability.LogConfig{Level: "info", Format: "json"}, &logs)
	require.NoError(t, err)

	h := Logging(logger, SkipPaths("/healthz"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, logs.String())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/fail", nil))
	assert.Contains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), `"status":502`)

	logs.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api", nil))
	assert.Contains(t, logs.String(), `"level":"info"`)
	assert.Contains(t, logs.String(), `"status":200`)
}
