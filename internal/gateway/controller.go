package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/forwarder"
	"github.com/vyrodovalexey/keygate/internal/middleware"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
	"github.com/vyrodovalexey/keygate/internal/validator"
)

// Rate-limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"
)

// DefaultMaxBodyBytes bounds the inbound request body.
const DefaultMaxBodyBytes = 64 << 10

// Limiter names used as metric labels.
const (
	limiterClient = "client"
	limiterBudget = "upstream_budget"
)

// Forwarder issues the upstream call for a validated request.
type Forwarder interface {
	Forward(ctx context.Context, req *validator.Request) (*forwarder.Response, error)
}

// inboundRequest is the gateway request body.
type inboundRequest struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

// Controller is the gateway endpoint. Every request ends in exactly one of
// a preflight reply, a JSON error or the passthrough of an upstream reply.
type Controller struct {
	validator *validator.Validator
	limiter   ratelimit.Limiter
	budget    *ratelimit.UpstreamBudget
	forwarder Forwarder
	keys      ratelimit.KeyFunc
	cors      *middleware.CORSPolicy
	maxBody   int64
	metrics   *observability.Metrics
	logger    observability.Logger
}

// ControllerOption is a functional option for configuring the controller.
type ControllerOption func(*Controller)

// WithBudget applies a global upstream budget after the per-client bucket.
func WithBudget(b *ratelimit.UpstreamBudget) ControllerOption {
	return func(c *Controller) {
		c.budget = b
	}
}

// WithKeyFunc sets how client keys are derived.
func WithKeyFunc(fn ratelimit.KeyFunc) ControllerOption {
	return func(c *Controller) {
		if fn != nil {
			c.keys = fn
		}
	}
}

// WithCORSPolicy sets the cross-origin policy.
func WithCORSPolicy(p *middleware.CORSPolicy) ControllerOption {
	return func(c *Controller) {
		if p != nil {
			c.cors = p
		}
	}
}

// WithMaxBodyBytes bounds the inbound body.
func WithMaxBodyBytes(n int64) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithControllerMetrics sets the metrics sink.
func WithControllerMetrics(m *observability.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithControllerLogger sets the logger.
func WithControllerLogger(logger observability.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates the gateway endpoint.
func NewController(
	v *validator.Validator,
	limiter ratelimit.Limiter,
	fwd Forwarder,
	opts ...ControllerOption,
) (*Controller, error) {
	if v == nil || limiter == nil || fwd == nil {
		return nil, errors.New("validator, limiter and forwarder are required")
	}

	keys, err := ratelimit.NewClientKeyFunc(nil)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		validator: v,
		limiter:   limiter,
		forwarder: fwd,
		keys:      keys.Func(),
		cors:      middleware.NewCORSPolicy(config.DefaultConfig().CORS),
		maxBody:   DefaultMaxBodyBytes,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ServeHTTP implements http.Handler.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if c.metrics != nil {
		c.metrics.IncrementActiveRequests()
		defer c.metrics.DecrementActiveRequests()
	}

	logger := c.logger.WithContext(r.Context())

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
				panic(rec)
			}
			logger.Error("unhandled fault in gateway controller",
				observability.Any("panic", rec),
				observability.Stack("stack"),
			)
			c.writeError(w, fmt.Errorf("panic: %v", rec), start)
		}
	}()

	if r.Method == http.MethodOptions {
		c.cors.Preflight(w, r)
		c.record(observability.OutcomePreflight, http.StatusNoContent, start)
		return
	}

	c.cors.SetOrigin(w, r)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		c.writeError(w, ErrMethodNotAllowed, start)
		return
	}

	operation, params := c.parseBody(w, r)

	req, err := c.validator.Validate(operation, params)
	if err != nil {
		logger.Debug("request rejected by validator",
			observability.String("operation", validator.NormalizeOperation(operation)),
			observability.Error(err),
		)
		c.writeError(w, err, start)
		return
	}
	if len(req.Dropped) > 0 {
		logger.Debug("dropped request parameters",
			observability.String("operation", req.Operation),
			observability.Any("params", req.Dropped),
		)
	}

	clientKey := c.keys(r)
	res, err := c.limiter.Allow(r.Context(), clientKey)
	if err != nil {
		logger.Error("rate limiter failed", observability.Error(err))
		c.writeError(w, err, start)
		return
	}
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(res.RetryAfterSeconds()))
		if c.metrics != nil {
			c.metrics.RecordRateLimitHit(limiterClient)
		}
		logger.Info("client rate limited",
			observability.String("client", clientKey),
			observability.String("operation", req.Operation),
		)
		c.writeError(w, ErrRateLimited, start)
		return
	}

	if !c.budget.Allow() {
		w.Header().Set(HeaderRetryAfter, "1")
		if c.metrics != nil {
			c.metrics.RecordRateLimitHit(limiterBudget)
		}
		logger.Warn("upstream budget exhausted", observability.String("operation", req.Operation))
		c.writeError(w, ErrBudgetExhausted, start)
		return
	}

	resp, err := c.forwarder.Forward(r.Context(), req)
	if err != nil {
		if errors.Is(err, forwarder.ErrMissingCredential) {
			logger.Error("upstream credential unavailable", observability.Error(err))
		}
		c.writeError(w, err, start)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set(middleware.HeaderContentType, resp.ContentType)
	} else {
		// Suppress net/http content sniffing.
		w.Header()[middleware.HeaderContentType] = nil
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		logger.Debug("failed to write upstream response", observability.Error(err))
	}
	c.record(observability.OutcomeForwarded, resp.Status, start)
}

// parseBody decodes the request body. Any failure, including an oversized
// body, yields an empty operation so the request is rejected as missing one.
// A params value that is not an object is treated as no params.
func (c *Controller) parseBody(w http.ResponseWriter, r *http.Request) (string, map[string]any) {
	body := http.MaxBytesReader(w, r.Body, c.maxBody)
	defer body.Close()

	var in inboundRequest
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		c.logger.WithContext(r.Context()).Debug("malformed request body", observability.Error(err))
		return "", nil
	}

	var params map[string]any
	if raw := bytes.TrimSpace(in.Params); len(raw) > 0 && raw[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			params = nil
		}
	}
	return in.Operation, params
}

func setRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	remaining := res.Remaining
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
}

func (c *Controller) writeError(w http.ResponseWriter, err error, start time.Time) {
	status, message, outcome := statusForError(err)

	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})

	c.record(outcome, status, start)
}

func (c *Controller) record(outcome string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordRequest(outcome, status, time.Since(start))
	}
}
