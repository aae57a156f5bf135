// Package forwarder issues the credentialed upstream call for a validated
// request and hands the upstream response back unmodified.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/secrets"
	"github.com/vyrodovalexey/keygate/internal/validator"
)

// Defaults applied when the corresponding option is zero.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxResponseBytes = 10 << 20
)

// CredentialSource supplies the upstream credential.
type CredentialSource interface {
	GetSecret(ctx context.Context) (string, error)
}

// Response is the upstream reply passed through to the caller.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Config configures a Forwarder.
type Config struct {
	BaseURL          string
	CredentialParam  string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// Forwarder sends validated requests to the upstream with the credential
// injected as a query parameter.
type Forwarder struct {
	baseURL  *url.URL
	param    string
	timeout  time.Duration
	maxBytes int64

	credentials CredentialSource
	client      *http.Client
	breaker     *Breaker
	metrics     *observability.Metrics
	tracer      trace.Tracer
	logger      observability.Logger
}

// Option is a functional option for configuring the Forwarder.
type Option func(*Forwarder)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		if client != nil {
			f.client = client
		}
	}
}

// WithBreaker guards upstream calls with b.
func WithBreaker(b *Breaker) Option {
	return func(f *Forwarder) {
		f.breaker = b
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// WithTracer sets the tracer for upstream spans.
func WithTracer(t trace.Tracer) Option {
	return func(f *Forwarder) {
		if t != nil {
			f.tracer = t
		}
	}
}

// WithLogger sets the logger for the forwarder.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Forwarder.
func New(cfg Config, credentials CredentialSource, opts ...Option) (*Forwarder, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q: must be absolute", cfg.BaseURL)
	}
	if cfg.CredentialParam == "" {
		return nil, errors.New("upstream credential parameter is required")
	}
	if credentials == nil {
		return nil, errors.New("upstream credential source is required")
	}

	f := &Forwarder{
		baseURL:     base,
		param:       cfg.CredentialParam,
		timeout:     cfg.Timeout,
		maxBytes:    cfg.MaxResponseBytes,
		credentials: credentials,
		client:      &http.Client{},
		tracer:      otel.Tracer("keygate/forwarder"),
		logger:      observability.NopLogger(),
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxResponseBytes
	}

	for _, opt := range opts {
		opt(f)
	}

	// Redirects would replay the credential to wherever the upstream points.
	if f.client.CheckRedirect == nil {
		c := *f.client
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		f.client = &c
	}

	return f, nil
}

// NewFromConfig creates a Forwarder from upstream configuration. The
// breaker is built when enabled and reports its state to metrics.
func NewFromConfig(
	cfg config.UpstreamConfig,
	credentials CredentialSource,
	metrics *observability.Metrics,
	logger observability.Logger,
	opts ...Option,
) (*Forwarder, error) {
	base := []Option{WithMetrics(metrics), WithLogger(logger)}

	if cfg.CircuitBreaker.Enabled {
		breakerOpts := []BreakerOption{WithBreakerLogger(logger)}
		if metrics != nil {
			breakerOpts = append(breakerOpts, WithBreakerStateCallback(func(_ string, state int) {
				metrics.SetCircuitBreakerState(state)
			}))
		}
		base = append(base, WithBreaker(NewBreaker(
			"upstream",
			cfg.CircuitBreaker.Threshold,
			cfg.CircuitBreaker.Timeout.Duration(),
			breakerOpts...,
		)))
	}

	return New(Config{
		BaseURL:          cfg.BaseURL,
		CredentialParam:  cfg.CredentialParam,
		Timeout:          cfg.Timeout.Duration(),
		MaxResponseBytes: cfg.MaxResponseBytes,
	}, credentials, append(base, opts...)...)
}

// Forward issues GET baseURL/operation with the sanitized parameters and
// the credential. Any upstream status is returned as a Response; only a
// failure to obtain a response yields an error, which then matches
// ErrUpstreamUnreachable. A missing credential yields ErrMissingCredential.
func (f *Forwarder) Forward(ctx context.Context, req *validator.Request) (*Response, error) {
	secret, err := f.credentials.GetSecret(ctx)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrMissingCredential, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMissingCredential, redactError(err, secret))
	}
	if secret == "" {
		return nil, ErrMissingCredential
	}

	ctx, span := f.tracer.Start(ctx, "upstream "+req.OperationFamily(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("keygate.operation", req.Operation),
			attribute.String("server.address", f.baseURL.Host),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := f.execute(ctx, req, secret)
	status := 0
	if resp != nil {
		status = resp.Status
	}
	if f.metrics != nil {
		f.metrics.RecordUpstream(req.OperationFamily(), status, time.Since(start))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unreachable")
		f.logger.WithContext(ctx).Warn("upstream call failed",
			observability.String("operation", req.Operation),
			observability.Duration("duration", time.Since(start)),
			observability.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	f.logger.WithContext(ctx).Debug("upstream call completed",
		observability.String("operation", req.Operation),
		observability.Int("status", resp.Status),
		observability.Int("bytes", len(resp.Body)),
		observability.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (f *Forwarder) execute(ctx context.Context, req *validator.Request, secret string) (*Response, error) {
	if f.breaker == nil {
		return f.do(ctx, req, secret)
	}

	resp, err := f.breaker.Execute(func() (*Response, error) {
		return f.do(ctx, req, secret)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, newUpstreamError("circuit_breaker", req.Operation, "upstream circuit open", err, secret)
	}
	return resp, err
}

func (f *Forwarder) do(ctx context.Context, req *validator.Request, secret string) (*Response, error) {
	target := f.baseURL.JoinPath(req.Operation)
	q := req.Query()
	q.Del(f.param)
	q.Set(f.param, secret)
	target.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, newUpstreamError("build_request", req.Operation, "failed to build upstream request", err, secret)
	}
	httpReq.Header.Set("Accept", "*/*")
	observability.InjectTraceContext(ctx, httpReq)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, newUpstreamError("send", req.Operation, "upstream request failed", err, secret)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, newUpstreamError("read_body", req.Operation, "failed to read upstream response", err, secret)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, newUpstreamError("read_body", req.Operation,
			fmt.Sprintf("upstream response exceeds %d bytes", f.maxBytes), ErrResponseTooLarge, secret)
	}

	return &Response{
		Status:      resp.StatusCode,
		ContentType: strings.TrimSpace(resp.Header.Get("Content-Type")),
		Body:        body,
	}, nil
}
