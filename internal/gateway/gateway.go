package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/health"
	"github.com/vyrodovalexey/keygate/internal/middleware"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Health paths served next to the gateway endpoint.
const (
	HealthPath    = "/healthz"
	ReadinessPath = "/readyz"
)

// State is the lifecycle position of a Gateway. Transitions are
// stopped -> starting -> running -> stopping -> stopped.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var stateNames = [...]string{"stopped", "starting", "running", "stopping"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Gateway owns the HTTP surface: the controller endpoint, the health endpoints and
// the listener lifecycle.
type Gateway struct {
	config     *config.GatewayConfig
	logger     observability.Logger
	controller http.Handler
	checker    *health.Checker
	tracer     *observability.Tracer
	engine     *gin.Engine
	handler    http.Handler
	listener   *Listener
	state      atomic.Int32
	startTime  time.Time
	mu         sync.RWMutex

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.shutdownTimeout = timeout
		}
	}
}

// WithHealthChecker serves liveness and readiness checks from checker.
func WithHealthChecker(checker *health.Checker) Option {
	return func(g *Gateway) {
		g.checker = checker
	}
}

// WithTracer wraps every request in a server span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// New creates a new Gateway serving controller on the configured path.
func New(cfg *config.GatewayConfig, controller http.Handler, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if controller == nil {
		return nil, fmt.Errorf("gateway controller is required")
	}

	g := &Gateway{
		config:          cfg,
		controller:      controller,
		logger:          observability.NopLogger(),
		shutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}
	if g.shutdownTimeout <= 0 {
		g.shutdownTimeout = 30 * time.Second
	}

	for _, opt := range opts {
		opt(g)
	}

	g.engine = g.newEngine()
	g.handler = g.wrap(g.engine)
	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start binds the listener and begins serving.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	g.logger.Info("starting gateway",
		observability.String("address", g.config.Server.Address),
		observability.String("path", g.config.Server.Path),
	)

	listener, err := NewListener("http", g.config.Server, g.handler, WithListenerLogger(g.logger))
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to create listener: %w", err)
	}

	if err := listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener %s: %w", listener.Name(), err)
	}

	g.mu.Lock()
	g.listener = listener
	g.startTime = time.Now()
	g.mu.Unlock()

	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", listener.Address()),
	)

	return nil
}

// Stop marks the gateway as draining and shuts the listener down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway")

	if g.checker != nil {
		g.checker.SetDraining(true)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	g.mu.RLock()
	listener := g.listener
	g.mu.RUnlock()

	var err error
	if listener != nil {
		err = listener.Stop(ctx)
	}

	g.state.Store(int32(StateStopped))

	if err != nil {
		g.logger.Error("failed to stop listener", observability.Error(err))
		return err
	}

	g.logger.Info("gateway stopped")
	return nil
}

// Reload validates cfg and keeps it as the current configuration. Listener
// address and path changes take effect on the next start.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cfg.Server.Address != g.config.Server.Address || cfg.Server.Path != g.config.Server.Path {
		g.logger.Warn("listener changes require a restart",
			observability.String("address", cfg.Server.Address),
			observability.String("path", cfg.Server.Path),
		)
	}
	g.config = cfg

	g.logger.Info("gateway configuration reloaded")
	return nil
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime reports time since the last successful Start.
func (g *Gateway) Uptime() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Config returns the current configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Address returns the listener address, or the configured one before Start.
func (g *Gateway) Address() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener != nil {
		return g.listener.Address()
	}
	return g.config.Server.Address
}

// Handler returns the fully wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Engine returns the gin engine.
func (g *Gateway) Engine() *gin.Engine {
	return g.engine
}

func (g *Gateway) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = false

	path := g.config.Server.Path
	if path == "" {
		path = "/"
	}
	engine.Any(path, gin.WrapH(g.controller))

	if g.checker != nil {
		engine.GET(HealthPath, gin.WrapF(g.checker.HealthHandler()))
		engine.GET(ReadinessPath, gin.WrapF(g.checker.ReadinessHandler()))
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	})

	return engine
}

// wrap applies the cross-cutting middleware, outermost first.
func (g *Gateway) wrap(h http.Handler) http.Handler {
	h = middleware.Recovery(g.logger)(h)
	h = middleware.Logging(g.logger, middleware.SkipPaths(HealthPath, ReadinessPath))(h)
	if g.tracer != nil {
		h = observability.TracingMiddleware(g.tracer)(h)
	}
	return middleware.RequestID()(h)
}
