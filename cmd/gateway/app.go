package main

import (
	"context"
	"net/http"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/forwarder"
	"github.com/vyrodovalexey/keygate/internal/gateway"
	"github.com/vyrodovalexey/keygate/internal/health"
	"github.com/vyrodovalexey/keygate/internal/middleware"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
	"github.com/vyrodovalexey/keygate/internal/secrets"
	"github.com/vyrodovalexey/keygate/internal/validator"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "keygate"

// application holds all application components.
type application struct {
	gateway       *gateway.Gateway
	limiter       *ratelimit.TokenBucketLimiter
	credentials   secrets.Provider
	healthChecker *health.Checker
	metrics       *observability.Metrics
	metricsServer *http.Server
	reloadMetrics *reloadMetrics
	tracer        *observability.Tracer
	config        *config.GatewayConfig
}

// initApplication wires every component from cfg. On failure it releases
// what was already built and exits.
func initApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) *application {
	applyLogLevel(logger, cfg.Logging.Level)

	metrics := observability.NewMetrics(metricsNamespace)
	tracer := initTracer(cfg, logger)
	zl := observability.Zap(logger)

	provider, err := secrets.NewProviderFromConfig(cfg.Credential,
		secrets.NewMetrics(metricsNamespace, metrics.Registry()), zl)
	if err != nil {
		fatalWithSync(logger, "failed to create credential provider", observability.Error(err))
		return nil // unreachable in production; allows test to continue
	}

	limiter, err := ratelimit.NewFromConfig(ctx, cfg.RateLimit, ratelimit.FactoryDeps{
		Logger:     zl,
		Registerer: metrics.Registry(),
	})
	if err != nil {
		_ = provider.Close()
		fatalWithSync(logger, "failed to create rate limiter", observability.Error(err))
		return nil // unreachable in production; allows test to continue
	}

	checker := health.NewChecker(version)
	checker.RegisterCheck("credential", health.CredentialCheck(provider))
	checker.RegisterCheck("bucket_store", health.StoreCheck(limiter.Store()))

	gw, err := buildGateway(cfg, provider, limiter, checker, metrics, tracer, logger)
	if err != nil {
		_ = limiter.Close()
		_ = provider.Close()
		fatalWithSync(logger, "failed to create gateway", observability.Error(err))
		return nil // unreachable in production; allows test to continue
	}

	return &application{
		gateway:       gw,
		limiter:       limiter,
		credentials:   provider,
		healthChecker: checker,
		metrics:       metrics,
		reloadMetrics: newReloadMetrics(metrics),
		tracer:        tracer,
		config:        cfg,
	}
}

// buildGateway assembles the request pipeline: validator, client key,
// limiter, budget and forwarder behind one controller.
func buildGateway(
	cfg *config.GatewayConfig,
	credentials forwarder.CredentialSource,
	limiter ratelimit.Limiter,
	checker *health.Checker,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	logger observability.Logger,
) (*gateway.Gateway, error) {
	keys, err := ratelimit.NewClientKeyFunc(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, err
	}

	fwd, err := forwarder.NewFromConfig(cfg.Upstream, credentials, metrics, logger)
	if err != nil {
		return nil, err
	}

	controller, err := gateway.NewController(
		validator.NewFromConfig(cfg.Validator),
		limiter,
		fwd,
		gateway.WithBudget(ratelimit.NewBudgetFromConfig(cfg.RateLimit.Budget)),
		gateway.WithKeyFunc(keys.Func()),
		gateway.WithCORSPolicy(middleware.NewCORSPolicy(cfg.CORS)),
		gateway.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		gateway.WithControllerMetrics(metrics),
		gateway.WithControllerLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return gateway.New(cfg, controller,
		gateway.WithLogger(logger),
		gateway.WithHealthChecker(checker),
		gateway.WithTracer(tracer),
		gateway.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Duration()),
	)
}

// initTracer initializes the tracer.
func initTracer(cfg *config.GatewayConfig, logger observability.Logger) *observability.Tracer {
	tracerCfg := observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	}
	if tracerCfg.ServiceName == "" {
		tracerCfg.ServiceName = metricsNamespace
	}

	tracer, err := observability.NewTracer(tracerCfg)
	if err != nil {
		logger.Warn("failed to initialize tracer, tracing disabled", observability.Error(err))
		tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: tracerCfg.ServiceName})
	}

	return tracer
}

// applyLogLevel sets the level when the logger supports runtime changes.
func applyLogLevel(logger observability.Logger, level string) {
	setter, ok := logger.(observability.LevelSetter)
	if !ok || level == "" {
		return
	}
	if err := setter.SetLevel(level); err != nil {
		logger.Warn("ignoring invalid log level",
			observability.String("level", level),
			observability.Error(err),
		)
	}
}
