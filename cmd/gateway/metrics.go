package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/vyrodovalexey/keygate/internal/gateway"
	"github.com/vyrodovalexey/keygate/internal/health"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// createMetricsServer creates the metrics HTTP server. It also serves the
// health endpoints so orchestrators can reach them off the public listener.
func createMetricsServer(
	addr string,
	path string,
	metrics *observability.Metrics,
	healthChecker *health.Checker,
	logger observability.Logger,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	mux.HandleFunc(gateway.HealthPath, healthChecker.HealthHandler())
	mux.HandleFunc(gateway.ReadinessPath, healthChecker.ReadinessHandler())

	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("metrics_path", path),
	)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runMetricsServer runs the metrics HTTP server.
func runMetricsServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// startMetricsServerIfEnabled starts the metrics server if enabled.
func startMetricsServerIfEnabled(app *application, logger observability.Logger) {
	m := app.config.Metrics
	if !m.Enabled {
		return
	}

	path := m.Path
	if path == "" {
		path = "/metrics"
	}

	app.metricsServer = createMetricsServer(m.Address, path, app.metrics, app.healthChecker, logger)
	go runMetricsServer(app.metricsServer, logger)
}
