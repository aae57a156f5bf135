package main

import (
	"context"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// reloadMetrics holds Prometheus metrics for configuration reloads. All
// collectors are registered with the gateway's registry so they appear on
// the /metrics endpoint.
type reloadMetrics struct {
	configReloadTotal       *prometheus.CounterVec
	configReloadDuration    prometheus.Histogram
	configReloadLastSuccess prometheus.Gauge
	configWatcherStatus     prometheus.Gauge
}

// newReloadMetrics creates reload metrics registered with m's registry.
func newReloadMetrics(m *observability.Metrics) *reloadMetrics {
	rm := &reloadMetrics{
		configReloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		configReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
			},
		),
		configReloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of the last successful config reload",
			},
		),
		configWatcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		rm.configReloadTotal,
		rm.configReloadDuration,
		rm.configReloadLastSuccess,
		rm.configWatcherStatus,
	} {
		_ = m.RegisterCollector(c)
	}

	return rm
}

// startConfigWatcher watches the configuration file and reloads on change.
// A watcher that cannot start is logged, not fatal.
func startConfigWatcher(
	ctx context.Context,
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.GatewayConfig) {
		logger.Info("configuration changed, reloading")
		reloadComponents(app, newCfg, logger)
	}, config.WithLogger(logger), config.WithErrorCallback(func(error) {
		app.reloadMetrics.configReloadTotal.WithLabelValues("error").Inc()
	}))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		app.reloadMetrics.configWatcherStatus.Set(0)
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		app.reloadMetrics.configWatcherStatus.Set(0)
		return watcher
	}

	app.reloadMetrics.configWatcherStatus.Set(1)
	return watcher
}

// reloadComponents applies a new configuration. Only the log level takes
// effect immediately; the request pipeline is built once at startup, so
// changes to it are reported and require a restart.
func reloadComponents(app *application, newCfg *config.GatewayConfig, logger observability.Logger) {
	start := time.Now()
	rm := app.reloadMetrics
	old := app.gateway.Config()

	if err := app.gateway.Reload(newCfg); err != nil {
		logger.Error("failed to reload gateway config", observability.Error(err))
		rm.configReloadTotal.WithLabelValues("error").Inc()
		rm.configReloadDuration.Observe(time.Since(start).Seconds())
		return
	}

	if old.Logging.Level != newCfg.Logging.Level {
		applyLogLevel(logger, newCfg.Logging.Level)
		logger.Info("log level changed", observability.String("level", newCfg.Logging.Level))
	}

	for _, section := range restartRequired(old, newCfg) {
		logger.Warn("configuration section changed but is not hot-reloaded; restart to apply",
			observability.String("section", section),
		)
	}

	rm.configReloadTotal.WithLabelValues("success").Inc()
	rm.configReloadDuration.Observe(time.Since(start).Seconds())
	rm.configReloadLastSuccess.SetToCurrentTime()
}

// restartRequired lists changed sections that are fixed at startup.
func restartRequired(old, next *config.GatewayConfig) []string {
	var changed []string
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, next.Server},
		{"upstream", old.Upstream, next.Upstream},
		{"credential", old.Credential, next.Credential},
		{"rateLimit", old.RateLimit, next.RateLimit},
		{"validator", old.Validator, next.Validator},
		{"cors", old.CORS, next.CORS},
		{"metrics", old.Metrics, next.Metrics},
		{"tracing", old.Tracing, next.Tracing},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	return changed
}
