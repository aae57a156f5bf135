// Package observability provides logging, metrics, and tracing for the
// gateway.
//
// Logging is structured via zap behind the Logger interface:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request forwarded",
//	    observability.String("operation", "search"),
//	    observability.Int("status", 200),
//	)
//
// Metrics are exposed from a dedicated Prometheus registry:
//
//	metrics := observability.NewMetrics("keygate")
//	http.Handle("/metrics", metrics.Handler())
//
// Tracing uses OpenTelemetry with an optional OTLP gRPC exporter.
package observability
