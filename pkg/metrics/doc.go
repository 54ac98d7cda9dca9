// Package metrics provides observability primitives for the sshcore
// transport and authentication layers.
//
// # Overview
//
// The package offers:
//   - Prometheus collectors (github.com/prometheus/client_golang)
//   - A tracing interface with no-op, in-memory and OpenTelemetry backends
//   - Structured logging with levels, backed by logrus
//   - Health check and /metrics HTTP endpoints
//
// # Metrics Collection
//
// A Collector registers its metrics with a prometheus.Registerer:
//
//	reg := prometheus.NewRegistry()
//	collector := metrics.NewCollectorWithRegistry(reg)
//
// Transports report into it through a TransportObserver, which satisfies
// the transport.Observer hooks:
//
//	obs := metrics.NewTransportObserver(metrics.TransportObserverConfig{
//		Collector: collector,
//		Logger:    logger,
//	})
//	cfg.Observer = obs
//
// # Logging
//
//	logger := metrics.NewLogger(
//		metrics.WithLevel(metrics.LevelInfo),
//		metrics.WithFormat(metrics.FormatJSON),
//	)
//	logger.Named("transport").Info("connected", metrics.Fields{"kex": "curve25519-sha256"})
//
// Loggers derived with With and Named share the root's level and output.
//
// # Tracing
//
// Tracing is off by default (NoOpTracer). Build with -tags otel to get an
// OpenTelemetry backed OTelTracer; NewTracer picks one from a config string.
//
//	tracer, err := metrics.NewTracer("otel", "sshcore")
//	metrics.SetTracer(tracer)
//
// # HTTP Endpoints
//
//	srv := metrics.NewServer(metrics.ServerConfig{
//		Collector:     collector,
//		Gatherer:      reg,
//		EnableMetrics: true,
//		EnableHealth:  true,
//	})
//	go srv.ListenAndServe(ctx, ":9090")
//
// Endpoints: /metrics, /health, /healthz (liveness), /readyz (readiness).
package metrics
