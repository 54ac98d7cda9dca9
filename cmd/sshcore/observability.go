package main

import (
	"io"

	"github.com/pzverkov/sshcore/pkg/config"
	"github.com/pzverkov/sshcore/pkg/metrics"
)

type observability struct {
	collector *metrics.Collector
	logger    *metrics.Logger
	observer  *metrics.TransportObserver
}

// setupObservability installs the global logger and tracer described by
// cfg. Metrics go to the global collector.
func setupObservability(cfg *config.Config, out io.Writer, app string) (*observability, error) {
	logger := cfg.NewLogger(out).With(metrics.Fields{"app": app})
	metrics.SetLogger(logger)

	tracer, err := metrics.NewTracer(cfg.Metrics.Tracing, app)
	if err != nil {
		return nil, err
	}
	metrics.SetTracer(tracer)

	collector := metrics.Global()

	return &observability{
		collector: collector,
		logger:    logger,
		observer: metrics.NewTransportObserver(metrics.TransportObserverConfig{
			Collector: collector,
			Tracer:    tracer,
			Logger:    logger,
		}),
	}, nil
}
