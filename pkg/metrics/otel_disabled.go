//go:build !otel
// +build !otel

package metrics

import "context"

// OTelTracer is a no-op stand-in when built without the otel tag.
type OTelTracer struct{}

// NewOTelTracer returns a no-op tracer when OpenTelemetry is not enabled.
func NewOTelTracer(string) *OTelTracer {
	return &OTelTracer{}
}

// StartSpan returns ctx unchanged.
func (t *OTelTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

// OTelEnabled reports whether OpenTelemetry support is built in.
func OTelEnabled() bool {
	return false
}
