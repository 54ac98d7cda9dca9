package metrics

import (
	"context"
	"time"
)

// TransportObserver records transport and authentication events into a
// Collector, a Tracer and a Logger. One observer may be shared by every
// connection of a process.
type TransportObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
}

// TransportObserverConfig configures a transport observer.
type TransportObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
}

// NewTransportObserver creates a new transport observer. Nil fields fall
// back to the global collector, tracer and logger.
func NewTransportObserver(cfg TransportObserverConfig) *TransportObserver {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}
	return &TransportObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.Named("observer"),
	}
}

// ConnectionStarted opens the connection setup span. The returned function
// is called once with nil when the transport reaches the connected state,
// or with the error that prevented it.
func (o *TransportObserver) ConnectionStarted(ctx context.Context, role, remote string) (context.Context, func(error)) {
	name := SpanConnectServer
	if role == "client" {
		name = SpanConnectClient
	}
	ctx, span := o.tracer.StartSpan(ctx, name,
		WithSpanKind(SpanKindForRole(role)),
		WithAttributes(ConnectAttributes(role, remote)))

	return ctx, func(err error) {
		if err != nil {
			o.collector.ConnectionFailed(role)
		} else {
			o.collector.ConnectionStarted(role)
		}
		span.End(err)
	}
}

// KexStarted opens the span of key exchange round number round, counting
// from 1.
func (o *TransportObserver) KexStarted(ctx context.Context, method, hostKey string, round uint64) func(error) {
	start := time.Now()
	_, span := o.tracer.StartSpan(ctx, SpanKex, WithAttributes(KexAttributes(method, hostKey, round)))

	return func(err error) {
		o.collector.RecordKex(method, time.Since(start), err)
		span.End(err)
	}
}

// AuthStarted opens the span of one authentication request. The returned
// function records the outcome; "ready" means the method is waiting for
// the client and is not counted as an attempt.
func (o *TransportObserver) AuthStarted(ctx context.Context, user, method string) func(result string) {
	_, span := o.tracer.StartSpan(ctx, SpanAuth,
		WithSpanKind(SpanKindServer),
		WithAttributes(AuthAttributes(user, method)))

	return func(result string) {
		span.SetAttributes(Attributes{AttrAuthResult: result})
		if result != "ready" {
			o.collector.RecordAuthAttempt(method, result)
		}
		if result == "failed" {
			o.logger.Debug("authentication attempt failed", Fields{"user": user, "method": method})
		}
		span.End(nil)
	}
}

// ServiceStarted opens the span of a service start in mode.
func (o *TransportObserver) ServiceStarted(ctx context.Context, service, mode string) func(error) {
	_, span := o.tracer.StartSpan(ctx, SpanService, WithAttributes(ServiceAttributes(service, mode)))
	return span.End
}

// PacketSent records one outbound packet.
func (o *TransportObserver) PacketSent(payloadLen int) {
	o.collector.RecordPacketSent(payloadLen)
}

// PacketReceived records one inbound packet.
func (o *TransportObserver) PacketReceived(payloadLen int) {
	o.collector.RecordPacketReceived(payloadLen)
}

// MACFailure records a packet rejected by MAC verification.
func (o *TransportObserver) MACFailure() {
	o.collector.RecordMACFailure()
	o.logger.Warn("packet failed MAC verification")
}

// ProtocolError records a fatal protocol error.
func (o *TransportObserver) ProtocolError(err error) {
	o.collector.RecordProtocolError()
	o.logger.Debug("protocol error", Fields{"error": err.Error()})
}

// Disconnected records a connected transport ending with reason.
func (o *TransportObserver) Disconnected(reason string) {
	o.collector.ConnectionEnded(reason)
}
