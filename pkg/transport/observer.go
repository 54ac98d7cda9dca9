package transport

import "context"

// Observer receives transport lifecycle events. metrics.TransportObserver
// implements it; a nil Observer in Config disables observation.
type Observer interface {
	// ConnectionStarted is called before the identification exchange. The
	// returned function is called once, with nil when the transport
	// reaches the connected state or with the error that prevented it.
	ConnectionStarted(ctx context.Context, role, remote string) (context.Context, func(error))
	// KexStarted is called at the start of every key exchange round.
	// round counts from 1, the initial exchange.
	KexStarted(ctx context.Context, method, hostKey string, round uint64) func(error)
	PacketSent(payloadLen int)
	PacketReceived(payloadLen int)
	MACFailure()
	ProtocolError(err error)
	// Disconnected is called once for a transport that reached the
	// connected state.
	Disconnected(reason string)
	// AuthStarted is called by authentication services for each request.
	// The returned function is called once with the outcome.
	AuthStarted(ctx context.Context, user, method string) func(result string)
	// ServiceStarted is called as a service leaves OnInit; the returned
	// function gets the start error, if any.
	ServiceStarted(ctx context.Context, service, mode string) func(error)
}

// RateLimitObserver is notified when the listener refuses a connection.
type RateLimitObserver interface {
	OnConnectionRateLimit(remoteIP string)
	OnHandshakeRateLimit(remoteIP string)
}

type nopObserver struct{}

func (nopObserver) ConnectionStarted(ctx context.Context, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopObserver) KexStarted(context.Context, string, string, uint64) func(error) {
	return func(error) {}
}

func (nopObserver) AuthStarted(context.Context, string, string) func(string) {
	return func(string) {}
}

func (nopObserver) ServiceStarted(context.Context, string, string) func(error) {
	return func(error) {}
}

func (nopObserver) PacketSent(int)      {}
func (nopObserver) PacketReceived(int)  {}
func (nopObserver) MACFailure()         {}
func (nopObserver) ProtocolError(error) {}
func (nopObserver) Disconnected(string) {}

type nopRateLimitObserver struct{}

func (nopRateLimitObserver) OnConnectionRateLimit(string) {}
func (nopRateLimitObserver) OnHandshakeRateLimit(string)  {}
