package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/metrics"
)

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(2)

	if !l.AllowConnection("10.0.0.1") || !l.AllowConnection("10.0.0.1") {
		t.Fatal("first two connections refused")
	}
	if l.AllowConnection("10.0.0.1") {
		t.Error("third connection allowed")
	}
	if !l.AllowConnection("10.0.0.2") {
		t.Error("other address refused")
	}

	l.ReleaseConnection("10.0.0.1")
	if l.Active("10.0.0.1") != 1 {
		t.Errorf("Active = %d, want 1", l.Active("10.0.0.1"))
	}
	if !l.AllowConnection("10.0.0.1") {
		t.Error("released slot not reusable")
	}

	// Releasing an unknown address is harmless.
	l.ReleaseConnection("10.0.0.9")

	unlimited := NewIPRateLimiter(0)
	for i := 0; i < 10; i++ {
		if !unlimited.AllowConnection("10.0.0.1") {
			t.Fatal("unlimited limiter refused a connection")
		}
	}
}

func newTestListener(t *testing.T, rl RateLimitConfig) (*Listener, Config, *metrics.Collector) {
	t.Helper()
	ccfg, scfg := testConfigs(t)
	collector := metrics.NewCollectorWithRegistry(prometheus.NewRegistry())

	l, err := Listen("tcp", "127.0.0.1:0", ListenerConfig{
		Transport:         scfg,
		RateLimit:         rl,
		RateLimitObserver: metrics.NewRateLimitObserver(collector, metrics.NullLogger()),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l, ccfg, collector
}

func dialListener(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestListenerConnectionLimit(t *testing.T) {
	l, _, collector := newTestListener(t, RateLimitConfig{MaxConnectionsPerIP: 1})

	dialListener(t, l)
	first, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}

	dialListener(t, l)
	if _, err := l.Accept(); !errors.Is(err, qerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := testutil.ToFloat64(collector.RateLimited.WithLabelValues("connections")); got != 1 {
		t.Errorf("connection rate limit counter = %v, want 1", got)
	}

	// Closing twice releases the slot once.
	first.Close()
	first.Close()
	if n := l.ipLimiter.Active("127.0.0.1"); n != 0 {
		t.Fatalf("Active = %d after close", n)
	}

	dialListener(t, l)
	if _, err := l.Accept(); err != nil {
		t.Errorf("slot not released: %v", err)
	}
}

func TestListenerHandshakeRate(t *testing.T) {
	l, ccfg, collector := newTestListener(t, RateLimitConfig{HandshakeRate: 0.001})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc := dialListener(t, l)
	sc, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		ct, err := Client(ctx, cc, ccfg)
		if err == nil {
			defer ct.Close()
		}
		done <- err
	}()
	st, err := l.Handshake(ctx, sc)
	if err != nil {
		t.Fatalf("first handshake: %v", err)
	}
	defer st.Close()
	if err := <-done; err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	// The bucket is empty, so the next handshake is refused before any
	// bytes are exchanged.
	dialListener(t, l)
	sc2, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Handshake(ctx, sc2); !errors.Is(err, qerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := testutil.ToFloat64(collector.RateLimited.WithLabelValues("handshake")); got != 1 {
		t.Errorf("handshake rate limit counter = %v, want 1", got)
	}
}

func TestListenerServe(t *testing.T) {
	l, ccfg, _ := newTestListener(t, RateLimitConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan *Transport, 1)
	served := make(chan error, 1)
	go func() {
		served <- l.Serve(ctx, func(_ context.Context, st *Transport) {
			handled <- st
			<-st.Done()
		})
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dialCancel()
	ct, err := Dial(dialCtx, "tcp", l.Addr().String(), ccfg)
	if err != nil {
		t.Fatal(err)
	}

	var st *Transport
	select {
	case st = <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	if st.Role().String() != "server" {
		t.Errorf("handler got role %v", st.Role())
	}

	ct.Close()
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if !l.Closed() {
		t.Error("listener still open")
	}
}

func TestNewListenerRequiresHostKey(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = NewListener(ln, ListenerConfig{Transport: DefaultConfig()})
	if !errors.Is(err, qerrors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
