package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/time/rate"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
)

// RateLimitConfig holds the listener's admission limits.
type RateLimitConfig struct {
	// MaxConnectionsPerIP caps concurrent connections from one address.
	// 0 means no limit.
	MaxConnectionsPerIP int
	// HandshakeRate is the number of handshakes started per second across
	// all clients. 0 means no limit.
	HandshakeRate float64
	// HandshakeBurst is the token bucket size. Defaults to 1.
	HandshakeBurst int
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Transport         Config
	RateLimit         RateLimitConfig
	RateLimitObserver RateLimitObserver
}

// IPRateLimiter tracks and limits the number of concurrent connections per IP.
type IPRateLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
}

// NewIPRateLimiter creates a new IPRateLimiter.
func NewIPRateLimiter(maxPerIP int) *IPRateLimiter {
	return &IPRateLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// AllowConnection reports whether ip may open another connection and
// counts it if so.
func (l *IPRateLimiter) AllowConnection(ip string) bool {
	if l.maxPerIP <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[ip] >= l.maxPerIP {
		return false
	}
	l.connections[ip]++
	return true
}

// ReleaseConnection gives back a slot taken by AllowConnection.
func (l *IPRateLimiter) ReleaseConnection(ip string) {
	if l.maxPerIP <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[ip] > 0 {
		l.connections[ip]--
		if l.connections[ip] == 0 {
			delete(l.connections, ip)
		}
	}
}

// Active returns the number of connections counted for ip.
func (l *IPRateLimiter) Active(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[ip]
}

// Listener accepts SSH connections and runs the server side of the
// transport on them.
type Listener struct {
	listener net.Listener
	config   ListenerConfig
	logger   *metrics.Logger

	ipLimiter        *IPRateLimiter
	handshakeLimiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// Listen opens a listener on address.
func Listen(network, address string, cfg ListenerConfig) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, cfg)
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener, cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Transport.Validate(kex.RoleServer); err != nil {
		return nil, err
	}
	if cfg.RateLimitObserver == nil {
		cfg.RateLimitObserver = nopRateLimitObserver{}
	}
	logger := cfg.Transport.Logger
	if logger == nil {
		logger = metrics.GetLogger()
	}

	l := &Listener{
		listener: ln,
		config:   cfg,
		logger:   logger.Named("listener").With(metrics.Fields{"addr": ln.Addr().String()}),
	}
	if cfg.RateLimit.MaxConnectionsPerIP > 0 {
		l.ipLimiter = NewIPRateLimiter(cfg.RateLimit.MaxConnectionsPerIP)
	}
	if cfg.RateLimit.HandshakeRate > 0 {
		burst := max(cfg.RateLimit.HandshakeBurst, 1)
		l.handshakeLimiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.HandshakeRate), burst)
	}
	return l, nil
}

// Accept waits for the next connection that passes the per-IP limit. A
// refused connection is closed and reported as ErrRateLimited; callers
// should keep accepting.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}

	remoteIP := extractRemoteIP(conn)
	return l.checkIPRateLimit(conn, remoteIP)
}

// Handshake runs the server side of the transport on conn, subject to the
// handshake rate limit. conn is closed on failure.
func (l *Listener) Handshake(ctx context.Context, conn net.Conn) (*Transport, error) {
	remoteIP := extractRemoteIP(conn)
	if l.handshakeLimiter != nil && !l.handshakeLimiter.Allow() {
		l.config.RateLimitObserver.OnHandshakeRateLimit(remoteIP)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake rate exceeded", qerrors.ErrRateLimited)
	}

	t, err := Server(ctx, conn, l.config.Transport)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handing every established transport to handle on its own
// goroutine. It waits for running handlers before returning.
func (l *Listener) Serve(ctx context.Context, handle func(context.Context, *Transport)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, qerrors.ErrRateLimited) {
				continue
			}
			if l.Closed() {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := l.Handshake(ctx, conn)
			if err != nil {
				l.logger.Debug("handshake failed", metrics.Fields{
					"remote": conn.RemoteAddr().String(),
					"error":  err.Error(),
				})
				return
			}
			handle(ctx, t)
		}()
	}
}

// checkIPRateLimit checks IP rate limiting and wraps the connection if needed.
func (l *Listener) checkIPRateLimit(conn net.Conn, remoteIP string) (net.Conn, error) {
	if l.ipLimiter == nil {
		return conn, nil
	}

	if !l.ipLimiter.AllowConnection(remoteIP) {
		l.config.RateLimitObserver.OnConnectionRateLimit(remoteIP)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: too many connections from %s", qerrors.ErrRateLimited, remoteIP)
	}

	return &rateLimitedConn{
		Conn:    conn,
		limiter: l.ipLimiter,
		ip:      remoteIP,
	}, nil
}

// extractRemoteIP extracts the IP address from a connection.
func extractRemoteIP(conn net.Conn) string {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err == nil {
		return host
	}
	return conn.RemoteAddr().String()
}

// Close closes the listener. Established transports are not affected.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

// Closed reports whether Close has been called.
func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// rateLimitedConn releases its per-IP slot on Close.
type rateLimitedConn struct {
	net.Conn
	limiter   *IPRateLimiter
	ip        string
	closeOnce sync.Once
}

func (c *rateLimitedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.limiter.ReleaseConnection(c.ip)
	})
	return err
}
