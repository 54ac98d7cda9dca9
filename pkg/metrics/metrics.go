package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sshcore"

// Direction labels.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Collector aggregates metrics from SSH transports and listeners.
type Collector struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsFailed *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec

	// Key exchange metrics
	KexRounds   *prometheus.CounterVec
	KexFailures *prometheus.CounterVec
	KexLatency  prometheus.Histogram

	// Traffic metrics
	Packets *prometheus.CounterVec
	Bytes   *prometheus.CounterVec

	// Security metrics
	MACFailures    prometheus.Counter
	ProtocolErrors prometheus.Counter
	AuthAttempts   *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec

	// Mirrors for Snapshot; prometheus metrics are write-only.
	active        atomic.Int64
	total         atomic.Uint64
	failed        atomic.Uint64
	kexRounds     atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	packetsSent   atomic.Uint64
	packetsRecv   atomic.Uint64
	errors        atomic.Uint64
	authFailures  atomic.Uint64

	createdAt time.Time
}

// KexLatencyBuckets are the key exchange latency buckets in seconds.
var KexLatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// NewCollector creates a collector registered with the default registerer.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with reg.
func NewCollectorWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of transports in the connected state",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total transports that completed the first key exchange, by role",
		}, []string{"role"}),
		ConnectionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_failed_total",
			Help:      "Total transports that failed before reaching the connected state, by role",
		}, []string{"role"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnects by reason code",
		}, []string{"reason"}),

		KexRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kex_rounds_total",
			Help:      "Total completed key exchange rounds by method",
		}, []string{"method"}),
		KexFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kex_failures_total",
			Help:      "Total failed key exchange rounds by method",
		}, []string{"method"}),
		KexLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kex_duration_seconds",
			Help:      "Histogram of key exchange round duration in seconds",
			Buckets:   KexLatencyBuckets,
		}),

		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total binary packets by direction",
		}, []string{"direction"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes by direction",
		}, []string{"direction"}),

		MACFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mac_failures_total",
			Help:      "Total packets rejected by MAC verification",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total fatal protocol errors",
		}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total authentication attempts by method and result",
		}, []string{"method", "result"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total connections refused by the listener, by limit",
		}, []string{"limit"}),

		createdAt: time.Now(),
	}
}

// --- Connection Metrics ---

// ConnectionStarted records a transport entering the connected state.
func (c *Collector) ConnectionStarted(role string) {
	c.ConnectionsActive.Inc()
	c.ConnectionsTotal.WithLabelValues(role).Inc()
	c.active.Add(1)
	c.total.Add(1)
}

// ConnectionEnded records a connected transport going away.
func (c *Collector) ConnectionEnded(reason string) {
	for {
		cur := c.active.Load()
		if cur <= 0 {
			break
		}
		if c.active.CompareAndSwap(cur, cur-1) {
			c.ConnectionsActive.Dec()
			break
		}
	}
	c.Disconnects.WithLabelValues(reason).Inc()
}

// ConnectionFailed records a transport that never reached the connected state.
func (c *Collector) ConnectionFailed(role string) {
	c.ConnectionsFailed.WithLabelValues(role).Inc()
	c.failed.Add(1)
}

// --- Key Exchange Metrics ---

// RecordKex records a finished key exchange round.
func (c *Collector) RecordKex(method string, d time.Duration, err error) {
	if err != nil {
		c.KexFailures.WithLabelValues(method).Inc()
		return
	}
	c.KexRounds.WithLabelValues(method).Inc()
	c.KexLatency.Observe(d.Seconds())
	c.kexRounds.Add(1)
}

// --- Traffic Metrics ---

// RecordPacketSent records one outbound packet of n payload bytes.
func (c *Collector) RecordPacketSent(n int) {
	c.Packets.WithLabelValues(DirectionOut).Inc()
	c.Bytes.WithLabelValues(DirectionOut).Add(float64(n))
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

// RecordPacketReceived records one inbound packet of n payload bytes.
func (c *Collector) RecordPacketReceived(n int) {
	c.Packets.WithLabelValues(DirectionIn).Inc()
	c.Bytes.WithLabelValues(DirectionIn).Add(float64(n))
	c.packetsRecv.Add(1)
	c.bytesReceived.Add(uint64(n))
}

// --- Security Metrics ---

// RecordMACFailure increments the MAC failure counter.
func (c *Collector) RecordMACFailure() {
	c.MACFailures.Inc()
	c.errors.Add(1)
}

// RecordProtocolError increments the protocol error counter.
func (c *Collector) RecordProtocolError() {
	c.ProtocolErrors.Inc()
	c.errors.Add(1)
}

// RecordAuthAttempt records an authentication attempt outcome.
func (c *Collector) RecordAuthAttempt(method, result string) {
	c.AuthAttempts.WithLabelValues(method, result).Inc()
	if result == "failed" {
		c.authFailures.Add(1)
	}
}

// RecordConnectionRateLimit records a connection refused by the per-IP cap.
func (c *Collector) RecordConnectionRateLimit() {
	c.RateLimited.WithLabelValues("connections").Inc()
}

// RecordHandshakeRateLimit records a connection refused by the handshake rate.
func (c *Collector) RecordHandshakeRateLimit() {
	c.RateLimited.WithLabelValues("handshake").Inc()
}

// --- Snapshot ---

// Snapshot is a point-in-time view of the main counters.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	ConnectionsActive int64
	ConnectionsTotal  uint64
	ConnectionsFailed uint64
	KexRounds         uint64

	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsRecv   uint64

	Errors       uint64
	AuthFailures uint64
}

// Snapshot returns a point-in-time snapshot of the main counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:         time.Now(),
		Uptime:            time.Since(c.createdAt),
		ConnectionsActive: c.active.Load(),
		ConnectionsTotal:  c.total.Load(),
		ConnectionsFailed: c.failed.Load(),
		KexRounds:         c.kexRounds.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		PacketsSent:       c.packetsSent.Load(),
		PacketsRecv:       c.packetsRecv.Load(),
		Errors:            c.errors.Load(),
		AuthFailures:      c.authFailures.Load(),
	}
}

// --- Global Collector ---

var (
	globalCollector     *Collector
	globalCollectorMu   sync.Mutex
	globalCollectorOnce sync.Once
)

// Global returns the global collector, registered with the default
// Prometheus registerer on first use.
func Global() *Collector {
	globalCollectorOnce.Do(func() {
		globalCollectorMu.Lock()
		defer globalCollectorMu.Unlock()
		if globalCollector == nil {
			globalCollector = NewCollector()
		}
	})
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	return globalCollector
}

// SetGlobal sets the global collector.
// Should be called during initialization before any metrics are recorded.
func SetGlobal(c *Collector) {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	globalCollector = c
}
