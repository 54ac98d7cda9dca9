package metrics

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Tracer opens spans around connection setup, key exchange rounds,
// authentication attempts and service starts.
type Tracer interface {
	// StartSpan returns a context carrying the new span.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
}

// Span is an open span. End must be called exactly once; a nil error
// marks the span successful.
type Span interface {
	SetAttributes(attrs Attributes)
	End(err error)
}

// Attributes are span attributes keyed by the Attr constants.
type Attributes map[string]any

// SpanOption configures a span at start.
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind       SpanKind
	attributes Attributes
}

// SpanKind says which side of a connection a span belongs to.
type SpanKind int

// Span kinds.
const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindInternal:
		return "internal"
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	default:
		return "SpanKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// SpanKindForRole maps a transport role to a span kind.
func SpanKindForRole(role string) SpanKind {
	switch role {
	case "server":
		return SpanKindServer
	case "client":
		return SpanKindClient
	default:
		return SpanKindInternal
	}
}

func newSpanConfig(opts []SpanOption) *spanConfig {
	cfg := &spanConfig{kind: SpanKindInternal, attributes: Attributes{}}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(c *spanConfig) { c.kind = kind }
}

// WithAttributes adds attributes at start. Later options win on
// conflicting keys.
func WithAttributes(attrs Attributes) SpanOption {
	return func(c *spanConfig) { maps.Copy(c.attributes, attrs) }
}

// Span names.
const (
	SpanConnectClient = "ssh.connect.client"
	SpanConnectServer = "ssh.connect.server"
	SpanKex           = "ssh.kex"
	SpanAuth          = "ssh.auth"
	SpanService       = "ssh.service"
)

// Attribute keys.
const (
	AttrRole        = "ssh.role"
	AttrPeer        = "net.peer.addr"
	AttrKexMethod   = "ssh.kex.method"
	AttrHostKey     = "ssh.kex.host_key"
	AttrKexRound    = "ssh.kex.round"
	AttrRekey       = "ssh.kex.rekey"
	AttrUser        = "ssh.auth.user"
	AttrAuthMethod  = "ssh.auth.method"
	AttrAuthResult  = "ssh.auth.result"
	AttrService     = "ssh.service.name"
	AttrServiceMode = "ssh.service.mode"
)

// ConnectAttributes describe connection setup.
func ConnectAttributes(role, remote string) Attributes {
	a := Attributes{AttrRole: role}
	if remote != "" {
		a[AttrPeer] = remote
	}
	return a
}

// KexAttributes describe one key exchange round. Round 1 is the initial
// exchange; every later round is a rekey.
func KexAttributes(method, hostKey string, round uint64) Attributes {
	a := Attributes{
		AttrKexMethod: method,
		AttrKexRound:  int64(round),
		AttrRekey:     round > 1,
	}
	if hostKey != "" {
		a[AttrHostKey] = hostKey
	}
	return a
}

// AuthAttributes describe one authentication request.
func AuthAttributes(user, method string) Attributes {
	return Attributes{AttrUser: user, AttrAuthMethod: method}
}

// ServiceAttributes describe a service start.
func ServiceAttributes(name, mode string) Attributes {
	return Attributes{AttrService: name, AttrServiceMode: mode}
}

// NoOpTracer discards every span.
type NoOpTracer struct{}

// StartSpan returns ctx unchanged.
func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttributes(Attributes) {}
func (noopSpan) End(error)                {}

// MemoryTracer keeps finished spans in memory, for tests and the
// "memory" tracing setting.
type MemoryTracer struct {
	mu    sync.Mutex
	spans []RecordedSpan
}

// RecordedSpan is a finished span.
type RecordedSpan struct {
	Name       string
	Kind       SpanKind
	Start      time.Time
	Duration   time.Duration
	Attributes Attributes
	Err        error
	TraceID    string
	SpanID     string
	ParentID   string
}

// NewMemoryTracer returns an empty MemoryTracer.
func NewMemoryTracer() *MemoryTracer {
	return &MemoryTracer{}
}

// StartSpan opens a span; a span already in ctx becomes its parent.
func (t *MemoryTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	cfg := newSpanConfig(opts)
	s := &memorySpan{
		tracer: t,
		rec: RecordedSpan{
			Name:       name,
			Kind:       cfg.kind,
			Start:      time.Now(),
			Attributes: cfg.attributes,
			SpanID:     nextID(),
		},
	}
	if parent, ok := ctx.Value(spanKey{}).(*memorySpan); ok {
		s.rec.TraceID = parent.rec.TraceID
		s.rec.ParentID = parent.rec.SpanID
	} else {
		s.rec.TraceID = nextID()
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

// Spans returns the finished spans in the order they ended.
func (t *MemoryTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RecordedSpan(nil), t.spans...)
}

// Find returns the finished spans called name.
func (t *MemoryTracer) Find(name string) []RecordedSpan {
	var out []RecordedSpan
	for _, s := range t.Spans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops the finished spans.
func (t *MemoryTracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = nil
}

type spanKey struct{}

type memorySpan struct {
	tracer *MemoryTracer
	mu     sync.Mutex
	ended  bool
	rec    RecordedSpan
}

func (s *memorySpan) SetAttributes(attrs Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.rec.Attributes, attrs)
}

func (s *memorySpan) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.rec.Duration = time.Since(s.rec.Start)
	s.rec.Err = err
	rec := s.rec
	rec.Attributes = maps.Clone(s.rec.Attributes)
	s.mu.Unlock()

	s.tracer.mu.Lock()
	s.tracer.spans = append(s.tracer.spans, rec)
	s.tracer.mu.Unlock()
}

var idCounter atomic.Uint64

func nextID() string {
	return strconv.FormatUint(idCounter.Add(1), 16)
}

// NewTracer builds the tracer named by kind: "none" (or empty),
// "memory" or "otel".
func NewTracer(kind, serviceName string) (Tracer, error) {
	switch kind {
	case "", "none":
		return NoOpTracer{}, nil
	case "memory":
		return NewMemoryTracer(), nil
	case "otel":
		if !OTelEnabled() {
			return nil, fmt.Errorf("tracing %q: binary built without the otel tag", kind)
		}
		return NewOTelTracer(serviceName), nil
	default:
		return nil, fmt.Errorf("unknown tracer %q", kind)
	}
}

var (
	globalTracer   Tracer = NoOpTracer{}
	globalTracerMu sync.RWMutex
)

// SetTracer replaces the process tracer.
func SetTracer(t Tracer) {
	globalTracerMu.Lock()
	defer globalTracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the process tracer.
func GetTracer() Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	return globalTracer
}
