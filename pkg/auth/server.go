package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
	"github.com/pzverkov/sshcore/pkg/transport"
)

// ServerMethod authenticates one USERAUTH_REQUEST. Methods that need more
// round trips exchange messages through the ServerContext and either
// finish with a terminal result or return ResultReady to wait for the
// client's next request.
type ServerMethod interface {
	Name() string
	Authenticate(ctx context.Context, sc *ServerContext, req *protocol.UserAuthRequest) (Result, error)
}

const defaultMethodTimeout = 2 * time.Minute

// ServerConfig configures the server side of user authentication.
type ServerConfig struct {
	// Methods offered to clients.
	Methods *MethodRegistry
	// Required lists methods that must all complete before success.
	// Empty means any single method is enough.
	Required []string
	// Banner is sent right after the service is accepted, when set.
	Banner string
	// Services the client may ask to start once authenticated.
	Services map[string]transport.Service
	// MaxAttempts failed attempts end the connection. Defaults to
	// constants.DefaultMaxAuthAttempts.
	MaxAttempts int
	// MethodTimeout bounds each wait for a method message. Defaults to
	// two minutes.
	MethodTimeout time.Duration
	// Logger defaults to the transport's logger.
	Logger *metrics.Logger
}

// Server is the "ssh-userauth" service on the server side. A Server
// serves a single connection.
type Server struct {
	cfg ServerConfig

	t             *transport.Transport
	logger        *metrics.Logger
	requests      *transport.MessageStore
	methodStore   *transport.MessageStore
	stopOnce      sync.Once
	finishOnce    sync.Once
	done          chan struct{}
	authenticated chan struct{}

	// Owned by the serve goroutine.
	user      string
	service   string
	completed map[string]bool
	failures  int
	succeeded bool

	mu       sync.Mutex
	authUser string
}

// NewServer creates the authentication service for one connection.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Methods == nil {
		return nil, fmt.Errorf("%w: no authentication methods", qerrors.ErrInvalidConfig)
	}
	for _, name := range cfg.Required {
		if !cfg.Methods.Has(name) {
			return nil, fmt.Errorf("%w: required method %q is not offered", qerrors.ErrInvalidConfig, name)
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultMaxAuthAttempts
	}
	if cfg.MethodTimeout <= 0 {
		cfg.MethodTimeout = defaultMethodTimeout
	}
	return &Server{
		cfg:           cfg,
		done:          make(chan struct{}),
		authenticated: make(chan struct{}),
		completed:     make(map[string]bool),
	}, nil
}

// Name implements transport.Service.
func (s *Server) Name() string { return constants.ServiceUserAuth }

// OnInit registers the request and method stores.
func (s *Server) OnInit(_ context.Context, mode transport.StartMode, t *transport.Transport) error {
	if mode != transport.StartAccepting {
		return fmt.Errorf("%w: %s server cannot be %s", qerrors.ErrInvalidStartMode, s.Name(), mode)
	}
	s.t = t
	s.logger = s.cfg.Logger
	if s.logger == nil {
		s.logger = t.Logger()
	}
	s.logger = s.logger.Named("auth")

	s.requests = transport.NewMessageStore("userauth")
	s.requests.Register(constants.MsgUserAuthRequest, func() protocol.Message { return new(protocol.UserAuthRequest) })
	s.methodStore = transport.NewMessageStore("userauth-method")
	t.AddMessageStore(s.requests)
	t.AddMessageStore(s.methodStore)
	return nil
}

// OnAccept sends the configured banner.
func (s *Server) OnAccept(context.Context) error {
	if s.cfg.Banner == "" {
		return nil
	}
	return s.t.Send(&protocol.UserAuthBanner{Message: s.cfg.Banner})
}

// OnRequest implements transport.Service; the server never requests.
func (s *Server) OnRequest(context.Context) error {
	return fmt.Errorf("%w: %s server cannot be requested", qerrors.ErrInvalidStartMode, s.Name())
}

// OnStart runs the request loop on its own goroutine.
func (s *Server) OnStart(context.Context) error {
	go s.serve()
	return nil
}

// OnStop closes the stores, which ends the request loop.
func (s *Server) OnStop() {
	s.stopOnce.Do(func() {
		if s.t == nil {
			return
		}
		s.requests.Close()
		s.methodStore.Close()
		s.t.RemoveMessageStore(s.requests)
		s.t.RemoveMessageStore(s.methodStore)
	})
}

// Done is closed once authentication is over: on success, or when the
// request loop ends. After success the loop keeps running only to discard
// late requests.
func (s *Server) Done() <-chan struct{} { return s.done }

// Authenticated is closed once the client has authenticated.
func (s *Server) Authenticated() <-chan struct{} { return s.authenticated }

// User returns the authenticated username, or "" before success.
func (s *Server) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authUser
}

func (s *Server) finish() {
	s.finishOnce.Do(func() { close(s.done) })
}

func (s *Server) serve() {
	defer s.finish()
	ctx := s.t.Context()
	err := transport.Serve(ctx, s.requests, func(ctx context.Context, m protocol.Message) error {
		return s.handle(ctx, m.(*protocol.UserAuthRequest))
	}, constants.MsgUserAuthRequest)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("authentication loop ended", metrics.Fields{"error": err.Error()})
	}
}

func (s *Server) handle(ctx context.Context, req *protocol.UserAuthRequest) error {
	// RFC 4252 section 5.1: requests after success are ignored silently.
	if s.succeeded {
		s.logger.Debug("ignoring authentication request after success", metrics.Fields{"user": req.User, "method": req.Method})
		return nil
	}

	// Completed methods only count towards the same user and service.
	if req.User != s.user || req.Service != s.service {
		if s.user != "" && len(s.completed) > 0 {
			s.logger.Debug("user or service changed; resetting completed methods")
		}
		s.user, s.service = req.User, req.Service
		clear(s.completed)
	}

	log := s.logger.With(metrics.Fields{"user": req.User, "method": req.Method})

	if req.Method == constants.MethodNone {
		return s.sendFailure(s.cfg.Methods.Names(), false)
	}

	end := s.t.Observer().AuthStarted(ctx, req.User, req.Method)
	result, err := s.attempt(ctx, req, log)
	if err != nil {
		end(ResultFailed.String())
		return err
	}

	var outstanding []string
	if result == ResultComplete {
		s.completed[req.Method] = true
		outstanding = s.outstanding()
		if len(outstanding) > 0 {
			log.Info("partial authentication", metrics.Fields{"outstanding": outstanding})
			result = ResultPartial
		}
	}
	end(result.String())

	switch result {
	case ResultFailed:
		return s.fail()
	case ResultPartial:
		if outstanding == nil {
			outstanding = s.cfg.Methods.Names()
		}
		return s.sendFailure(outstanding, true)
	case ResultComplete:
		return s.succeed(ctx, req, log)
	default:
		return nil
	}
}

// attempt runs the requested method. An error means the transport is
// gone; every other problem is a failed attempt.
func (s *Server) attempt(ctx context.Context, req *protocol.UserAuthRequest, log *metrics.Logger) (Result, error) {
	if _, ok := s.cfg.Services[req.Service]; !ok {
		log.Warn("authentication for unknown service", metrics.Fields{"service": req.Service})
		return ResultFailed, nil
	}
	if !s.cfg.Methods.Has(req.Method) {
		log.Debug("unsupported authentication method")
		return ResultFailed, nil
	}

	method, err := s.cfg.Methods.New(req.Method)
	if err != nil {
		return ResultFailed, nil
	}
	sc := &ServerContext{
		server:  s,
		user:    req.User,
		service: req.Service,
		logger:  log,
	}
	result, err := method.Authenticate(ctx, sc, req)
	if err != nil {
		if s.t.State() == transport.StateDisconnected {
			return ResultFailed, err
		}
		log.Warn("authentication method error", metrics.Fields{"error": err.Error()})
		return ResultFailed, nil
	}
	return result, nil
}

// outstanding lists the required methods not yet completed.
func (s *Server) outstanding() []string {
	var out []string
	for _, name := range s.cfg.Required {
		if !s.completed[name] {
			out = append(out, name)
		}
	}
	return out
}

func (s *Server) succeed(ctx context.Context, req *protocol.UserAuthRequest, log *metrics.Logger) error {
	s.succeeded = true

	svc := s.cfg.Services[req.Service]
	err := transport.StartServiceAnnounced(ctx, s.t, svc, transport.StartAccepting, func() error {
		return s.t.Send(&protocol.UserAuthSuccess{})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.authUser = req.User
	s.mu.Unlock()
	log.Info("user authenticated", metrics.Fields{"service": req.Service})
	close(s.authenticated)

	// The request store stays registered so late requests are drained
	// instead of drawing UNIMPLEMENTED.
	s.methodStore.Close()
	s.t.RemoveMessageStore(s.methodStore)
	s.finish()
	return nil
}

// fail counts a failed attempt and ends the connection once the limit is
// reached.
func (s *Server) fail() error {
	s.failures++
	if s.failures >= s.cfg.MaxAttempts {
		s.logger.Warn("too many authentication failures", metrics.Fields{"user": s.user, "attempts": s.failures})
		s.t.Disconnect(constants.DisconnectNoMoreAuthMethodsAvailable, "too many authentication failures")
		return fmt.Errorf("%w: %d failed attempts", qerrors.ErrAuthenticationFailed, s.failures)
	}
	return s.sendFailure(s.cfg.Methods.Names(), false)
}

func (s *Server) sendFailure(methods []string, partial bool) error {
	return s.t.Send(&protocol.UserAuthFailure{Methods: methods, PartialSuccess: partial})
}

// ServerContext is a server method's view of the connection during one
// request.
type ServerContext struct {
	server  *Server
	user    string
	service string
	logger  *metrics.Logger
}

// User is the username claimed in the request.
func (c *ServerContext) User() string { return c.user }

// Service is the service the client wants to start.
func (c *ServerContext) Service() string { return c.service }

// SessionID returns the transport session identifier.
func (c *ServerContext) SessionID() []byte { return c.server.t.SessionID() }

// Logger carries the user and method fields.
func (c *ServerContext) Logger() *metrics.Logger { return c.logger }

// Register lets the method receive messages of msgType.
func (c *ServerContext) Register(msgType byte, f transport.Factory) {
	c.server.methodStore.Register(msgType, f)
}

// Send sends a method message to the client.
func (c *ServerContext) Send(m protocol.Message) error {
	return c.server.t.Send(m)
}

// ReadMessage waits for one of the registered method messages.
func (c *ServerContext) ReadMessage(ctx context.Context, types ...byte) (protocol.Message, error) {
	m, err := c.server.methodStore.Get(ctx, c.server.cfg.MethodTimeout, types...)
	if err != nil {
		if errors.Is(err, qerrors.ErrMessageStoreEOF) {
			return nil, fmt.Errorf("%w: %w", qerrors.ErrDisconnected, err)
		}
		return nil, err
	}
	return m, nil
}
