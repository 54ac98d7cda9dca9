package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
	"github.com/pzverkov/sshcore/pkg/transport"
)

// ClientMethod runs one authentication method on the client. It sends its
// request through the ClientContext and returns ResultReady once nothing
// is left to do but wait for the server's verdict, or the terminal result
// it already observed.
type ClientMethod interface {
	Name() string
	Authenticate(ctx context.Context, cc *ClientContext) (Result, error)
}

// Client is the "ssh-userauth" service on the client side. Start it with
// Transport.RequestService.
type Client struct {
	username string

	t         *transport.Transport
	logger    *metrics.Logger
	store     *transport.MessageStore
	stopOnce  sync.Once
	startOnce sync.Once

	mu        sync.Mutex
	remaining []string
	// followOn has run OnInit but not yet OnStart.
	followOn transport.Service
	started  bool
}

// NewClient returns an authentication client for username.
func NewClient(username string) *Client {
	return &Client{username: username}
}

// Name implements transport.Service.
func (c *Client) Name() string { return constants.ServiceUserAuth }

// OnInit registers the result and banner messages.
func (c *Client) OnInit(_ context.Context, mode transport.StartMode, t *transport.Transport) error {
	if mode != transport.StartRequesting {
		return fmt.Errorf("%w: %s client cannot be %s", qerrors.ErrInvalidStartMode, c.Name(), mode)
	}
	c.t = t
	c.logger = t.Logger().Named("auth").With(metrics.Fields{"user": c.username})

	c.store = transport.NewMessageStore("userauth")
	c.store.Register(constants.MsgUserAuthSuccess, func() protocol.Message { return new(protocol.UserAuthSuccess) })
	c.store.Register(constants.MsgUserAuthFailure, func() protocol.Message { return new(protocol.UserAuthFailure) })
	c.store.Register(constants.MsgUserAuthBanner, func() protocol.Message { return new(protocol.UserAuthBanner) })
	t.AddMessageStore(c.store)
	return nil
}

// OnAccept implements transport.Service; the client is never accepted.
func (c *Client) OnAccept(context.Context) error {
	return fmt.Errorf("%w: %s client cannot be accepted", qerrors.ErrInvalidStartMode, c.Name())
}

// OnRequest implements transport.Service.
func (c *Client) OnRequest(context.Context) error { return nil }

// OnStart implements transport.Service.
func (c *Client) OnStart(context.Context) error { return nil }

// OnStop closes the client's store and releases a follow-on service that
// was prepared but never started.
func (c *Client) OnStop() {
	c.stopOnce.Do(func() {
		if c.t == nil {
			return
		}
		c.store.Close()
		c.t.RemoveMessageStore(c.store)

		c.mu.Lock()
		pending := c.followOn
		c.followOn = nil
		c.mu.Unlock()
		if pending != nil {
			pending.OnStop()
		}
	})
}

// User returns the username being authenticated.
func (c *Client) User() string { return c.username }

// AvailableMethods sends a "none" request and returns the methods the
// server lists in its reply.
func (c *Client) AvailableMethods(ctx context.Context, service string) ([]string, error) {
	if c.t == nil {
		return nil, fmt.Errorf("%w: authentication service not started", qerrors.ErrInvalidState)
	}
	cc := &ClientContext{client: c, service: service}
	if err := cc.SendRequest(constants.MethodNone, nil); err != nil {
		return nil, err
	}
	_, res, err := cc.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	if res == ResultComplete {
		return nil, qerrors.ErrNoneAccepted
	}
	return c.Remaining(), nil
}

// Authenticate runs method and waits for the server's verdict. The
// follow-on service is initialised before the request goes out, because
// the server may use it right after USERAUTH_SUCCESS. On ResultComplete it
// is started in requesting mode, once.
func (c *Client) Authenticate(ctx context.Context, method ClientMethod, followOn transport.Service) (Result, error) {
	if c.t == nil {
		return ResultFailed, fmt.Errorf("%w: authentication service not started", qerrors.ErrInvalidState)
	}
	if err := c.prepare(ctx, followOn); err != nil {
		return ResultFailed, err
	}
	cc := &ClientContext{client: c, service: followOn.Name()}
	log := c.logger.With(metrics.Fields{"method": method.Name()})

	res, err := method.Authenticate(ctx, cc)
	if err != nil {
		return ResultFailed, err
	}
	if res == ResultReady {
		if _, res, err = cc.ReadMessage(ctx); err != nil {
			return ResultFailed, err
		}
	}
	log.Debug("authentication result", metrics.Fields{"result": res.String()})

	if res != ResultComplete {
		return res, nil
	}
	err = errors.New("follow-on service already started")
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.followOn = nil
		c.started = true
		c.mu.Unlock()
		err = transport.StartInitialized(ctx, c.t, followOn, transport.StartRequesting)
	})
	if err != nil {
		return ResultComplete, err
	}
	log.Info("authenticated", metrics.Fields{"service": followOn.Name()})
	c.OnStop()
	return ResultComplete, nil
}

// prepare initialises svc in requesting mode unless it already is. A
// different service prepared by an earlier attempt is stopped first.
func (c *Client) prepare(ctx context.Context, svc transport.Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("%w: follow-on service already started", qerrors.ErrInvalidState)
	}
	if c.followOn == svc {
		return nil
	}
	if c.followOn != nil {
		c.followOn.OnStop()
		c.followOn = nil
	}
	if err := transport.InitService(ctx, c.t, svc, transport.StartRequesting); err != nil {
		return err
	}
	c.followOn = svc
	return nil
}

// Remaining returns the methods listed in the last failure reply.
func (c *Client) Remaining() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.remaining)
}

// Banner returns the server's banner if one arrives within timeout, or
// "". The banner stays queued, so later calls see it too. A timeout of 0
// uses constants.DefaultBannerTimeout.
func (c *Client) Banner(ctx context.Context, timeout time.Duration) string {
	if c.store == nil {
		return ""
	}
	if timeout <= 0 {
		timeout = constants.DefaultBannerTimeout
	}
	m, err := c.store.Peek(ctx, timeout, constants.MsgUserAuthBanner)
	if err != nil {
		if errors.Is(err, qerrors.ErrMessageStoreEOF) {
			c.logger.Debug("no banner: authentication store closed")
		}
		return ""
	}
	return m.(*protocol.UserAuthBanner).Message
}

// ClientContext is a client method's view of the connection.
type ClientContext struct {
	client  *Client
	service string
}

// User is the username being authenticated.
func (c *ClientContext) User() string { return c.client.username }

// Service is the follow-on service named in requests.
func (c *ClientContext) Service() string { return c.service }

// SessionID returns the transport session identifier.
func (c *ClientContext) SessionID() []byte { return c.client.t.SessionID() }

// Register lets the method receive messages of msgType.
func (c *ClientContext) Register(msgType byte, f transport.Factory) {
	c.client.store.Register(msgType, f)
}

// Send sends a method message.
func (c *ClientContext) Send(m protocol.Message) error {
	return c.client.t.Send(m)
}

// SendRequest sends USERAUTH_REQUEST for method with its encoded payload.
func (c *ClientContext) SendRequest(method string, payload []byte) error {
	return c.client.t.Send(&protocol.UserAuthRequest{
		User:    c.client.username,
		Service: c.service,
		Method:  method,
		Payload: payload,
	})
}

// ReadMessage waits for one of types or for the server's verdict. A
// verdict is returned as a terminal Result with a nil message; a method
// message comes back with ResultReady.
func (c *ClientContext) ReadMessage(ctx context.Context, types ...byte) (protocol.Message, Result, error) {
	filter := append(slices.Clone(types), constants.MsgUserAuthSuccess, constants.MsgUserAuthFailure)
	m, err := c.client.store.Get(ctx, 0, filter...)
	if err != nil {
		if errors.Is(err, qerrors.ErrMessageStoreEOF) {
			err = fmt.Errorf("%w: %w", qerrors.ErrDisconnected, err)
		}
		return nil, ResultFailed, err
	}

	switch msg := m.(type) {
	case *protocol.UserAuthSuccess:
		return nil, ResultComplete, nil
	case *protocol.UserAuthFailure:
		c.client.mu.Lock()
		c.client.remaining = msg.Methods
		c.client.mu.Unlock()
		if msg.PartialSuccess {
			return nil, ResultPartial, nil
		}
		return nil, ResultFailed, nil
	default:
		return m, ResultReady, nil
	}
}
