package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// StartMode says which side asked for a service.
type StartMode int

const (
	// StartRequesting is the side that sent SERVICE_REQUEST.
	StartRequesting StartMode = iota
	// StartAccepting is the side that answered it.
	StartAccepting
)

func (m StartMode) String() string {
	switch m {
	case StartRequesting:
		return "requesting"
	case StartAccepting:
		return "accepting"
	default:
		return fmt.Sprintf("StartMode(%d)", int(m))
	}
}

// Service is a protocol running over an established transport, such as
// ssh-userauth or ssh-connection.
//
// OnInit registers the service's message stores. Exactly one of OnAccept
// and OnRequest runs next, depending on the mode, then OnStart. OnStart
// must not block; consumers run in their own goroutines. OnStop releases
// the service and must be safe to call more than once.
type Service interface {
	Name() string
	OnInit(ctx context.Context, mode StartMode, t *Transport) error
	OnAccept(ctx context.Context) error
	OnRequest(ctx context.Context) error
	OnStart(ctx context.Context) error
	OnStop()
}

// StartService runs the service lifecycle hooks for mode.
func StartService(ctx context.Context, t *Transport, svc Service, mode StartMode) error {
	return startService(ctx, t, svc, mode, nil)
}

// StartServiceAnnounced is StartService with announce run between OnInit
// and the mode hook. announce sends whatever lets the peer start talking
// to the service, once the service's stores are registered.
func StartServiceAnnounced(ctx context.Context, t *Transport, svc Service, mode StartMode, announce func() error) error {
	return startService(ctx, t, svc, mode, announce)
}

func startService(ctx context.Context, t *Transport, svc Service, mode StartMode, afterInit func() error) error {
	if err := InitService(ctx, t, svc, mode); err != nil {
		return err
	}
	if afterInit != nil {
		if err := afterInit(); err != nil {
			svc.OnStop()
			return err
		}
	}
	return StartInitialized(ctx, t, svc, mode)
}

// InitService validates mode and runs OnInit only, so that the service's
// stores are in place before the message that activates it can arrive.
// Finish with StartInitialized, or OnStop to abandon the service.
func InitService(ctx context.Context, t *Transport, svc Service, mode StartMode) error {
	if mode != StartRequesting && mode != StartAccepting {
		return fmt.Errorf("%w: %v", qerrors.ErrInvalidStartMode, mode)
	}
	if err := svc.OnInit(ctx, mode, t); err != nil {
		return fmt.Errorf("init %s: %w", svc.Name(), err)
	}
	return nil
}

// StartInitialized runs the mode hook and OnStart for a service that
// InitService has prepared. On failure the service is stopped.
func StartInitialized(ctx context.Context, t *Transport, svc Service, mode StartMode) error {
	finish := t.obs.ServiceStarted(t.ctx, svc.Name(), mode.String())

	var err error
	if mode == StartAccepting {
		err = svc.OnAccept(ctx)
	} else {
		err = svc.OnRequest(ctx)
	}
	if err == nil {
		err = svc.OnStart(ctx)
	}
	if err != nil {
		svc.OnStop()
		err = fmt.Errorf("start %s: %w", svc.Name(), err)
		finish(err)
		return err
	}
	finish(nil)

	t.Logger().Debug("service started", metrics.Fields{"service": svc.Name(), "mode": mode.String()})
	return nil
}

// RequestService asks the server for svc and starts it in requesting
// mode once SERVICE_ACCEPT arrives. The service is initialised before the
// request is sent so that its stores see whatever follows the accept.
func (t *Transport) RequestService(ctx context.Context, svc Service) error {
	store := NewMessageStore("service-accept")
	store.Register(constants.MsgServiceAccept, func() protocol.Message { return new(protocol.ServiceAccept) })
	t.AddMessageStore(store)
	defer t.RemoveMessageStore(store)

	return startService(ctx, t, svc, StartRequesting, func() error {
		if err := t.Send(&protocol.ServiceRequest{Service: svc.Name()}); err != nil {
			return err
		}
		m, err := store.Get(ctx, 0, constants.MsgServiceAccept)
		if err != nil {
			if errors.Is(err, qerrors.ErrMessageStoreEOF) {
				return t.disconnectedErr()
			}
			return err
		}
		if got := m.(*protocol.ServiceAccept).Service; got != svc.Name() {
			return qerrors.NewProtocolError("service", fmt.Errorf("%w: accepted %q, requested %q",
				qerrors.ErrInvalidMessage, got, svc.Name()))
		}
		return nil
	})
}

// ServiceHost answers SERVICE_REQUEST on the server side.
type ServiceHost struct {
	t        *Transport
	services map[string]Service
	store    *MessageStore

	mu      sync.Mutex
	started []Service
}

// NewServiceHost creates a host offering services by name. On a server
// transport it takes over the store that has been queueing
// SERVICE_REQUEST since the handshake, so requests sent before the host
// exists are still answered.
func NewServiceHost(t *Transport, services map[string]Service) *ServiceHost {
	h := &ServiceHost{
		t:        t,
		services: services,
		store:    t.serviceRequests,
	}
	if h.store == nil {
		h.store = NewMessageStore("service-request")
		h.store.Register(constants.MsgServiceRequest, func() protocol.Message { return new(protocol.ServiceRequest) })
		t.AddMessageStore(h.store)
	}
	return h
}

// Serve handles service requests until the transport disconnects. A
// request for an unknown service disconnects with SERVICE_NOT_AVAILABLE.
// Started services are stopped when Serve returns.
func (h *ServiceHost) Serve(ctx context.Context) error {
	defer h.stopAll()
	return Serve(ctx, h.store, func(ctx context.Context, m protocol.Message) error {
		return h.handle(ctx, m.(*protocol.ServiceRequest))
	}, constants.MsgServiceRequest)
}

func (h *ServiceHost) handle(ctx context.Context, req *protocol.ServiceRequest) error {
	svc, ok := h.services[req.Service]
	if !ok {
		h.t.Logger().Warn("service not available", metrics.Fields{"service": req.Service})
		h.t.Disconnect(constants.DisconnectServiceNotAvailable, req.Service)
		return fmt.Errorf("%w: %s", qerrors.ErrServiceNotAvailable, req.Service)
	}

	err := startService(ctx, h.t, svc, StartAccepting, func() error {
		return h.t.Send(&protocol.ServiceAccept{Service: req.Service})
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.started = append(h.started, svc)
	h.mu.Unlock()
	return nil
}

func (h *ServiceHost) stopAll() {
	h.mu.Lock()
	started := h.started
	h.started = nil
	h.mu.Unlock()
	for _, svc := range started {
		svc.OnStop()
	}
}

// Serve takes messages of the given types from store and passes them to
// handle until the store reaches EOF, which ends Serve without error.
func Serve(ctx context.Context, store *MessageStore, handle func(context.Context, protocol.Message) error, types ...byte) error {
	for {
		m, err := store.Get(ctx, 0, types...)
		if err != nil {
			if errors.Is(err, qerrors.ErrMessageStoreEOF) {
				return nil
			}
			return err
		}
		if err := handle(ctx, m); err != nil {
			return err
		}
	}
}
