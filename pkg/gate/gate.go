// Package gate provides a placeholder "ssh-connection" service. It lets a
// client authenticate and keep the session open without offering any
// channels: global requests are answered with REQUEST_FAILURE and channel
// opens with CHANNEL_OPEN_FAILURE.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
	"github.com/pzverkov/sshcore/pkg/transport"
)

// DefaultReplyTimeout bounds how long the client side waits for a refusal.
const DefaultReplyTimeout = 30 * time.Second

// KeepaliveRequest is the global request Ping sends.
const KeepaliveRequest = "keepalive@openssh.com"

// Service is one side of the gate. Use a new Service per transport.
type Service struct {
	mode   transport.StartMode
	t      *transport.Transport
	store  *transport.MessageStore
	logger *metrics.Logger

	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	refused int
}

// New returns an unstarted gate service.
func New() *Service {
	return &Service{done: make(chan struct{})}
}

// Name implements transport.Service.
func (s *Service) Name() string { return constants.ServiceConnection }

// OnInit registers the connection protocol messages the gate handles.
func (s *Service) OnInit(_ context.Context, mode transport.StartMode, t *transport.Transport) error {
	s.mode = mode
	s.t = t
	s.logger = t.Logger().Named("gate")

	s.store = transport.NewMessageStore("gate")
	switch mode {
	case transport.StartAccepting:
		s.store.Register(constants.MsgGlobalRequest, func() protocol.Message { return new(protocol.GlobalRequest) })
		s.store.Register(constants.MsgChannelOpen, func() protocol.Message { return new(protocol.ChannelOpen) })
	case transport.StartRequesting:
		s.store.Register(constants.MsgRequestFailure, func() protocol.Message { return new(protocol.RequestFailure) })
		s.store.Register(constants.MsgChannelOpenFailure, func() protocol.Message { return new(protocol.ChannelOpenFailure) })
	default:
		return fmt.Errorf("%w: %s", qerrors.ErrInvalidStartMode, mode)
	}
	t.AddMessageStore(s.store)
	return nil
}

// OnAccept implements transport.Service.
func (s *Service) OnAccept(context.Context) error { return nil }

// OnRequest implements transport.Service.
func (s *Service) OnRequest(context.Context) error { return nil }

// OnStart starts refusing requests on the accepting side.
func (s *Service) OnStart(context.Context) error {
	if s.mode == transport.StartAccepting {
		go s.serve()
	} else {
		close(s.done)
	}
	return nil
}

// OnStop unregisters the gate.
func (s *Service) OnStop() {
	s.stopOnce.Do(func() {
		if s.store == nil {
			return
		}
		s.store.Close()
		s.t.RemoveMessageStore(s.store)
	})
}

// Done is closed when the accepting side stops serving.
func (s *Service) Done() <-chan struct{} { return s.done }

// Refused returns how many global requests and channel opens were turned
// down.
func (s *Service) Refused() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refused
}

func (s *Service) serve() {
	defer close(s.done)
	err := transport.Serve(s.t.Context(), s.store, s.handle, constants.MsgGlobalRequest, constants.MsgChannelOpen)
	if err != nil && s.t.Err() == nil {
		s.logger.Warn("gate stopped", metrics.Fields{"error": err.Error()})
	}
}

func (s *Service) handle(_ context.Context, m protocol.Message) error {
	s.mu.Lock()
	s.refused++
	s.mu.Unlock()

	switch m := m.(type) {
	case *protocol.GlobalRequest:
		s.logger.Debug("refusing global request", metrics.Fields{"type": m.Type})
		if !m.WantReply {
			return nil
		}
		return s.t.Send(&protocol.RequestFailure{})
	case *protocol.ChannelOpen:
		s.logger.Info("refusing channel", metrics.Fields{"channel_type": m.ChanType})
		return s.t.Send(&protocol.ChannelOpenFailure{
			RecipientID: m.SenderID,
			Reason:      constants.ChannelOpenProhibited,
			Message:     "no channels are offered",
		})
	}
	return nil
}

// Ping sends a keepalive global request and waits for the refusal.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.requesting(); err != nil {
		return err
	}
	if err := s.t.Send(&protocol.GlobalRequest{Type: KeepaliveRequest, WantReply: true}); err != nil {
		return err
	}
	_, err := s.store.Get(ctx, DefaultReplyTimeout, constants.MsgRequestFailure)
	return err
}

// OpenChannel asks for a channel of chanType and returns the server's
// refusal.
func (s *Service) OpenChannel(ctx context.Context, chanType string, senderID uint32) (*protocol.ChannelOpenFailure, error) {
	if err := s.requesting(); err != nil {
		return nil, err
	}
	err := s.t.Send(&protocol.ChannelOpen{
		ChanType:      chanType,
		SenderID:      senderID,
		WindowSize:    constants.MaxPacketLength,
		MaxPacketSize: constants.MaxPacketLength,
	})
	if err != nil {
		return nil, err
	}
	m, err := s.store.Get(ctx, DefaultReplyTimeout, constants.MsgChannelOpenFailure)
	if err != nil {
		return nil, err
	}
	return m.(*protocol.ChannelOpenFailure), nil
}

func (s *Service) requesting() error {
	if s.store == nil || s.mode != transport.StartRequesting {
		return fmt.Errorf("%w: gate not started as a client", qerrors.ErrInvalidState)
	}
	return nil
}
