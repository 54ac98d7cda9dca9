package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// Factory returns an empty message to decode a payload into.
type Factory func() protocol.Message

// MessageStore is a FIFO of decoded messages for one consumer. The
// transport delivers every message whose type the store registered;
// consumers take them out with Get, optionally filtered by type.
//
// Waiters block on a broadcast channel that is replaced on every Add and
// Close, so all of them wake and re-check their own filter.
type MessageStore struct {
	name string

	mu        sync.Mutex
	factories map[byte]Factory
	msgs      []protocol.Message
	limit     int
	closed    bool
	notify    chan struct{}
}

// NewMessageStore creates an empty store. name is used in logs.
func NewMessageStore(name string) *MessageStore {
	return &MessageStore{
		name:      name,
		factories: make(map[byte]Factory),
		notify:    make(chan struct{}),
	}
}

// Name returns the store name.
func (s *MessageStore) Name() string { return s.name }

// Register declares msgType as accepted and decoded by f.
func (s *MessageStore) Register(msgType byte, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[msgType] = f
}

// SetLimit caps how many undelivered messages the store holds; Deliver
// fails once the cap is reached. Zero means no cap.
func (s *MessageStore) SetLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = n
}

// Accepts reports whether the store is open and registered msgType.
func (s *MessageStore) Accepts(msgType byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.factories[msgType]
	return ok && !s.closed
}

// Deliver decodes payload with the registered factory and adds it.
func (s *MessageStore) Deliver(payload []byte) error {
	t, err := protocol.PeekType(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	f, ok := s.factories[t]
	full := s.limit > 0 && len(s.msgs) >= s.limit
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: store %s does not accept %s", qerrors.ErrInvalidMessage, s.name, protocol.MessageName(t))
	}
	if full {
		return fmt.Errorf("%w: %s holds %d messages", qerrors.ErrMessageStoreFull, s.name, s.limit)
	}
	m := f()
	if err := protocol.Unmarshal(payload, m); err != nil {
		return err
	}
	s.Add(m)
	return nil
}

// Add appends m and wakes every waiter. Messages added after Close are
// dropped.
func (s *MessageStore) Add(m protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.msgs = append(s.msgs, m)
	s.broadcastLocked()
}

// Get removes and returns the oldest message whose type is in types, or
// the oldest message if types is empty. A zero timeout waits forever.
// It returns ErrMessageNotAvailable on timeout and ErrMessageStoreEOF once
// the store is closed with no matching message left.
func (s *MessageStore) Get(ctx context.Context, timeout time.Duration, types ...byte) (protocol.Message, error) {
	return s.wait(ctx, timeout, true, types)
}

// Peek is Get without removing the message.
func (s *MessageStore) Peek(ctx context.Context, timeout time.Duration, types ...byte) (protocol.Message, error) {
	return s.wait(ctx, timeout, false, types)
}

// Close marks the store closed and wakes every waiter. Messages already
// queued can still be taken.
func (s *MessageStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broadcastLocked()
}

// Closed reports whether Close has been called.
func (s *MessageStore) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of queued messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *MessageStore) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *MessageStore) wait(ctx context.Context, timeout time.Duration, remove bool, types []byte) (protocol.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		s.mu.Lock()
		for i, m := range s.msgs {
			if len(types) == 0 || slices.Contains(types, m.MessageType()) {
				if remove {
					s.msgs = slices.Delete(s.msgs, i, i+1)
				}
				s.mu.Unlock()
				return m, nil
			}
		}
		if s.closed {
			s.mu.Unlock()
			return nil, qerrors.ErrMessageStoreEOF
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-expired:
			return nil, qerrors.ErrMessageNotAvailable
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
