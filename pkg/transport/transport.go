// Package transport implements the SSH transport layer state machine on
// top of pkg/protocol and pkg/kex.
//
// A Transport owns one connection. A reader goroutine reads packets,
// handles the transport messages inline, runs key exchanges and hands
// every other message to the first MessageStore that accepts its type.
// Services consume their stores from their own goroutines and send with
// Send, which queues application messages while a key exchange runs.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// disconnectWriteTimeout bounds the DISCONNECT write on shutdown.
const disconnectWriteTimeout = 2 * time.Second

// Stats are the traffic counters of one transport.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	KexRounds       uint64
}

// Transport is an SSH transport layer connection.
type Transport struct {
	conn   net.Conn
	cfg    Config
	role   kex.Role
	obs    Observer
	logger atomic.Pointer[metrics.Logger]

	ctx    context.Context
	cancel context.CancelFunc

	// Inbound side, owned by the reader goroutine.
	br *bufio.Reader
	r  *protocol.PacketReader

	// writeMu guards the outbound side and the kex initiation flag.
	writeMu      sync.Mutex
	w            *protocol.PacketWriter
	sentKexInit  bool
	localKexInit *protocol.KexInit
	localPayload []byte

	pendingMu sync.Mutex
	pending   [][]byte

	storesMu sync.RWMutex
	stores   []*MessageStore

	// serviceRequests queues SERVICE_REQUEST on the server from the moment
	// the reader starts, until a ServiceHost takes it over.
	serviceRequests *MessageStore

	mu            sync.Mutex
	state         State
	everConnected bool
	sessionID     []byte
	algorithms    *kex.AlgorithmSet
	localVersion  string
	remoteVersion protocol.Identification

	connected chan struct{}
	kexDone   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	err       error

	rekeyBytes  atomic.Uint64
	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	kexRounds   atomic.Uint64
}

// Client runs the client side of the transport over conn and returns once
// the first key exchange has completed.
func Client(ctx context.Context, conn net.Conn, cfg Config) (*Transport, error) {
	return start(ctx, conn, cfg, kex.RoleClient)
}

// Server runs the server side of the transport over conn and returns once
// the first key exchange has completed.
func Server(ctx context.Context, conn net.Conn, cfg Config) (*Transport, error) {
	return start(ctx, conn, cfg, kex.RoleServer)
}

// Dial connects to address and runs the client side over the connection.
// cfg.HostName defaults to address.
func Dial(ctx context.Context, network, address string, cfg Config) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if cfg.HostName == "" {
		cfg.HostName = address
	}
	t, err := Client(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// maxQueuedServiceRequests bounds SERVICE_REQUESTs waiting for a
// ServiceHost.
const maxQueuedServiceRequests = 8

func newTransport(conn net.Conn, cfg Config, role kex.Role) *Transport {
	cfg = cfg.withDefaults(role)
	if cfg.HostName == "" && conn.RemoteAddr() != nil {
		cfg.HostName = conn.RemoteAddr().String()
	}

	t := &Transport{
		conn:         conn,
		cfg:          cfg,
		role:         role,
		obs:          cfg.Observer,
		br:           bufio.NewReader(conn),
		w:            protocol.NewPacketWriter(conn, cfg.Rand),
		localVersion: protocol.LocalIdentification(cfg.Software),
		connected:    make(chan struct{}),
		kexDone:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	t.r = protocol.NewPacketReader(t.br)
	if role == kex.RoleServer {
		t.serviceRequests = NewMessageStore("service-request")
		t.serviceRequests.Register(constants.MsgServiceRequest, func() protocol.Message { return new(protocol.ServiceRequest) })
		t.serviceRequests.SetLimit(maxQueuedServiceRequests)
		t.stores = append(t.stores, t.serviceRequests)
	}
	t.logger.Store(cfg.Logger.Named("transport").With(metrics.Fields{
		"role":   role.String(),
		"remote": t.remoteString(),
	}))
	return t
}

func start(ctx context.Context, conn net.Conn, cfg Config, role kex.Role) (*Transport, error) {
	if err := cfg.Validate(role); err != nil {
		return nil, err
	}

	t := newTransport(conn, cfg, role)
	obsCtx, finish := t.obs.ConnectionStarted(ctx, role.String(), t.remoteString())
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(obsCtx))

	go t.run()

	timer := time.NewTimer(t.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-t.connected:
		finish(nil)
		go t.rekeyLoop()
		return t, nil
	case <-t.done:
		finish(t.err)
		return nil, t.err
	case <-ctx.Done():
		err := ctx.Err()
		t.shutdown(err, constants.DisconnectByApplication, "handshake cancelled", true)
		finish(err)
		return nil, err
	case <-timer.C:
		err := fmt.Errorf("%w: no key exchange within %v", qerrors.ErrKeyExchangeFailed, t.cfg.HandshakeTimeout)
		t.fail(err)
		finish(err)
		return nil, err
	}
}

// Send encodes and sends m. Application messages are queued while a key
// exchange is in progress or before the first one has completed, and
// flushed in order once it finishes. Transport messages are written
// immediately.
func (t *Transport) Send(m protocol.Message) error {
	return t.send(protocol.Marshal(m))
}

func (t *Transport) send(payload []byte) error {
	msgType, err := protocol.PeekType(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	state := t.State()
	if state == StateDisconnected {
		t.writeMu.Unlock()
		return t.disconnectedErr()
	}
	if !constants.IsTransportMessage(msgType) && (state != StateConnected || t.sentKexInit) {
		t.pendingMu.Lock()
		t.pending = append(t.pending, payload)
		t.pendingMu.Unlock()
		t.writeMu.Unlock()
		return nil
	}
	err = t.writePacketLocked(payload)
	if err == nil {
		err = t.maybeRekeyLocked()
	}
	t.writeMu.Unlock()

	if err != nil {
		t.fail(err)
		return err
	}
	return nil
}

// writePacketLocked writes one packet. Caller holds writeMu.
func (t *Transport) writePacketLocked(payload []byte) error {
	if _, err := t.w.WritePacket(payload); err != nil {
		return err
	}
	n := uint64(len(payload))
	t.packetsSent.Add(1)
	t.bytesSent.Add(n)
	t.rekeyBytes.Add(n)
	t.obs.PacketSent(len(payload))
	return nil
}

func (t *Transport) flushPendingLocked() error {
	t.pendingMu.Lock()
	queued := t.pending
	t.pending = nil
	t.pendingMu.Unlock()

	for i, payload := range queued {
		if err := t.writePacketLocked(payload); err != nil {
			return fmt.Errorf("flushing %d queued messages: %w", len(queued)-i, err)
		}
	}
	if len(queued) > 0 {
		t.Logger().Debug("flushed queued messages", metrics.Fields{"count": len(queued)})
	}
	return nil
}

func (t *Transport) maybeRekeyLocked() error {
	if t.State() != StateConnected || t.sentKexInit {
		return nil
	}
	if t.rekeyBytes.Load() < t.cfg.RekeyBytes {
		return nil
	}
	t.Logger().Debug("transfer volume reached, starting key exchange",
		metrics.Fields{"bytes": t.rekeyBytes.Load()})
	return t.sendKexInitLocked()
}

// RequestKeyExchange starts a new key exchange round unless one is
// already in progress.
func (t *Transport) RequestKeyExchange() error {
	t.writeMu.Lock()
	var err error
	switch t.State() {
	case StateDisconnected:
		err = t.disconnectedErr()
		t.writeMu.Unlock()
		return err
	case StateConnected:
		err = t.sendKexInitLocked()
	}
	t.writeMu.Unlock()

	if err != nil {
		t.fail(err)
	}
	return err
}

func (t *Transport) rekeyLoop() {
	timer := time.NewTimer(t.cfg.RekeyInterval)
	defer timer.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-t.kexDone:
			timer.Reset(t.cfg.RekeyInterval)
		case <-timer.C:
			t.Logger().Debug("rekey interval elapsed")
			if err := t.RequestKeyExchange(); err != nil {
				return
			}
			timer.Reset(t.cfg.RekeyInterval)
		}
	}
}

// AddMessageStore registers s for inbound messages. Stores are consulted
// in registration order. A store added to a disconnected transport is
// closed immediately.
func (t *Transport) AddMessageStore(s *MessageStore) {
	t.storesMu.Lock()
	t.stores = append(t.stores, s)
	t.storesMu.Unlock()

	if t.State() == StateDisconnected {
		s.Close()
	}
}

// RemoveMessageStore unregisters s. It does not close it.
func (t *Transport) RemoveMessageStore(s *MessageStore) {
	t.storesMu.Lock()
	defer t.storesMu.Unlock()
	for i, cur := range t.stores {
		if cur == s {
			t.stores = append(t.stores[:i], t.stores[i+1:]...)
			return
		}
	}
}

func (t *Transport) storeFor(msgType byte) *MessageStore {
	t.storesMu.RLock()
	defer t.storesMu.RUnlock()
	for _, s := range t.stores {
		if s.Accepts(msgType) {
			return s
		}
	}
	return nil
}

// Disconnect sends DISCONNECT with reason and description and closes the
// connection. Calling it on a closed transport does nothing.
func (t *Transport) Disconnect(reason constants.DisconnectReason, description string) {
	t.shutdown(qerrors.NewDisconnectError(reason, description, false), reason, description, true)
}

// Close disconnects with BY_APPLICATION.
func (t *Transport) Close() error {
	t.Disconnect(constants.DisconnectByApplication, "")
	return nil
}

// fail ends the transport because of err.
func (t *Transport) fail(err error) {
	if err == nil {
		return
	}

	var derr *qerrors.DisconnectError
	switch {
	case errors.As(err, &derr) && derr.Remote:
		t.shutdown(err, derr.Reason, derr.Description, false)
	case isConnectionLost(err):
		t.shutdown(err, constants.DisconnectConnectionLost, "", false)
	default:
		if qerrors.Is(err, qerrors.ErrMACMismatch) {
			t.obs.MACFailure()
		} else {
			t.obs.ProtocolError(err)
		}
		t.shutdown(err, qerrors.DisconnectReasonFor(err), err.Error(), true)
	}
}

func (t *Transport) shutdown(cause error, reason constants.DisconnectReason, description string, notify bool) {
	t.closeOnce.Do(func() {
		if notify {
			_ = t.conn.SetWriteDeadline(time.Now().Add(disconnectWriteTimeout))
			t.writeMu.Lock()
			_ = t.writePacketLocked(protocol.Marshal(&protocol.Disconnect{
				Reason:  uint32(reason),
				Message: description,
			}))
			t.writeMu.Unlock()
		}

		t.mu.Lock()
		wasConnected := t.everConnected
		t.state = StateDisconnected
		t.err = cause
		t.mu.Unlock()

		t.cancel()
		t.conn.Close()

		t.storesMu.RLock()
		for _, s := range t.stores {
			s.Close()
		}
		t.storesMu.RUnlock()

		t.pendingMu.Lock()
		dropped := len(t.pending)
		t.pending = nil
		t.pendingMu.Unlock()

		close(t.done)

		fields := metrics.Fields{"reason": reason.String(), "cause": cause.Error()}
		if dropped > 0 {
			fields["dropped"] = dropped
		}
		t.Logger().Info("disconnected", fields)
		if wasConnected {
			t.obs.Disconnected(reason.String())
		}
	})
}

func (t *Transport) disconnectedErr() error {
	t.mu.Lock()
	err := t.err
	t.mu.Unlock()
	switch {
	case err == nil:
		return qerrors.ErrDisconnected
	case errors.Is(err, qerrors.ErrDisconnected):
		return err
	default:
		return fmt.Errorf("%w: %w", qerrors.ErrDisconnected, err)
	}
}

func isConnectionLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDisconnected {
		return
	}
	if t.state != s {
		t.Logger().Debug("state change", metrics.Fields{"from": t.state.String(), "to": s.String()})
	}
	t.state = s
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionID returns a copy of the session identifier, or nil before the
// first key exchange has completed.
func (t *Transport) SessionID() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == nil {
		return nil
	}
	return append([]byte(nil), t.sessionID...)
}

// Algorithms returns the algorithms negotiated by the latest key exchange.
func (t *Transport) Algorithms() *kex.AlgorithmSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.algorithms == nil {
		return nil
	}
	a := *t.algorithms
	return &a
}

// LocalVersion returns our identification line.
func (t *Transport) LocalVersion() string { return t.localVersion }

// RemoteVersion returns the peer's identification.
func (t *Transport) RemoteVersion() protocol.Identification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteVersion
}

// RemoteAddr returns the peer address.
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Role reports whether this is the client or the server side.
func (t *Transport) Role() kex.Role { return t.role }

// Logger returns the connection scoped logger.
func (t *Transport) Logger() *metrics.Logger { return t.logger.Load() }

// Observer returns the configured observer. It is never nil.
func (t *Transport) Observer() Observer { return t.obs }

// Context is cancelled when the transport disconnects.
func (t *Transport) Context() context.Context { return t.ctx }

// Done is closed when the transport disconnects.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the cause of the disconnect, or nil while connected.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stats returns the traffic counters.
func (t *Transport) Stats() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsRecv.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesRecv.Load(),
		KexRounds:       t.kexRounds.Load(),
	}
}

func (t *Transport) remoteString() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// --- reader goroutine ---

func (t *Transport) run() {
	t.fail(t.loop())
}

func (t *Transport) loop() error {
	if err := t.exchangeVersions(); err != nil {
		return err
	}

	t.writeMu.Lock()
	err := t.sendKexInitLocked()
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	for {
		payload, seq, err := t.readPacket()
		if err != nil {
			return err
		}
		if err := t.dispatch(payload, seq); err != nil {
			return err
		}

		if t.rekeyBytes.Load() >= t.cfg.RekeyBytes {
			t.writeMu.Lock()
			err = t.maybeRekeyLocked()
			t.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (t *Transport) exchangeVersions() error {
	t.writeMu.Lock()
	err := protocol.WriteVersion(t.conn, t.localVersion)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	id, err := protocol.ReadVersion(t.br)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.remoteVersion = id
	t.mu.Unlock()

	eol := "CRLF"
	if id.EOL == "\n" {
		eol = "LF"
	}
	t.Logger().Debug("identification exchanged", metrics.Fields{
		"remote_version": id.Raw,
		"eol":            eol,
	})
	return nil
}

func (t *Transport) readPacket() ([]byte, uint32, error) {
	payload, seq, err := t.r.ReadPacket()
	if err != nil {
		return nil, 0, err
	}
	n := uint64(len(payload))
	t.packetsRecv.Add(1)
	t.bytesRecv.Add(n)
	t.rekeyBytes.Add(n)
	t.obs.PacketReceived(len(payload))
	return payload, seq, nil
}

func (t *Transport) dispatch(payload []byte, seq uint32) error {
	msgType := payload[0]
	switch msgType {
	case constants.MsgDisconnect, constants.MsgIgnore, constants.MsgDebug, constants.MsgUnimplemented:
		return t.handleGeneric(payload)
	case constants.MsgKexInit:
		return t.keyExchange(payload)
	}

	if constants.IsKexMessage(msgType) {
		return qerrors.NewProtocolError("dispatch", fmt.Errorf("%w: %s outside key exchange",
			qerrors.ErrUnexpectedMessage, protocol.MessageName(msgType)))
	}

	if !constants.IsTransportMessage(msgType) {
		if s := t.storeFor(msgType); s != nil {
			if err := s.Deliver(payload); err != nil {
				return qerrors.NewProtocolError("dispatch", err)
			}
			return nil
		}
	}

	t.Logger().Debug("unhandled message", metrics.Fields{
		"type": protocol.MessageName(msgType),
		"code": msgType,
		"seq":  seq,
	})
	return t.Send(&protocol.Unimplemented{SeqNum: seq})
}

// handleGeneric processes DISCONNECT, IGNORE, DEBUG and UNIMPLEMENTED,
// which may arrive at any time including during a key exchange.
func (t *Transport) handleGeneric(payload []byte) error {
	m, err := protocol.Decode(payload)
	if err != nil {
		return qerrors.NewProtocolError("dispatch", err)
	}

	switch m := m.(type) {
	case *protocol.Disconnect:
		return qerrors.NewDisconnectError(constants.DisconnectReason(m.Reason), m.Message, true)
	case *protocol.Debug:
		fields := metrics.Fields{"message": m.Message}
		if m.AlwaysDisplay {
			t.Logger().Info("peer debug message", fields)
		} else {
			t.Logger().Debug("peer debug message", fields)
		}
	case *protocol.Unimplemented:
		t.Logger().Warn("peer did not implement a message", metrics.Fields{"seq": m.SeqNum})
	}
	return nil
}
