package transport

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// sendKexInitLocked sends our KEXINIT unless it was already sent this
// round, and enters the key exchange state. Caller holds writeMu.
func (t *Transport) sendKexInitLocked() error {
	if t.sentKexInit {
		return nil
	}

	msg := &protocol.KexInit{
		KexAlgos:                t.cfg.KeyExchanges,
		ServerHostKeyAlgos:      t.cfg.HostKeyAlgorithms,
		CiphersClientServer:     t.cfg.Ciphers,
		CiphersServerClient:     t.cfg.Ciphers,
		MACsClientServer:        t.cfg.MACs,
		MACsServerClient:        t.cfg.MACs,
		CompressionClientServer: t.cfg.Compressions,
		CompressionServerClient: t.cfg.Compressions,
	}
	if err := crypto.ReadRandom(t.cfg.Rand, msg.Cookie[:]); err != nil {
		return err
	}

	payload := protocol.Marshal(msg)
	if err := t.writePacketLocked(payload); err != nil {
		return err
	}
	t.sentKexInit = true
	t.localKexInit = msg
	t.localPayload = payload
	t.setState(StateKeyExchange)
	return nil
}

// keyExchange runs one round after the peer's KEXINIT arrived. It runs on
// the reader goroutine, which is the only reader of the connection.
func (t *Transport) keyExchange(peerPayload []byte) error {
	var peer protocol.KexInit
	if err := protocol.Unmarshal(peerPayload, &peer); err != nil {
		return qerrors.NewProtocolError("kex", err)
	}

	// A KEXINIT we already sent answers this one, so simultaneous
	// initiation gives a single round.
	t.writeMu.Lock()
	err := t.sendKexInitLocked()
	local, localPayload := t.localKexInit, t.localPayload
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	magics := &kex.HandshakeMagics{}
	clientInit, serverInit := local, &peer
	if t.role == kex.RoleClient {
		magics.ClientVersion = []byte(t.localVersion)
		magics.ServerVersion = []byte(t.RemoteVersion().Raw)
		magics.ClientKexInit = localPayload
		magics.ServerKexInit = peerPayload
	} else {
		clientInit, serverInit = &peer, local
		magics.ClientVersion = []byte(t.RemoteVersion().Raw)
		magics.ServerVersion = []byte(t.localVersion)
		magics.ClientKexInit = peerPayload
		magics.ServerKexInit = localPayload
	}

	algs, err := kex.Negotiate(clientInit, serverInit)
	if err != nil {
		return err
	}
	conn := &kexConn{t: t}

	if peer.FirstKexFollows && !kex.GuessCorrect(clientInit, serverInit) {
		if _, err := conn.ReadPacket(); err != nil {
			return err
		}
		t.Logger().Debug("discarded wrongly guessed key exchange packet")
	}

	method, err := t.cfg.KexRegistry.Get(algs.KeyExchange)
	if err != nil {
		return err
	}

	start := time.Now()
	finish := t.obs.KexStarted(t.ctx, algs.KeyExchange, algs.HostKey, t.kexRounds.Load()+1)
	first, err := t.runKex(conn, method, algs, magics)
	finish(err)
	if err != nil {
		return err
	}

	t.Logger().Info("key exchange complete", metrics.Fields{
		"kex":      algs.KeyExchange,
		"host_key": algs.HostKey,
		"cipher":   algs.Out(t.role).Cipher,
		"mac":      algs.Out(t.role).MAC,
		"duration": time.Since(start).String(),
	})

	if first {
		close(t.connected)
	}
	select {
	case t.kexDone <- struct{}{}:
	default:
	}
	return nil
}

// runKex runs the method, switches keys and flushes the queue. It reports
// whether this was the first round.
func (t *Transport) runKex(conn *kexConn, method kex.Method, algs *kex.AlgorithmSet, magics *kex.HandshakeMagics) (bool, error) {
	var (
		res *kex.Result
		err error
	)
	if t.role == kex.RoleClient {
		res, err = method.Client(t.ctx, conn, t.cfg.Rand, magics, algs.HostKey)
		if err == nil {
			err = t.checkHostKey(res.HostKey)
		}
	} else {
		var signer ssh.Signer
		signer, err = crypto.SignerFor(t.cfg.HostKeys, algs.HostKey)
		if err == nil {
			res, err = method.Server(t.ctx, conn, t.cfg.Rand, magics, signer, algs.HostKey)
		}
	}
	if err != nil {
		return false, kexError(err)
	}
	defer res.Zeroize()

	t.mu.Lock()
	if t.sessionID == nil {
		t.sessionID = append([]byte(nil), res.H...)
	}
	sid := t.sessionID
	t.mu.Unlock()

	outDir, inDir := crypto.ClientToServer, crypto.ServerToClient
	if t.role == kex.RoleServer {
		outDir, inDir = inDir, outDir
	}
	out, err := t.newSuite(res, sid, algs.Out(t.role), outDir, true)
	if err != nil {
		return false, kexError(err)
	}
	in, err := t.newSuite(res, sid, algs.In(t.role), inDir, false)
	if err != nil {
		return false, kexError(err)
	}

	// Application messages stay queued until the peer's NEWKEYS arrives.
	t.writeMu.Lock()
	err = t.writePacketLocked(protocol.Marshal(&protocol.NewKeys{}))
	if err == nil {
		t.w.SetSuite(out)
	}
	t.writeMu.Unlock()
	if err != nil {
		return false, err
	}

	payload, err := conn.ReadPacket()
	if err != nil {
		return false, err
	}
	if payload[0] != constants.MsgNewKeys {
		return false, qerrors.NewProtocolError("kex", fmt.Errorf("%w: %s, want NEWKEYS",
			qerrors.ErrUnexpectedMessage, protocol.MessageName(payload[0])))
	}
	t.r.SetSuite(in)

	t.mu.Lock()
	t.algorithms = algs
	first := !t.everConnected
	t.everConnected = true
	t.mu.Unlock()

	t.rekeyBytes.Store(0)
	t.kexRounds.Add(1)

	t.writeMu.Lock()
	t.sentKexInit = false
	t.localKexInit = nil
	t.localPayload = nil
	t.setState(StateConnected)
	err = t.flushPendingLocked()
	t.writeMu.Unlock()
	if err != nil {
		return false, err
	}

	if first {
		t.logger.Store(t.Logger().With(metrics.Fields{"session": fmt.Sprintf("%x", sid[:4])}))
	}
	return first, nil
}

func (t *Transport) newSuite(res *kex.Result, sid []byte, names crypto.SuiteNames, dir crypto.Direction, encrypt bool) (*crypto.Suite, error) {
	sizes, err := t.cfg.CryptoRegistry.Sizes(names)
	if err != nil {
		return nil, err
	}
	km, err := crypto.DeriveKeyMaterial(res.Hash, res.K, res.H, sid, dir, sizes)
	if err != nil {
		return nil, err
	}
	defer km.Zeroize()
	return t.cfg.CryptoRegistry.NewSuite(names, km, encrypt)
}

// checkHostKey hands the verified server host key to the callback.
func (t *Transport) checkHostKey(blob []byte) error {
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", qerrors.ErrHostKeyMismatch, err)
	}
	if err := t.cfg.HostKeyCallback(t.cfg.HostName, t.conn.RemoteAddr(), pub); err != nil {
		return fmt.Errorf("%w: %w", qerrors.ErrHostKeyMismatch, err)
	}
	t.Logger().Debug("host key accepted", metrics.Fields{
		"type":        pub.Type(),
		"fingerprint": crypto.Fingerprint(pub),
	})
	return nil
}

// kexError tags err so it maps to KEY_EXCHANGE_FAILED, keeping the more
// specific reasons intact.
func kexError(err error) error {
	var derr *qerrors.DisconnectError
	switch {
	case errors.As(err, &derr),
		qerrors.Is(err, qerrors.ErrHostKeyMismatch),
		qerrors.Is(err, qerrors.ErrKeyExchangeFailed),
		isConnectionLost(err):
		return err
	default:
		return fmt.Errorf("%w: %w", qerrors.ErrKeyExchangeFailed, err)
	}
}

// kexConn is the connection view handed to a kex.Method. Generic
// transport messages are handled on the way; anything outside the key
// exchange range is a protocol error.
type kexConn struct {
	t *Transport
}

func (c *kexConn) WritePacket(payload []byte) error {
	c.t.writeMu.Lock()
	defer c.t.writeMu.Unlock()
	return c.t.writePacketLocked(payload)
}

func (c *kexConn) ReadPacket() ([]byte, error) {
	for {
		payload, _, err := c.t.readPacket()
		if err != nil {
			return nil, err
		}
		switch msgType := payload[0]; {
		case msgType == constants.MsgDisconnect, msgType == constants.MsgIgnore,
			msgType == constants.MsgDebug, msgType == constants.MsgUnimplemented:
			if err := c.t.handleGeneric(payload); err != nil {
				return nil, err
			}
		case constants.IsKexMessage(msgType) && msgType != constants.MsgKexInit:
			return payload, nil
		default:
			return nil, qerrors.NewProtocolError("kex", fmt.Errorf("%w: %s during key exchange",
				qerrors.ErrUnexpectedMessage, protocol.MessageName(msgType)))
		}
	}
}
