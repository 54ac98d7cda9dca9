package kex

import (
	"context"
	stdcrypto "crypto"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// x25519KeyPair is an ephemeral X25519 key.
type x25519KeyPair struct {
	priv [curve25519.ScalarSize]byte
	pub  []byte
}

func newX25519KeyPair(rand io.Reader) (*x25519KeyPair, error) {
	kp := new(x25519KeyPair)
	if err := crypto.ReadRandom(rand, kp.priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, qerrors.NewCryptoError("X25519", err)
	}
	kp.pub = pub
	return kp, nil
}

// shared computes the X25519 secret. Low order peer points are rejected.
func (kp *x25519KeyPair) shared(peer []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: peer public key of %d bytes", qerrors.ErrKeyExchangeFailed, len(peer))
	}
	secret, err := curve25519.X25519(kp.priv[:], peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qerrors.ErrKeyExchangeFailed, err)
	}
	return secret, nil
}

func (kp *x25519KeyPair) zeroize() { crypto.Zeroize(kp.priv[:]) }

// curve25519KEX is curve25519-sha256. K is the X25519 output read as an
// unsigned integer and encoded as mpint.
type curve25519KEX struct{}

func ecdhHash(magics *HandshakeMagics, hostKey, qc, qs, k []byte) []byte {
	h := sha256.New()
	magics.write(h)
	h.Write(protocol.AppendBytes(nil, hostKey))
	h.Write(protocol.AppendBytes(nil, qc))
	h.Write(protocol.AppendBytes(nil, qs))
	h.Write(k)
	return h.Sum(nil)
}

func (c *curve25519KEX) Client(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, hostKeyAlgo string) (*Result, error) {
	kp, err := newX25519KeyPair(rand)
	if err != nil {
		return nil, err
	}
	defer kp.zeroize()

	if err := writeMessage(ctx, conn, &protocol.KexECDHInit{ClientPubKey: kp.pub}); err != nil {
		return nil, err
	}

	var reply protocol.KexECDHReply
	if err := readMessage(ctx, conn, &reply); err != nil {
		return nil, err
	}

	secret, err := kp.shared(reply.EphemeralPubKey)
	if err != nil {
		return nil, err
	}
	k := protocol.AppendMPInt(nil, new(big.Int).SetBytes(secret))
	crypto.Zeroize(secret)

	h := ecdhHash(magics, reply.HostKey, kp.pub, reply.EphemeralPubKey, k)
	if err := verifyHostSignature(reply.HostKey, hostKeyAlgo, h, reply.Signature); err != nil {
		return nil, err
	}

	return &Result{H: h, K: k, HostKey: reply.HostKey, Signature: reply.Signature, Hash: stdcrypto.SHA256}, nil
}

func (c *curve25519KEX) Server(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, signer ssh.Signer, hostKeyAlgo string) (*Result, error) {
	var init protocol.KexECDHInit
	if err := readMessage(ctx, conn, &init); err != nil {
		return nil, err
	}

	kp, err := newX25519KeyPair(rand)
	if err != nil {
		return nil, err
	}
	defer kp.zeroize()

	secret, err := kp.shared(init.ClientPubKey)
	if err != nil {
		return nil, err
	}
	k := protocol.AppendMPInt(nil, new(big.Int).SetBytes(secret))
	crypto.Zeroize(secret)

	hostKey := signer.PublicKey().Marshal()
	h := ecdhHash(magics, hostKey, init.ClientPubKey, kp.pub, k)
	sig, err := signH(rand, signer, hostKeyAlgo, h)
	if err != nil {
		return nil, err
	}

	reply := &protocol.KexECDHReply{HostKey: hostKey, EphemeralPubKey: kp.pub, Signature: sig}
	if err := writeMessage(ctx, conn, reply); err != nil {
		return nil, err
	}
	return &Result{H: h, K: k, HostKey: hostKey, Signature: sig, Hash: stdcrypto.SHA256}, nil
}
