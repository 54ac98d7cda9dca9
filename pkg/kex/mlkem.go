package kex

import (
	"context"
	stdcrypto "crypto"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// hybridMLKEM is mlkem768x25519-sha256: ML-KEM-768 combined with X25519.
//
//	C_INIT  = mlkem768 public key || X25519 public key
//	S_REPLY = mlkem768 ciphertext || X25519 public key
//	K       = SHA-256(K_pq || K_cl), encoded as a string
//
// The exchange hash covers C_INIT and S_REPLY as strings. Either primitive
// alone keeps the shared secret confidential.
type hybridMLKEM struct{}

const (
	hybridInitSize  = mlkem768.PublicKeySize + curve25519.PointSize
	hybridReplySize = mlkem768.CiphertextSize + curve25519.PointSize
)

func hybridSecret(kpq, kcl []byte) []byte {
	d := sha256.New()
	d.Write(kpq)
	d.Write(kcl)
	return protocol.AppendBytes(nil, d.Sum(nil))
}

func (hybridMLKEM) Client(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, hostKeyAlgo string) (*Result, error) {
	if rand == nil {
		rand = crypto.Reader
	}
	pk, sk, err := mlkem768.GenerateKeyPair(rand)
	if err != nil {
		return nil, qerrors.NewCryptoError("mlkem768", err)
	}
	cl, err := newX25519KeyPair(rand)
	if err != nil {
		return nil, err
	}
	defer cl.zeroize()

	cInit := make([]byte, hybridInitSize)
	pk.Pack(cInit[:mlkem768.PublicKeySize])
	copy(cInit[mlkem768.PublicKeySize:], cl.pub)

	if err := writeMessage(ctx, conn, &protocol.KexECDHInit{ClientPubKey: cInit}); err != nil {
		return nil, err
	}

	var reply protocol.KexECDHReply
	if err := readMessage(ctx, conn, &reply); err != nil {
		return nil, err
	}
	sReply := reply.EphemeralPubKey
	if len(sReply) != hybridReplySize {
		return nil, fmt.Errorf("%w: hybrid reply of %d bytes", qerrors.ErrKeyExchangeFailed, len(sReply))
	}

	kpq := make([]byte, mlkem768.SharedKeySize)
	sk.DecapsulateTo(kpq, sReply[:mlkem768.CiphertextSize])
	kcl, err := cl.shared(sReply[mlkem768.CiphertextSize:])
	if err != nil {
		return nil, err
	}
	k := hybridSecret(kpq, kcl)
	crypto.ZeroizeMultiple(kpq, kcl)

	h := ecdhHash(magics, reply.HostKey, cInit, sReply, k)
	if err := verifyHostSignature(reply.HostKey, hostKeyAlgo, h, reply.Signature); err != nil {
		return nil, err
	}
	return &Result{H: h, K: k, HostKey: reply.HostKey, Signature: reply.Signature, Hash: stdcrypto.SHA256}, nil
}

func (hybridMLKEM) Server(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, signer ssh.Signer, hostKeyAlgo string) (*Result, error) {
	var init protocol.KexECDHInit
	if err := readMessage(ctx, conn, &init); err != nil {
		return nil, err
	}
	cInit := init.ClientPubKey
	if len(cInit) != hybridInitSize {
		return nil, fmt.Errorf("%w: hybrid init of %d bytes", qerrors.ErrKeyExchangeFailed, len(cInit))
	}

	pk := new(mlkem768.PublicKey)
	if err := pk.Unpack(cInit[:mlkem768.PublicKeySize]); err != nil {
		return nil, fmt.Errorf("%w: mlkem768 public key: %v", qerrors.ErrKeyExchangeFailed, err)
	}

	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if err := crypto.ReadRandom(rand, seed); err != nil {
		return nil, err
	}
	sReply := make([]byte, hybridReplySize)
	kpq := make([]byte, mlkem768.SharedKeySize)
	pk.EncapsulateTo(sReply[:mlkem768.CiphertextSize], kpq, seed)
	crypto.Zeroize(seed)

	cl, err := newX25519KeyPair(rand)
	if err != nil {
		return nil, err
	}
	defer cl.zeroize()
	copy(sReply[mlkem768.CiphertextSize:], cl.pub)

	kcl, err := cl.shared(cInit[mlkem768.PublicKeySize:])
	if err != nil {
		return nil, err
	}
	k := hybridSecret(kpq, kcl)
	crypto.ZeroizeMultiple(kpq, kcl)

	hostKey := signer.PublicKey().Marshal()
	h := ecdhHash(magics, hostKey, cInit, sReply, k)
	sig, err := signH(rand, signer, hostKeyAlgo, h)
	if err != nil {
		return nil, err
	}

	reply := &protocol.KexECDHReply{HostKey: hostKey, EphemeralPubKey: sReply, Signature: sig}
	if err := writeMessage(ctx, conn, reply); err != nil {
		return nil, err
	}
	return &Result{H: h, K: k, HostKey: hostKey, Signature: sig, Hash: stdcrypto.SHA256}, nil
}
