package kex

import (
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/ssh"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// group14Prime is the 2048-bit MODP group from RFC 3526 section 3.
const group14Prime = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// dhGroup is finite field Diffie-Hellman with SHA-256.
type dhGroup struct {
	g, p, pMinus1 *big.Int
}

func newDHGroup14() *dhGroup {
	p, _ := new(big.Int).SetString(group14Prime, 16)
	return &dhGroup{
		g:       big.NewInt(2),
		p:       p,
		pMinus1: new(big.Int).Sub(p, big.NewInt(1)),
	}
}

// privateExponent draws x with 1 < x < p-1.
func (g *dhGroup) privateExponent(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = crypto.Reader
	}
	for {
		x, err := rand.Int(r, g.pMinus1)
		if err != nil {
			return nil, qerrors.NewCryptoError("dh", err)
		}
		if x.Cmp(big.NewInt(1)) > 0 {
			return x, nil
		}
	}
}

// checkPublic rejects values outside [2, p-2].
func (g *dhGroup) checkPublic(v *big.Int) error {
	if v == nil || v.Cmp(big.NewInt(1)) <= 0 || v.Cmp(g.pMinus1) >= 0 {
		return fmt.Errorf("%w: DH public value out of range", qerrors.ErrKeyExchangeFailed)
	}
	return nil
}

func (g *dhGroup) hash(magics *HandshakeMagics, hostKey []byte, e, f *big.Int, k []byte) []byte {
	h := sha256.New()
	magics.write(h)
	h.Write(protocol.AppendBytes(nil, hostKey))
	h.Write(protocol.AppendMPInt(nil, e))
	h.Write(protocol.AppendMPInt(nil, f))
	h.Write(k)
	return h.Sum(nil)
}

func (g *dhGroup) Client(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, hostKeyAlgo string) (*Result, error) {
	x, err := g.privateExponent(rand)
	if err != nil {
		return nil, err
	}
	e := new(big.Int).Exp(g.g, x, g.p)

	if err := writeMessage(ctx, conn, &protocol.KexDHInit{X: e}); err != nil {
		return nil, err
	}

	var reply protocol.KexDHReply
	if err := readMessage(ctx, conn, &reply); err != nil {
		return nil, err
	}
	if err := g.checkPublic(reply.Y); err != nil {
		return nil, err
	}

	k := protocol.AppendMPInt(nil, new(big.Int).Exp(reply.Y, x, g.p))
	h := g.hash(magics, reply.HostKey, e, reply.Y, k)
	if err := verifyHostSignature(reply.HostKey, hostKeyAlgo, h, reply.Signature); err != nil {
		return nil, err
	}
	return &Result{H: h, K: k, HostKey: reply.HostKey, Signature: reply.Signature, Hash: stdcrypto.SHA256}, nil
}

func (g *dhGroup) Server(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, signer ssh.Signer, hostKeyAlgo string) (*Result, error) {
	var init protocol.KexDHInit
	if err := readMessage(ctx, conn, &init); err != nil {
		return nil, err
	}
	if err := g.checkPublic(init.X); err != nil {
		return nil, err
	}

	y, err := g.privateExponent(rand)
	if err != nil {
		return nil, err
	}
	f := new(big.Int).Exp(g.g, y, g.p)
	k := protocol.AppendMPInt(nil, new(big.Int).Exp(init.X, y, g.p))

	hostKey := signer.PublicKey().Marshal()
	h := g.hash(magics, hostKey, init.X, f, k)
	sig, err := signH(rand, signer, hostKeyAlgo, h)
	if err != nil {
		return nil, err
	}

	if err := writeMessage(ctx, conn, &protocol.KexDHReply{HostKey: hostKey, Y: f, Signature: sig}); err != nil {
		return nil, err
	}
	return &Result{H: h, K: k, HostKey: hostKey, Signature: sig, Hash: stdcrypto.SHA256}, nil
}
