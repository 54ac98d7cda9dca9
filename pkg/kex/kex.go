// Package kex implements SSH algorithm negotiation and the key exchange
// methods. A method runs one round over a PacketConn and produces the
// exchange hash H and shared secret K; the transport derives keys from
// them and switches ciphers on NEWKEYS.
//
// Methods are looked up by name in an explicit Registry:
//
//	curve25519-sha256             RFC 8731
//	curve25519-sha256@libssh.org  same, pre-standard name
//	diffie-hellman-group14-sha256 RFC 8268
//	mlkem768x25519-sha256         ML-KEM-768 + X25519 hybrid
package kex

import (
	"context"
	stdcrypto "crypto"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// PacketConn is the view of the connection a method gets during a round.
// ReadPacket returns only key exchange messages; the transport handles the
// rest.
type PacketConn interface {
	WritePacket(payload []byte) error
	ReadPacket() ([]byte, error)
}

// HandshakeMagics are the exchange hash inputs shared by all methods.
type HandshakeMagics struct {
	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte
}

func (m *HandshakeMagics) write(w io.Writer) {
	for _, v := range [][]byte{m.ClientVersion, m.ServerVersion, m.ClientKexInit, m.ServerKexInit} {
		w.Write(protocol.AppendBytes(nil, v))
	}
}

// Result is the outcome of one round.
type Result struct {
	// H is the exchange hash.
	H []byte
	// K is the shared secret in its wire encoding.
	K []byte
	// HostKey is the server host key blob (K_S).
	HostKey []byte
	// Signature is the host key signature over H.
	Signature []byte
	// Hash is the method's hash function.
	Hash stdcrypto.Hash
}

// Zeroize clears the shared secret.
func (r *Result) Zeroize() {
	crypto.Zeroize(r.K)
}

// Method is a key exchange algorithm.
type Method interface {
	// Client runs the client side and verifies the host key signature
	// with hostKeyAlgo. Accepting the host key itself is the caller's job.
	Client(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, hostKeyAlgo string) (*Result, error)
	// Server runs the server side, signing H with signer.
	Server(ctx context.Context, conn PacketConn, rand io.Reader, magics *HandshakeMagics, signer ssh.Signer, hostKeyAlgo string) (*Result, error)
}

// Method names shipped in DefaultRegistry.
const (
	Curve25519SHA256       = "curve25519-sha256"
	Curve25519SHA256LibSSH = "curve25519-sha256@libssh.org"
	DHGroup14SHA256        = "diffie-hellman-group14-sha256"
	MLKEM768X25519SHA256   = "mlkem768x25519-sha256"
)

// Registry maps method names to implementations.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// DefaultRegistry returns the shipped methods, most preferred first.
// FIPS builds ship only the finite-field group.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if crypto.FIPSMode() {
		r.Register(DHGroup14SHA256, newDHGroup14())
		return r
	}
	r.Register(MLKEM768X25519SHA256, &hybridMLKEM{})
	r.Register(Curve25519SHA256, &curve25519KEX{})
	r.Register(Curve25519SHA256LibSSH, &curve25519KEX{})
	r.Register(DHGroup14SHA256, newDHGroup14())
	return r
}

// Register adds or replaces a method.
func (r *Registry) Register(name string, m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; !ok {
		r.order = append(r.order, name)
	}
	r.methods[name] = m
}

// Get looks up a method.
func (r *Registry) Get(name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", qerrors.ErrUnknownAlgorithm, name)
	}
	return m, nil
}

// Names returns the registered methods in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// readMessage reads the next key exchange payload into m.
func readMessage(ctx context.Context, conn PacketConn, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := conn.ReadPacket()
	if err != nil {
		return err
	}
	if len(payload) == 0 || payload[0] != m.MessageType() {
		var got byte
		if len(payload) > 0 {
			got = payload[0]
		}
		return fmt.Errorf("%w: got %d, want %d", qerrors.ErrUnexpectedMessage, got, m.MessageType())
	}
	return protocol.Unmarshal(payload, m)
}

func writeMessage(ctx context.Context, conn PacketConn, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return conn.WritePacket(protocol.Marshal(m))
}

// verifyHostSignature checks the server's signature over H.
func verifyHostSignature(hostKey []byte, algo string, h, sig []byte) error {
	pub, err := ssh.ParsePublicKey(hostKey)
	if err != nil {
		return fmt.Errorf("%w: host key: %v", qerrors.ErrKeyExchangeFailed, err)
	}
	if err := crypto.Verify(pub, algo, h, sig); err != nil {
		return fmt.Errorf("%w: host key signature: %v", qerrors.ErrKeyExchangeFailed, err)
	}
	return nil
}

func signH(rand io.Reader, signer ssh.Signer, algo string, h []byte) ([]byte, error) {
	sig, err := crypto.Sign(rand, signer, algo, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qerrors.ErrKeyExchangeFailed, err)
	}
	return sig, nil
}
