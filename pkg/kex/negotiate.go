package kex

import (
	"fmt"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// Role is the side of the connection.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// AlgorithmSet is the outcome of negotiation. Every field is non-empty.
type AlgorithmSet struct {
	KeyExchange             string
	HostKey                 string
	CipherClientServer      string
	CipherServerClient      string
	MACClientServer         string
	MACServerClient         string
	CompressionClientServer string
	CompressionServerClient string
}

// ClientServer returns the suite names for the client to server direction.
func (a *AlgorithmSet) ClientServer() crypto.SuiteNames {
	return crypto.SuiteNames{Cipher: a.CipherClientServer, MAC: a.MACClientServer, Compression: a.CompressionClientServer}
}

// ServerClient returns the suite names for the server to client direction.
func (a *AlgorithmSet) ServerClient() crypto.SuiteNames {
	return crypto.SuiteNames{Cipher: a.CipherServerClient, MAC: a.MACServerClient, Compression: a.CompressionServerClient}
}

// Out returns the suite names role sends with.
func (a *AlgorithmSet) Out(role Role) crypto.SuiteNames {
	if role == RoleClient {
		return a.ClientServer()
	}
	return a.ServerClient()
}

// In returns the suite names role receives with.
func (a *AlgorithmSet) In(role Role) crypto.SuiteNames {
	if role == RoleClient {
		return a.ServerClient()
	}
	return a.ClientServer()
}

func (a *AlgorithmSet) String() string {
	return fmt.Sprintf("kex=%s hostkey=%s c2s=%s/%s/%s s2c=%s/%s/%s",
		a.KeyExchange, a.HostKey,
		a.CipherClientServer, a.MACClientServer, a.CompressionClientServer,
		a.CipherServerClient, a.MACServerClient, a.CompressionServerClient)
}

// FindAgreed returns the first client algorithm the server also supports.
func FindAgreed(kind string, client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s (client %v, server %v)", qerrors.ErrAlgorithmNotAgreed, kind, client, server)
}

// Negotiate picks every algorithm from the two KEXINIT messages. The
// client's preference order wins.
func Negotiate(client, server *protocol.KexInit) (*AlgorithmSet, error) {
	var (
		a   AlgorithmSet
		err error
	)
	steps := []struct {
		kind string
		dst  *string
		c, s []string
	}{
		{"key exchange", &a.KeyExchange, client.KexAlgos, server.KexAlgos},
		{"host key", &a.HostKey, client.ServerHostKeyAlgos, server.ServerHostKeyAlgos},
		{"cipher client to server", &a.CipherClientServer, client.CiphersClientServer, server.CiphersClientServer},
		{"cipher server to client", &a.CipherServerClient, client.CiphersServerClient, server.CiphersServerClient},
		{"mac client to server", &a.MACClientServer, client.MACsClientServer, server.MACsClientServer},
		{"mac server to client", &a.MACServerClient, client.MACsServerClient, server.MACsServerClient},
		{"compression client to server", &a.CompressionClientServer, client.CompressionClientServer, server.CompressionClientServer},
		{"compression server to client", &a.CompressionServerClient, client.CompressionServerClient, server.CompressionServerClient},
	}
	for _, st := range steps {
		if *st.dst, err = FindAgreed(st.kind, st.c, st.s); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// GuessCorrect reports whether a guessed first key exchange packet, sent
// by the side whose KEXINIT set first_kex_packet_follows, is usable. The
// guess is right only when both sides list the same preferred key
// exchange and host key algorithms.
func GuessCorrect(client, server *protocol.KexInit) bool {
	if len(client.KexAlgos) == 0 || len(server.KexAlgos) == 0 ||
		len(client.ServerHostKeyAlgos) == 0 || len(server.ServerHostKeyAlgos) == 0 {
		return false
	}
	return client.KexAlgos[0] == server.KexAlgos[0] &&
		client.ServerHostKeyAlgos[0] == server.ServerHostKeyAlgos[0]
}
