package integration

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	"github.com/pzverkov/sshcore/pkg/auth"
	"github.com/pzverkov/sshcore/pkg/gate"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/transport"
)

var interopKex = []string{
	kex.MLKEM768X25519SHA256,
	kex.Curve25519SHA256,
	kex.DHGroup14SHA256,
}

func interopAlgorithms(kx string) ssh.Config {
	return ssh.Config{
		KeyExchanges: []string{kx},
		Ciphers:      []string{"aes128-ctr", "aes256-ctr"},
		MACs:         []string{"hmac-sha2-256"},
	}
}

// x/crypto/ssh clients send SERVICE_REQUEST right after NEWKEYS and go
// straight on to the connection protocol after USERAUTH_SUCCESS.
func TestStandardClientLogin(t *testing.T) {
	for _, kx := range interopKex {
		t.Run(kx, func(t *testing.T) {
			s := startServer(t, serverOptions{})

			client, err := ssh.Dial("tcp", s.ln.Addr().String(), &ssh.ClientConfig{
				Config:          interopAlgorithms(kx),
				User:            "alice",
				Auth:            []ssh.AuthMethod{ssh.Password(testPassword)},
				HostKeyCallback: ssh.FixedHostKey(s.hostKey.PublicKey()),
				Timeout:         10 * time.Second,
			})
			require.NoError(t, err)

			ok, _, err := client.SendRequest(gate.KeepaliveRequest, true, nil)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = client.NewSession()
			var openErr *ssh.OpenChannelError
			require.ErrorAs(t, err, &openErr)
			assert.Equal(t, ssh.Prohibited, openErr.Reason)

			require.NoError(t, client.Close())
			r := s.session(t)
			assert.Equal(t, "alice", r.user)
			assert.Equal(t, 2, r.refused)
		})
	}
}

func TestStandardClientWrongPassword(t *testing.T) {
	s := startServer(t, serverOptions{})

	_, err := ssh.Dial("tcp", s.ln.Addr().String(), &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("not the password")},
		HostKeyCallback: ssh.FixedHostKey(s.hostKey.PublicKey()),
		Timeout:         10 * time.Second,
	})
	require.Error(t, err)
	assert.Empty(t, s.session(t).user)
}

// standardServer runs an x/crypto/ssh server that accepts alice's
// password and rejects every channel.
func standardServer(t *testing.T, kx string) (addr string, hostKey ssh.PublicKey, users <-chan string) {
	t.Helper()
	signer := newSigner(t)
	cfg := &ssh.ServerConfig{
		Config: interopAlgorithms(kx),
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == "alice" && string(password) == testPassword {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
		if err != nil {
			t.Logf("server handshake: %v", err)
			return
		}
		out <- sc.User()
		go ssh.DiscardRequests(reqs)
		for nc := range chans {
			_ = nc.Reject(ssh.Prohibited, "no channels")
		}
	}()
	return ln.Addr().String(), signer.PublicKey(), out
}

func TestLoginToStandardServer(t *testing.T) {
	for _, kx := range interopKex {
		t.Run(kx, func(t *testing.T) {
			addr, hostKey, users := standardServer(t, kx)

			cfg := transport.DefaultConfig()
			cfg.KeyExchanges = []string{kx}
			cfg.HostKeyCallback = ssh.FixedHostKey(hostKey)
			cfg.Logger = metrics.NullLogger()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			tr, err := transport.Dial(ctx, "tcp", addr, cfg)
			require.NoError(t, err)
			defer tr.Close()
			assert.Equal(t, kx, tr.Algorithms().KeyExchange)

			client := auth.NewClient("alice")
			require.NoError(t, tr.RequestService(ctx, client))
			conn := gate.New()
			res, err := client.Authenticate(ctx, &auth.PasswordMethod{Password: testPassword}, conn)
			require.NoError(t, err)
			require.Equal(t, auth.ResultComplete, res)

			select {
			case user := <-users:
				assert.Equal(t, "alice", user)
			case <-ctx.Done():
				t.Fatal("server did not finish the handshake")
			}

			require.NoError(t, conn.Ping(ctx))
			failure, err := conn.OpenChannel(ctx, "session", 0)
			require.NoError(t, err)
			assert.Equal(t, constants.ChannelOpenProhibited, failure.Reason)
			assert.Equal(t, transport.StateConnected, tr.State())
		})
	}
}
