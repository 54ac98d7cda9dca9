package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/transport"
)

const testPassword = "correct horse battery"

// countingService counts its lifecycle calls.
type countingService struct {
	name   string
	onInit func()
	inits  atomic.Int32
	starts atomic.Int32
	stops  atomic.Int32
}

func (s *countingService) Name() string { return s.name }
func (s *countingService) OnInit(context.Context, transport.StartMode, *transport.Transport) error {
	s.inits.Add(1)
	if s.onInit != nil {
		s.onInit()
	}
	return nil
}
func (s *countingService) OnAccept(context.Context) error  { return nil }
func (s *countingService) OnRequest(context.Context) error { return nil }
func (s *countingService) OnStart(context.Context) error {
	s.starts.Add(1)
	return nil
}
func (s *countingService) OnStop() { s.stops.Add(1) }

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// transportPair connects a client and a server transport over loopback
// TCP.
func transportPair(t *testing.T, observer transport.Observer) (client, server *transport.Transport) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hostKey := newSigner(t)
	ccfg := transport.DefaultConfig()
	ccfg.HostKeyCallback = ssh.FixedHostKey(hostKey.PublicKey())
	ccfg.Logger = metrics.NullLogger()
	scfg := transport.DefaultConfig()
	scfg.HostKeys = []ssh.Signer{hostKey}
	scfg.Logger = metrics.NullLogger()
	scfg.Observer = observer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		t   *transport.Transport
		err error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- result{nil, err}
			return
		}
		st, err := transport.Server(ctx, conn, scfg)
		done <- result{st, err}
	}()

	client, err = transport.Dial(ctx, "tcp", ln.Addr().String(), ccfg)
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	server = res.t

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

type fixture struct {
	client     *Client
	server     *Server
	ct, st     *transport.Transport
	serverConn *countingService
	clientConn *countingService
	verified   *atomic.Int32
	signer     ssh.Signer
}

// setup starts the userauth service on both ends. The server offers
// publickey, password and keyboard-interactive for user alice.
func setup(t *testing.T, mutate func(*ServerConfig)) *fixture {
	t.Helper()
	return setupWithObserver(t, nil, mutate)
}

func setupWithObserver(t *testing.T, observer transport.Observer, mutate func(*ServerConfig)) *fixture {
	t.Helper()
	ct, st := transportPair(t, observer)

	signer := newSigner(t)
	db := NewUserDB()
	hash, err := HashPassword(testPassword, bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, db.Add("alice", hash))
	require.NoError(t, db.Add("bob", hash))

	verified := new(atomic.Int32)
	verifier := PasswordVerifierFunc(func(ctx context.Context, user, password string) error {
		verified.Add(1)
		return db.VerifyPassword(ctx, user, password)
	})

	methods := NewMethodRegistry()
	methods.Register(constants.MethodPublicKey, PublicKeyAuth(StaticKeys{
		"alice": {signer.PublicKey()},
		"bob":   {signer.PublicKey()},
	}))
	methods.Register(constants.MethodPassword, PasswordAuth(verifier))
	methods.Register(constants.MethodKeyboardInteractive, KeyboardInteractiveAuth(verifier))

	serverConn := &countingService{name: constants.ServiceConnection}
	cfg := ServerConfig{
		Methods:  methods,
		Services: map[string]transport.Service{serverConn.Name(): serverConn},
		Logger:   metrics.NullLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	host := transport.NewServiceHost(st, map[string]transport.Service{srv.Name(): srv})
	go host.Serve(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := NewClient("alice")
	require.NoError(t, ct.RequestService(ctx, client))

	return &fixture{
		client:     client,
		server:     srv,
		ct:         ct,
		st:         st,
		serverConn: serverConn,
		clientConn: &countingService{name: constants.ServiceConnection},
		verified:   verified,
		signer:     signer,
	}
}

func (f *fixture) publicKey() ClientMethod {
	return &PublicKeyMethod{Signer: f.signer}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestResultString(t *testing.T) {
	tests := []struct {
		r    Result
		want string
	}{
		{ResultFailed, "failed"},
		{ResultPartial, "partial"},
		{ResultComplete, "complete"},
		{ResultReady, "ready"},
		{Result(9), "Result(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.r.String())
	}
}

func TestMethodRegistry(t *testing.T) {
	r := NewMethodRegistry()
	r.Register("password", PasswordAuth(NewUserDB()))
	r.Register("publickey", PublicKeyAuth(StaticKeys{}))
	r.Register("password", PasswordAuth(NewUserDB()))

	assert.Equal(t, []string{"password", "publickey"}, r.Names())
	assert.True(t, r.Has("publickey"))
	assert.False(t, r.Has("hostbased"))

	m, err := r.New("publickey")
	require.NoError(t, err)
	assert.Equal(t, "publickey", m.Name())

	_, err = r.New("hostbased")
	assert.ErrorIs(t, err, qerrors.ErrUnknownMethod)

	// Names is a copy.
	names := r.Names()
	names[0] = "changed"
	assert.Equal(t, "password", r.Names()[0])
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.ErrorIs(t, err, qerrors.ErrInvalidConfig)

	methods := NewMethodRegistry()
	methods.Register("password", PasswordAuth(NewUserDB()))
	_, err = NewServer(ServerConfig{Methods: methods, Required: []string{"publickey"}})
	assert.ErrorIs(t, err, qerrors.ErrInvalidConfig)

	srv, err := NewServer(ServerConfig{Methods: methods})
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultMaxAuthAttempts, srv.cfg.MaxAttempts)
	assert.Equal(t, constants.ServiceUserAuth, srv.Name())
}
