package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	"github.com/pzverkov/sshcore/pkg/auth"
	"github.com/pzverkov/sshcore/pkg/config"
	"github.com/pzverkov/sshcore/pkg/transport"
)

func setStdin(t *testing.T, input string) {
	t.Helper()
	old, oldIsTerminal := stdin, stdinIsTerminal
	stdin = bufio.NewReader(strings.NewReader(input))
	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdin, stdinIsTerminal = old, oldIsTerminal })
}

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		target string
		user   string
		addr   string
	}{
		{"example.com", "", "example.com:22"},
		{"alice@example.com", "alice", "example.com:22"},
		{"alice@example.com:2222", "alice", "example.com:2222"},
		{"[::1]:2222", "", "[::1]:2222"},
		{"bob@::1", "bob", "[::1]:22"},
		{"a@b@host", "a@b", "host:22"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			user, addr := splitTarget(tt.target)
			if user != tt.user || addr != tt.addr {
				t.Errorf("splitTarget(%q) = %q, %q; want %q, %q", tt.target, user, addr, tt.user, tt.addr)
			}
		})
	}
}

func TestNextMethod(t *testing.T) {
	all := []string{constants.MethodPassword, constants.MethodPublicKey, constants.MethodKeyboardInteractive}

	tests := []struct {
		name    string
		allowed []string
		tried   []string
		haveKey bool
		want    string
		ok      bool
	}{
		{"key first", all, nil, true, constants.MethodPublicKey, true},
		{"no key", all, nil, false, constants.MethodKeyboardInteractive, true},
		{"password last", all, []string{constants.MethodKeyboardInteractive}, false, constants.MethodPassword, true},
		{"exhausted", all, all, true, "", false},
		{"only password", []string{constants.MethodPassword}, nil, true, constants.MethodPassword, true},
		{"unknown only", []string{"hostbased"}, nil, true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tried := map[string]bool{}
			for _, m := range tt.tried {
				tried[m] = true
			}
			got, ok := nextMethod(tt.allowed, tried, tt.haveKey)
			if got != tt.want || ok != tt.ok {
				t.Errorf("nextMethod() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		keyType string
		bits    int
		wantErr bool
	}{
		{"ed25519", 0, false},
		{"ecdsa", 0, false},
		{"ecdsa", 384, false},
		{"ecdsa", 1024, true},
		{"rsa", 1024, true},
		{"dsa", 0, true},
	}
	for _, tt := range tests {
		_, err := generateKey(tt.keyType, tt.bits)
		if (err != nil) != tt.wantErr {
			t.Errorf("generateKey(%s, %d) error = %v, wantErr %v", tt.keyType, tt.bits, err, tt.wantErr)
		}
	}
}

func TestKeygenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"keygen", "-f", path, "-C", "alice@test"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "SHA256:")

	signer, err := config.LoadSigner(path)
	require.NoError(t, err)

	pubLine, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(pubLine)
	require.NoError(t, err)
	assert.Equal(t, "alice@test", comment)
	assert.Equal(t, signer.PublicKey().Marshal(), pub.Marshal())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Refuses to overwrite without --force.
	root = newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"keygen", "-f", path})
	assert.Error(t, root.Execute())
}

func TestHashpwCommand(t *testing.T) {
	usersFile := filepath.Join(t.TempDir(), "users.yaml")
	setStdin(t, "correct horse\n")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"hashpw", "--users-file", usersFile, "--cost", "4", "alice"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Stored password for alice")

	db, err := auth.LoadUserDB(usersFile)
	require.NoError(t, err)
	assert.NoError(t, db.VerifyPassword(context.Background(), "alice", "correct horse"))
	assert.Error(t, db.VerifyPassword(context.Background(), "alice", "wrong horse"))

	root = newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"hashpw", "--users-file", usersFile, "--remove", "alice"})
	require.NoError(t, root.Execute())

	db, err = auth.LoadUserDB(usersFile)
	require.NoError(t, err)
	assert.Empty(t, db.Users())
}

func TestHashpwRejectsShortPassword(t *testing.T) {
	setStdin(t, "short\n")
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"hashpw", "--cost", "4"})
	assert.Error(t, root.Execute())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "sshcore version "+getVersion())
	assert.Contains(t, out.String(), "SSH-2.0-")
}

func TestSelfTestCheck(t *testing.T) {
	assert.NoError(t, selfTestCheck())
}

func TestServeAndConnect(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "ssh_host_ed25519_key")
	priv, err := generateKey("ed25519", 0)
	require.NoError(t, err)
	_, err = writeKeyPair(keyPath, "", priv)
	require.NoError(t, err)

	hash, err := auth.HashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	db := auth.NewUserDB()
	require.NoError(t, db.Add("alice", hash))
	usersFile := filepath.Join(dir, "users.yaml")
	require.NoError(t, db.Save(usersFile))

	cfg := config.Default()
	cfg.Log.Level = "silent"
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.HostKeys = []string{keyPath}
	cfg.Server.UsersFile = usersFile
	cfg.Server.Methods = []string{constants.MethodPassword}
	cfg.Server.Banner = "authorized use only\n"
	require.NoError(t, cfg.Validate())

	obs, err := setupObservability(cfg, io.Discard, "sshcore-test")
	require.NoError(t, err)
	srv, err := newServer(cfg, obs)
	require.NoError(t, err)

	lc, err := cfg.ListenerConfig()
	require.NoError(t, err)
	lc.Transport.Logger = obs.logger
	ln, err := transport.Listen("tcp", cfg.Server.Listen, lc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- ln.Serve(ctx, srv.handle) }()

	setStdin(t, "correct horse\n")
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"connect", "alice@" + ln.Addr().String(), "--insecure", "--log-level", "silent", "-v"})
	require.NoError(t, root.ExecuteContext(ctx))

	assert.Contains(t, out.String(), "Authenticated as alice")
	assert.Contains(t, out.String(), "Server refused a session channel: no channels are offered")
	assert.Contains(t, out.String(), "Key exchange: ")
	assert.Contains(t, errOut.String(), "authorized use only")

	cancel()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.True(t, ln.Closed())
}

func TestServeAcceptsStandardClient(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "ssh_host_ed25519_key")
	priv, err := generateKey("ed25519", 0)
	require.NoError(t, err)
	_, err = writeKeyPair(keyPath, "", priv)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	hash, err := auth.HashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	db := auth.NewUserDB()
	require.NoError(t, db.Add("alice", hash))
	usersFile := filepath.Join(dir, "users.yaml")
	require.NoError(t, db.Save(usersFile))

	cfg := config.Default()
	cfg.Log.Level = "silent"
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.HostKeys = []string{keyPath}
	cfg.Server.UsersFile = usersFile
	cfg.Server.Methods = []string{constants.MethodPassword}
	require.NoError(t, cfg.Validate())

	obs, err := setupObservability(cfg, io.Discard, "sshcore-test")
	require.NoError(t, err)
	srv, err := newServer(cfg, obs)
	require.NoError(t, err)
	lc, err := cfg.ListenerConfig()
	require.NoError(t, err)
	lc.Transport.Logger = obs.logger
	ln, err := transport.Listen("tcp", cfg.Server.Listen, lc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- ln.Serve(ctx, srv.handle) }()

	// golang.org/x/crypto/ssh sends SERVICE_REQUEST straight after NEWKEYS.
	client, err := ssh.Dial("tcp", ln.Addr().String(), &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("correct horse")},
		HostKeyCallback: ssh.FixedHostKey(hostKey.PublicKey()),
		Timeout:         10 * time.Second,
	})
	require.NoError(t, err)

	ok, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.NewSession()
	var openErr *ssh.OpenChannelError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, ssh.Prohibited, openErr.Reason)
	require.NoError(t, client.Close())

	cancel()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestConnectWrongPassword(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "ssh_host_ed25519_key")
	priv, err := generateKey("ed25519", 0)
	require.NoError(t, err)
	_, err = writeKeyPair(keyPath, "", priv)
	require.NoError(t, err)

	hash, err := auth.HashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	db := auth.NewUserDB()
	require.NoError(t, db.Add("alice", hash))
	usersFile := filepath.Join(dir, "users.yaml")
	require.NoError(t, db.Save(usersFile))

	cfg := config.Default()
	cfg.Log.Level = "silent"
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.HostKeys = []string{keyPath}
	cfg.Server.UsersFile = usersFile
	cfg.Server.Methods = []string{constants.MethodPassword}

	obs, err := setupObservability(cfg, io.Discard, "sshcore-test")
	require.NoError(t, err)
	srv, err := newServer(cfg, obs)
	require.NoError(t, err)
	lc, err := cfg.ListenerConfig()
	require.NoError(t, err)
	ln, err := transport.Listen("tcp", cfg.Server.Listen, lc)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() { _ = ln.Serve(ctx, srv.handle) }()

	setStdin(t, "wrong horse\n")
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"connect", "alice@" + ln.Addr().String(), "--insecure", "--log-level", "silent"})
	err = root.ExecuteContext(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}
