// Package sshcore implements the core of an SSH version 2 endpoint: the
// transport layer with key exchange and rekeying, the ssh-userauth service
// and a minimal ssh-connection gate.
//
// # Quick Start
//
// Server side, authenticating users against a bcrypt table and then
// handing the connection to the gate:
//
//	import (
//		"github.com/pzverkov/sshcore/pkg/auth"
//		"github.com/pzverkov/sshcore/pkg/gate"
//		"github.com/pzverkov/sshcore/pkg/transport"
//	)
//
//	cfg := transport.DefaultConfig()
//	cfg.HostKeys = []ssh.Signer{hostKey}
//	ln, _ := transport.Listen("tcp", ":2222", transport.ListenerConfig{Transport: cfg})
//
//	methods := auth.NewMethodRegistry()
//	methods.Register("password", auth.PasswordAuth(users))
//
//	ln.Serve(ctx, func(ctx context.Context, t *transport.Transport) {
//		conn := gate.New()
//		userauth, _ := auth.NewServer(auth.ServerConfig{
//			Methods:  methods,
//			Services: map[string]transport.Service{conn.Name(): conn},
//		})
//		host := transport.NewServiceHost(t, map[string]transport.Service{userauth.Name(): userauth})
//		host.Serve(ctx)
//	})
//
// Client side:
//
//	cfg := transport.DefaultConfig()
//	cfg.HostKeyCallback = ssh.FixedHostKey(hostPub)
//	t, _ := transport.Dial(ctx, "tcp", "host:2222", cfg)
//
//	client := auth.NewClient("alice")
//	t.RequestService(ctx, client)
//	res, _ := client.Authenticate(ctx, &auth.PasswordMethod{Password: pw}, gate.New())
//
// # Package Structure
//
//   - pkg/protocol: message definitions, identification lines and the binary packet codec
//   - pkg/crypto: ciphers, MACs, key derivation, host key signatures and self-tests
//   - pkg/kex: algorithm negotiation and the key exchange methods
//   - pkg/transport: the connection state machine, rekeying, services and the listener
//   - pkg/auth: the ssh-userauth service, client and server, and its methods
//   - pkg/gate: an ssh-connection service that refuses every channel
//   - pkg/config: YAML configuration for the sshcore command
//   - pkg/metrics: logging, Prometheus metrics, tracing and health endpoints
//   - internal/constants: protocol numbers and limits
//   - internal/errors: sentinel errors and disconnect reason mapping
//
// # Key Exchange
//
//   - mlkem768x25519-sha256: ML-KEM-768 combined with X25519
//   - curve25519-sha256 and curve25519-sha256@libssh.org (RFC 8731)
//   - diffie-hellman-group14-sha256 (RFC 8268)
//
// Builds with the fips tag offer only diffie-hellman-group14-sha256 and
// panic if the crypto self-tests fail at startup.
//
// # Testing
//
//	go test ./...                                        # All tests
//	go test -tags pam ./pkg/auth                         # PAM verifier
//	go test -fuzz=FuzzDecodeMessage ./test/fuzz/         # Fuzz tests
//	go test -run TestRunPOST ./pkg/crypto                # Self-tests
//	go test -bench=. ./test/benchmark                    # Benchmarks
//
// # References
//
//   - RFC 4251: The Secure Shell (SSH) Protocol Architecture
//   - RFC 4252: The Secure Shell (SSH) Authentication Protocol
//   - RFC 4253: The Secure Shell (SSH) Transport Layer Protocol
//   - RFC 4256: Generic Message Exchange Authentication (keyboard-interactive)
package sshcore
