// Package benchmark provides performance benchmarks for the packet layer,
// key derivation, host key signatures and complete handshakes.
//
// Run benchmarks with:
//
//	go test -bench=. -benchmem ./test/benchmark/
//
// Compare key exchange methods:
//
//	go test -bench=BenchmarkHandshake -benchtime=100x ./test/benchmark/
package benchmark

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
	"github.com/pzverkov/sshcore/pkg/transport"
)

// --- Key Derivation Benchmarks ---

func BenchmarkDeriveKey32(b *testing.B) {
	k := make([]byte, 32)
	h := make([]byte, 32)
	_ = crypto.SecureRandom(k)
	_ = crypto.SecureRandom(h)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = crypto.DeriveKey(stdcrypto.SHA256, k, h, crypto.LetterKeyClientToServer, h, 32)
	}
}

func BenchmarkDeriveKeyExpanded(b *testing.B) {
	k := make([]byte, 32)
	h := make([]byte, 32)
	_ = crypto.SecureRandom(k)
	_ = crypto.SecureRandom(h)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// 64 bytes from SHA-256 needs one expansion round.
		_, _ = crypto.DeriveKey(stdcrypto.SHA256, k, h, crypto.LetterMACClientToServer, h, 64)
	}
}

func BenchmarkDeriveKeyMaterial(b *testing.B) {
	r := crypto.DefaultRegistry()
	sizes, err := r.Sizes(crypto.SuiteNames{Cipher: crypto.CipherAES256CTR, MAC: crypto.MACHMACSHA512, Compression: crypto.CompressionNone})
	if err != nil {
		b.Fatal(err)
	}
	k := make([]byte, 32)
	h := make([]byte, 32)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		km, _ := crypto.DeriveKeyMaterial(stdcrypto.SHA256, k, h, h, crypto.ClientToServer, sizes)
		km.Zeroize()
	}
}

// --- Packet Benchmarks ---

func makeSuite(cipher, mac string, encrypt bool) (*crypto.Suite, error) {
	r := crypto.DefaultRegistry()
	names := crypto.SuiteNames{Cipher: cipher, MAC: mac, Compression: crypto.CompressionNone}
	sizes, err := r.Sizes(names)
	if err != nil {
		return nil, err
	}
	km, err := crypto.DeriveKeyMaterial(stdcrypto.SHA256, []byte("K"), []byte("H"), []byte("H"), crypto.ClientToServer, sizes)
	if err != nil {
		return nil, err
	}
	return r.NewSuite(names, km, encrypt)
}

func newSuite(b *testing.B, cipher, mac string, encrypt bool) *crypto.Suite {
	b.Helper()
	s, err := makeSuite(cipher, mac, encrypt)
	if err != nil {
		b.Fatal(err)
	}
	return s
}

func benchmarkWritePacket(b *testing.B, cipher, mac string, size int) {
	pw := protocol.NewPacketWriter(io.Discard, nil)
	pw.SetSuite(newSuite(b, cipher, mac, true))
	payload := make([]byte, size)

	b.SetBytes(int64(size))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pw.WritePacket(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWritePacketAES128CTR1KB(b *testing.B) {
	benchmarkWritePacket(b, crypto.CipherAES128CTR, crypto.MACHMACSHA256, 1024)
}

func BenchmarkWritePacketAES128CTR32KB(b *testing.B) {
	benchmarkWritePacket(b, crypto.CipherAES128CTR, crypto.MACHMACSHA256, 32*1024)
}

func BenchmarkWritePacketAES256CTR32KB(b *testing.B) {
	benchmarkWritePacket(b, crypto.CipherAES256CTR, crypto.MACHMACSHA512, 32*1024)
}

func BenchmarkWritePacketAES256CBC32KB(b *testing.B) {
	benchmarkWritePacket(b, crypto.CipherAES256CBC, crypto.MACHMACSHA256, 32*1024)
}

func BenchmarkWritePacketNone32KB(b *testing.B) {
	benchmarkWritePacket(b, crypto.CipherNone, crypto.MACNone, 32*1024)
}

func BenchmarkReadPacketAES128CTR(b *testing.B) {
	const size = 32 * 1024
	const packets = 64

	var wire bytes.Buffer
	pw := protocol.NewPacketWriter(&wire, nil)
	pw.SetSuite(newSuite(b, crypto.CipherAES128CTR, crypto.MACHMACSHA256, true))
	payload := make([]byte, size)
	for i := 0; i < packets; i++ {
		if _, err := pw.WritePacket(payload); err != nil {
			b.Fatal(err)
		}
	}
	frames := wire.Bytes()

	b.SetBytes(size * packets)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pr := protocol.NewPacketReader(bytes.NewReader(frames))
		pr.SetSuite(newSuite(b, crypto.CipherAES128CTR, crypto.MACHMACSHA256, false))
		for j := 0; j < packets; j++ {
			if _, _, err := pr.ReadPacket(); err != nil {
				b.Fatal(err)
			}
		}
	}
}

// --- Message Codec Benchmarks ---

func BenchmarkMarshalKexInit(b *testing.B) {
	m := &protocol.KexInit{
		KexAlgos:                kex.DefaultRegistry().Names(),
		ServerHostKeyAlgos:      transport.DefaultHostKeyAlgorithms,
		CiphersClientServer:     crypto.DefaultRegistry().CipherNames(),
		CiphersServerClient:     crypto.DefaultRegistry().CipherNames(),
		MACsClientServer:        crypto.DefaultRegistry().MACNames(),
		MACsServerClient:        crypto.DefaultRegistry().MACNames(),
		CompressionClientServer: []string{crypto.CompressionNone},
		CompressionServerClient: []string{crypto.CompressionNone},
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = protocol.Marshal(m)
	}
}

func BenchmarkDecodeKexInit(b *testing.B) {
	data := protocol.Marshal(&protocol.KexInit{
		KexAlgos:                kex.DefaultRegistry().Names(),
		ServerHostKeyAlgos:      transport.DefaultHostKeyAlgorithms,
		CiphersClientServer:     crypto.DefaultRegistry().CipherNames(),
		CiphersServerClient:     crypto.DefaultRegistry().CipherNames(),
		MACsClientServer:        crypto.DefaultRegistry().MACNames(),
		MACsServerClient:        crypto.DefaultRegistry().MACNames(),
		CompressionClientServer: []string{crypto.CompressionNone},
		CompressionServerClient: []string{crypto.CompressionNone},
	})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := protocol.Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}

// --- Host Key Benchmarks ---

func BenchmarkSignEd25519(b *testing.B) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(priv)
	data := make([]byte, 32)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = crypto.Sign(nil, signer, ssh.KeyAlgoED25519, data)
	}
}

func BenchmarkVerifyEd25519(b *testing.B) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(priv)
	data := make([]byte, 32)
	blob, err := crypto.Sign(nil, signer, ssh.KeyAlgoED25519, data)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := crypto.Verify(signer.PublicKey(), ssh.KeyAlgoED25519, data, blob); err != nil {
			b.Fatal(err)
		}
	}
}

// --- Handshake Benchmarks ---

func benchmarkHandshake(b *testing.B, method string) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	hostKey, _ := ssh.NewSignerFromKey(priv)

	server := transport.DefaultConfig()
	server.HostKeys = []ssh.Signer{hostKey}
	server.Logger = metrics.NullLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, err := transport.Listen("tcp", "127.0.0.1:0", transport.ListenerConfig{Transport: server})
	if err != nil {
		b.Fatal(err)
	}
	go func() {
		_ = ln.Serve(ctx, func(_ context.Context, t *transport.Transport) { <-t.Done() })
	}()

	client := transport.DefaultConfig()
	client.KeyExchanges = []string{method}
	client.HostKeyCallback = ssh.FixedHostKey(hostKey.PublicKey())
	client.Logger = metrics.NullLogger()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t, err := transport.Dial(ctx, "tcp", ln.Addr().String(), client)
		if err != nil {
			b.Fatal(err)
		}
		t.Disconnect(constants.DisconnectByApplication, "")
	}
}

func BenchmarkHandshakeCurve25519(b *testing.B) {
	benchmarkHandshake(b, kex.Curve25519SHA256)
}

func BenchmarkHandshakeMLKEM768X25519(b *testing.B) {
	benchmarkHandshake(b, kex.MLKEM768X25519SHA256)
}

func BenchmarkHandshakeDHGroup14(b *testing.B) {
	benchmarkHandshake(b, kex.DHGroup14SHA256)
}

// --- Parallel Benchmarks ---

func BenchmarkWritePacketParallel(b *testing.B) {
	payload := make([]byte, 1400)

	b.SetBytes(int64(len(payload)))
	b.RunParallel(func(pb *testing.PB) {
		suite, err := makeSuite(crypto.CipherAES128CTR, crypto.MACHMACSHA256, true)
		if err != nil {
			b.Error(err)
			return
		}
		pw := protocol.NewPacketWriter(io.Discard, nil)
		pw.SetSuite(suite)
		for pb.Next() {
			_, _ = pw.WritePacket(payload)
		}
	})
}
