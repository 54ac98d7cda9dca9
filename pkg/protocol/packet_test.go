package protocol

import (
	"bytes"
	stdcrypto "crypto"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
)

func suitePair(t *testing.T, cipher, mac string) (*crypto.Suite, *crypto.Suite) {
	t.Helper()
	r := crypto.DefaultRegistry()
	names := crypto.SuiteNames{Cipher: cipher, MAC: mac, Compression: crypto.CompressionNone}
	sizes, err := r.Sizes(names)
	if err != nil {
		t.Fatalf("Sizes: %v", err)
	}
	km, err := crypto.DeriveKeyMaterial(stdcrypto.SHA256, []byte("K"), []byte("H"), []byte("H"), crypto.ClientToServer, sizes)
	if err != nil {
		t.Fatalf("DeriveKeyMaterial: %v", err)
	}
	enc, err := r.NewSuite(names, km, true)
	if err != nil {
		t.Fatalf("NewSuite: %v", err)
	}
	dec, err := r.NewSuite(names, km, false)
	if err != nil {
		t.Fatalf("NewSuite: %v", err)
	}
	return enc, dec
}

func TestPacketRoundTripNoCrypto(t *testing.T) {
	var wire bytes.Buffer
	pw := NewPacketWriter(&wire, nil)
	pr := NewPacketReader(&wire)

	payloads := [][]byte{{constants.MsgIgnore}, bytes.Repeat([]byte{0x42}, 1000), []byte("\x05ssh-userauth")}
	for i, p := range payloads {
		seq, err := pw.WritePacket(p)
		if err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
		if seq != uint32(i) {
			t.Errorf("write seq = %d, want %d", seq, i)
		}
	}
	for i, want := range payloads {
		got, seq, err := pr.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		if seq != uint32(i) {
			t.Errorf("read seq = %d, want %d", seq, i)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("payload %d mismatch", i)
		}
	}
	if pw.Bytes() != pr.Bytes() {
		t.Errorf("byte counters differ: wrote %d, read %d", pw.Bytes(), pr.Bytes())
	}
	if _, _, err := pr.ReadPacket(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestPacketRoundTripSuites(t *testing.T) {
	ciphers := []string{crypto.CipherAES128CTR, crypto.CipherAES192CTR, crypto.CipherAES256CTR, crypto.CipherAES128CBC, crypto.CipherAES256CBC}
	macs := []string{crypto.MACHMACSHA256, crypto.MACHMACSHA512, crypto.MACHMACSHA1, crypto.MACNone}

	for _, c := range ciphers {
		for _, m := range macs {
			t.Run(c+"/"+m, func(t *testing.T) {
				enc, dec := suitePair(t, c, m)
				var wire bytes.Buffer
				pw := NewPacketWriter(&wire, nil)
				pr := NewPacketReader(&wire)
				pw.SetSuite(enc)
				pr.SetSuite(dec)

				for n := 1; n < 300; n += 37 {
					payload := bytes.Repeat([]byte{byte(n)}, n)
					if _, err := pw.WritePacket(payload); err != nil {
						t.Fatalf("WritePacket: %v", err)
					}
					got, _, err := pr.ReadPacket()
					if err != nil {
						t.Fatalf("ReadPacket: %v", err)
					}
					if !bytes.Equal(got, payload) {
						t.Fatalf("payload of %d bytes mismatch", n)
					}
				}
			})
		}
	}
}

func TestPaddingInvariant(t *testing.T) {
	for _, bs := range []int{8, 16} {
		for n := 0; n < 200; n++ {
			pad := PaddingLength(n, bs)
			total := 4 + 1 + n + pad
			if pad < constants.MinPaddingLength {
				t.Errorf("bs=%d n=%d: padding %d below minimum", bs, n, pad)
			}
			if pad > constants.MaxPaddingLength {
				t.Errorf("bs=%d n=%d: padding %d too large", bs, n, pad)
			}
			if total%bs != 0 {
				t.Errorf("bs=%d n=%d: total %d not a multiple of block size", bs, n, total)
			}
			if total < constants.MinPacketLength {
				t.Errorf("bs=%d n=%d: total %d below minimum", bs, n, total)
			}
		}
	}
}

func TestWrittenFrameLayout(t *testing.T) {
	var wire bytes.Buffer
	pw := NewPacketWriter(&wire, nil)
	if _, err := pw.WritePacket([]byte{constants.MsgNewKeys}); err != nil {
		t.Fatal(err)
	}
	frame := wire.Bytes()
	length := binary.BigEndian.Uint32(frame)
	if int(length)+4 != len(frame) {
		t.Errorf("packet_length %d does not match frame of %d bytes", length, len(frame))
	}
	if len(frame)%8 != 0 || len(frame) < 16 {
		t.Errorf("frame length %d violates block alignment", len(frame))
	}
	if frame[4] < 4 {
		t.Errorf("padding length %d", frame[4])
	}
	if frame[5] != constants.MsgNewKeys {
		t.Errorf("payload byte %d", frame[5])
	}
}

func TestSequenceWraps(t *testing.T) {
	var wire bytes.Buffer
	pw := NewPacketWriter(&wire, nil)
	pr := NewPacketReader(&wire)
	pw.seq = ^uint32(0)
	pr.seq = ^uint32(0)

	enc, dec := suitePair(t, crypto.CipherAES128CTR, crypto.MACHMACSHA256)
	pw.SetSuite(enc)
	pr.SetSuite(dec)

	for _, want := range []uint32{^uint32(0), 0, 1} {
		seq, err := pw.WritePacket([]byte{constants.MsgIgnore, 0, 0, 0, 0})
		if err != nil {
			t.Fatal(err)
		}
		if seq != want {
			t.Errorf("write seq = %d, want %d", seq, want)
		}
		_, rseq, err := pr.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket after wrap: %v", err)
		}
		if rseq != want {
			t.Errorf("read seq = %d, want %d", rseq, want)
		}
	}
}

func TestMACBitFlipRejected(t *testing.T) {
	enc, dec := suitePair(t, crypto.CipherAES256CTR, crypto.MACHMACSHA256)
	var wire bytes.Buffer
	pw := NewPacketWriter(&wire, nil)
	pw.SetSuite(enc)
	if _, err := pw.WritePacket([]byte("\x02hello")); err != nil {
		t.Fatal(err)
	}

	frame := wire.Bytes()
	for _, pos := range []int{len(frame) - 1, 10} {
		tampered := append([]byte(nil), frame...)
		tampered[pos] ^= 0x01

		_, dec := suitePair(t, crypto.CipherAES256CTR, crypto.MACHMACSHA256)
		pr := NewPacketReader(bytes.NewReader(tampered))
		pr.SetSuite(dec)
		_, _, err := pr.ReadPacket()
		if !errors.Is(err, qerrors.ErrMACMismatch) {
			t.Errorf("flip at %d: expected ErrMACMismatch, got %v", pos, err)
		}
	}

	pr := NewPacketReader(bytes.NewReader(frame))
	pr.SetSuite(dec)
	if _, _, err := pr.ReadPacket(); err != nil {
		t.Errorf("untampered packet rejected: %v", err)
	}
}

func TestReadPacketMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{
			name:  "too large",
			frame: append(binary.BigEndian.AppendUint32(nil, constants.MaxPacketLength+1), make([]byte, 4)...),
			want:  qerrors.ErrMessageTooLarge,
		},
		{
			name:  "too short",
			frame: append(binary.BigEndian.AppendUint32(nil, 4), 4, 0, 0, 0),
			want:  qerrors.ErrInvalidPacket,
		},
		{
			name:  "misaligned",
			frame: append(binary.BigEndian.AppendUint32(nil, 13), make([]byte, 13)...),
			want:  qerrors.ErrInvalidPacket,
		},
		{
			name:  "padding below minimum",
			frame: append(binary.BigEndian.AppendUint32(nil, 12), 2, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 0),
			want:  qerrors.ErrInvalidPacket,
		},
		{
			name:  "padding exceeds packet",
			frame: append(binary.BigEndian.AppendUint32(nil, 12), 200, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 0),
			want:  qerrors.ErrInvalidPacket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := NewPacketReader(bytes.NewReader(tt.frame))
			_, _, err := pr.ReadPacket()
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadPacketTruncated(t *testing.T) {
	var wire bytes.Buffer
	pw := NewPacketWriter(&wire, nil)
	if _, err := pw.WritePacket(bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatal(err)
	}
	frame := wire.Bytes()
	pr := NewPacketReader(bytes.NewReader(frame[:len(frame)-3]))
	if _, _, err := pr.ReadPacket(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestWritePacketTooLarge(t *testing.T) {
	pw := NewPacketWriter(io.Discard, nil)
	_, err := pw.WritePacket(make([]byte, constants.MaxPacketLength))
	if !errors.Is(err, qerrors.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}
