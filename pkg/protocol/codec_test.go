package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

func TestMarshalTypeByte(t *testing.T) {
	tests := []Message{
		&Disconnect{Reason: 11, Message: "bye"},
		&Ignore{Data: []byte("x")},
		&Unimplemented{SeqNum: 9},
		&ServiceRequest{Service: constants.ServiceUserAuth},
		&KexInit{KexAlgos: []string{"curve25519-sha256"}},
		&NewKeys{},
		&KexECDHInit{ClientPubKey: make([]byte, 32)},
		&KexDHInit{X: big.NewInt(5)},
		&UserAuthRequest{User: "u", Service: "s", Method: "none"},
		&UserAuthFailure{Methods: []string{"password"}},
		&UserAuthSuccess{},
		&UserAuthBanner{Message: "hi"},
		&UserAuthInfoRequest{Prompts: []Prompt{{Text: "Password: "}}},
		&UserAuthInfoResponse{Responses: []string{"secret"}},
		&RequestFailure{},
		&ChannelOpenFailure{Reason: constants.ChannelOpenProhibited},
	}
	for _, m := range tests {
		data := Marshal(m)
		if len(data) == 0 || data[0] != m.MessageType() {
			t.Errorf("%T: first byte %v, want %d", m, data[:1], m.MessageType())
		}
	}
}

func TestKexInitDecode(t *testing.T) {
	in := &KexInit{
		KexAlgos:                []string{"curve25519-sha256", "diffie-hellman-group14-sha256"},
		ServerHostKeyAlgos:      []string{"ssh-ed25519"},
		CiphersClientServer:     []string{"aes128-ctr"},
		CiphersServerClient:     []string{"aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256"},
		MACsServerClient:        []string{"hmac-sha2-256"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
		FirstKexFollows:         true,
	}
	in.Cookie[0] = 0xfe

	msg, err := Decode(Marshal(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, ok := msg.(*KexInit)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if out.Cookie[0] != 0xfe || !out.FirstKexFollows || len(out.KexAlgos) != 2 {
		t.Errorf("unexpected decode: %+v", out)
	}
}

func TestUnmarshalWrongType(t *testing.T) {
	err := Unmarshal(Marshal(&ServiceAccept{Service: "x"}), &ServiceRequest{})
	if !errors.Is(err, qerrors.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
	if err := Unmarshal(nil, &NewKeys{}); !errors.Is(err, qerrors.ErrInvalidMessage) {
		t.Errorf("empty payload: got %v", err)
	}
	if err := Unmarshal([]byte{constants.MsgNewKeys, 0}, &NewKeys{}); !errors.Is(err, qerrors.ErrInvalidMessage) {
		t.Errorf("trailing byte: got %v", err)
	}
}

func TestInfoRequestDecode(t *testing.T) {
	in := &UserAuthInfoRequest{
		Name:        "login",
		Instruction: "answer",
		Prompts:     []Prompt{{Text: "Password: ", Echo: false}, {Text: "Code: ", Echo: true}},
	}
	var out UserAuthInfoRequest
	if err := Unmarshal(Marshal(in), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != "login" || len(out.Prompts) != 2 || !out.Prompts[1].Echo || out.Prompts[0].Text != "Password: " {
		t.Errorf("unexpected decode: %+v", out)
	}

	truncated := Marshal(in)
	truncated = truncated[:len(truncated)-3]
	if err := Unmarshal(truncated, &out); !errors.Is(err, qerrors.ErrInvalidMessage) {
		t.Errorf("truncated: got %v", err)
	}

	// A prompt count larger than the remaining bytes is rejected up front.
	bogus := AppendUint32([]byte{constants.MsgUserAuthInfoRequest, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, 1<<30)
	if err := Unmarshal(bogus, &out); !errors.Is(err, qerrors.ErrInvalidMessage) {
		t.Errorf("bogus count: got %v", err)
	}
}

func TestDecodeUnknownIsRaw(t *testing.T) {
	msg, err := Decode([]byte{200, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := msg.(*RawMessage)
	if !ok || raw.MessageType() != 200 || len(raw.Payload) != 3 {
		t.Errorf("unexpected %#v", msg)
	}
}

func TestPublicKeyPayload(t *testing.T) {
	query := &PublicKeyPayload{Algo: "ssh-ed25519", PubKey: []byte("blob")}
	var got PublicKeyPayload
	if err := UnmarshalPayload(MarshalPayload(query), &got); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.HasSig || got.Sig != nil || string(got.PubKey) != "blob" {
		t.Errorf("query decode: %+v", got)
	}

	signed := &PublicKeyPayload{HasSig: true, Algo: "ssh-ed25519", PubKey: []byte("blob"), Sig: []byte("sig")}
	if err := UnmarshalPayload(MarshalPayload(signed), &got); err != nil {
		t.Fatalf("signed: %v", err)
	}
	if !got.HasSig || string(got.Sig) != "sig" {
		t.Errorf("signed decode: %+v", got)
	}
}

func TestPasswordPayload(t *testing.T) {
	var got PasswordPayload
	if err := UnmarshalPayload(MarshalPayload(&PasswordPayload{Password: "pw"}), &got); err != nil {
		t.Fatal(err)
	}
	if got.Password != "pw" || got.Change {
		t.Errorf("unexpected %+v", got)
	}
	if err := UnmarshalPayload([]byte{0, 0, 0}, &got); !errors.Is(err, qerrors.ErrInvalidMessage) {
		t.Errorf("truncated: got %v", err)
	}
}

func TestAppendMPInt(t *testing.T) {
	tests := []struct {
		n    int64
		want []byte
	}{
		{0, []byte{0, 0, 0, 0}},
		{0x80, []byte{0, 0, 0, 2, 0, 0x80}},
		{0x7f, []byte{0, 0, 0, 1, 0x7f}},
	}
	for _, tt := range tests {
		if got := AppendMPInt(nil, big.NewInt(tt.n)); !bytes.Equal(got, tt.want) {
			t.Errorf("mpint(%d) = %x, want %x", tt.n, got, tt.want)
		}
	}
}

// --- Identification ---

func TestReadVersionSkipsBanner(t *testing.T) {
	input := "Welcome\r\nanother line\nSSH-2.0-OpenSSH_9.6 Ubuntu\r\n"
	id, err := ReadVersion(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if id.Raw != "SSH-2.0-OpenSSH_9.6 Ubuntu" {
		t.Errorf("Raw = %q", id.Raw)
	}
	if id.Software != "OpenSSH_9.6" || id.Comments != "Ubuntu" || id.EOL != "\r\n" {
		t.Errorf("unexpected parse: %+v", id)
	}
}

func TestReadVersionBareLF(t *testing.T) {
	id, err := ReadVersion(bufio.NewReader(strings.NewReader("SSH-1.99-legacy\n")))
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if id.EOL != "\n" || id.ProtoVersion != "1.99" {
		t.Errorf("unexpected parse: %+v", id)
	}
}

func TestReadVersionRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"ssh1", "SSH-1.5-old\r\n", qerrors.ErrUnsupportedVersion},
		{"no dash", "SSH-2.0\r\n", qerrors.ErrUnsupportedVersion},
		{"eof", "hello\r\n", io.EOF},
		{"too long", strings.Repeat("x", 400), qerrors.ErrInvalidPacket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadVersion(bufio.NewReader(strings.NewReader(tt.input)))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriteVersion(t *testing.T) {
	var buf bytes.Buffer
	ident := LocalIdentification("sshcore_0.3.0")
	if err := WriteVersion(&buf, ident); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "SSH-2.0-sshcore_0.3.0\r\n" {
		t.Errorf("wrote %q", buf.String())
	}
	if err := WriteVersion(&buf, strings.Repeat("x", 300)); err == nil {
		t.Error("expected error for overlong identification")
	}
}

func TestMessageName(t *testing.T) {
	if MessageName(constants.MsgKexInit) != "KEXINIT" {
		t.Errorf("got %q", MessageName(constants.MsgKexInit))
	}
	if MessageName(250) != "UNKNOWN" {
		t.Errorf("got %q", MessageName(250))
	}
}
