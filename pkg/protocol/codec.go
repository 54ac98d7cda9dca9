// codec.go converts messages to and from packet payloads.
//
// Wire types (RFC 4251 section 5):
//
//	byte      single octet, the first one is the message type
//	boolean   one octet, 0 or 1
//	uint32    4 octets big-endian
//	string    uint32 length followed by the bytes
//	mpint     string holding a two's complement big-endian integer
//	name-list string of comma separated names
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

var errEmpty = fmt.Errorf("%w: empty payload", qerrors.ErrInvalidMessage)

// Marshal encodes a message into a packet payload, type byte included.
func Marshal(m Message) []byte {
	if sc, ok := m.(selfCodec); ok {
		return sc.marshalSSH()
	}
	return ssh.Marshal(m)
}

// Unmarshal decodes a payload into m. The payload's type byte must match.
func Unmarshal(data []byte, m Message) error {
	if len(data) == 0 {
		return errEmpty
	}
	if sc, ok := m.(selfCodec); ok {
		return sc.unmarshalSSH(data)
	}
	if data[0] != m.MessageType() {
		return fmt.Errorf("%w: got %s, want %s", qerrors.ErrInvalidMessage,
			MessageName(data[0]), MessageName(m.MessageType()))
	}
	if err := ssh.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %s: %v", qerrors.ErrInvalidMessage, MessageName(data[0]), err)
	}
	return nil
}

// PeekType returns the type byte of a payload.
func PeekType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, errEmpty
	}
	return data[0], nil
}

// Decode decodes one of the transport layer messages returned by
// NewTransportMessage. Other types decode to a RawMessage.
func Decode(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	m := NewTransportMessage(t)
	if m == nil {
		m = new(RawMessage)
	}
	if err := Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AppendUint32 appends a big-endian uint32.
func AppendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

// AppendBool appends an SSH boolean.
func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// AppendString appends an SSH string.
func AppendString(b []byte, s string) []byte {
	b = AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// AppendBytes appends a byte slice as an SSH string.
func AppendBytes(b, s []byte) []byte {
	b = AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

type mpint struct {
	N *big.Int
}

// AppendMPInt appends an SSH mpint.
func AppendMPInt(b []byte, n *big.Int) []byte {
	return append(b, ssh.Marshal(mpint{N: n})...)
}

// reader walks a payload, remembering the first error.
type reader struct {
	buf []byte
	err error
}

func newReader(data []byte, want byte) (*reader, error) {
	if len(data) == 0 {
		return nil, errEmpty
	}
	if data[0] != want {
		return nil, fmt.Errorf("%w: got %s, want %s", qerrors.ErrInvalidMessage,
			MessageName(data[0]), MessageName(want))
	}
	return &reader{buf: data[1:]}, nil
}

func (r *reader) fail() error {
	if r.err == nil {
		r.err = fmt.Errorf("%w: truncated", qerrors.ErrInvalidMessage)
	}
	return r.err
}

func (r *reader) uint32() uint32 {
	if r.err != nil || len(r.buf) < 4 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) bool() bool {
	if r.err != nil || len(r.buf) < 1 {
		r.fail()
		return false
	}
	v := r.buf[0] != 0
	r.buf = r.buf[1:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	if uint32(len(r.buf)) < n {
		r.fail()
		return nil
	}
	v := r.buf[:n:n]
	r.buf = r.buf[n:]
	return v
}

func (r *reader) string() string {
	return string(r.bytes())
}

// finish reports the first error, or trailing bytes.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", qerrors.ErrInvalidMessage, len(r.buf))
	}
	return nil
}

func expectBare(data []byte, want byte) error {
	r, err := newReader(data, want)
	if err != nil {
		return err
	}
	return r.finish()
}

// PasswordPayload is the method payload of a "password" request.
type PasswordPayload struct {
	Change   bool
	Password string
}

// PublicKeyPayload is the method payload of a "publickey" request. A
// request without a signature is a query.
type PublicKeyPayload struct {
	HasSig bool
	Algo   string
	PubKey []byte
	Sig    []byte
}

// KeyboardInteractivePayload is the method payload of a
// "keyboard-interactive" request.
type KeyboardInteractivePayload struct {
	Language   string
	Submethods string
}

// MarshalPayload encodes a method payload.
func MarshalPayload(p any) []byte {
	switch v := p.(type) {
	case *PublicKeyPayload:
		b := AppendBool(nil, v.HasSig)
		b = AppendString(b, v.Algo)
		b = AppendBytes(b, v.PubKey)
		if v.HasSig {
			b = AppendBytes(b, v.Sig)
		}
		return b
	default:
		return ssh.Marshal(p)
	}
}

// UnmarshalPayload decodes a method payload into p.
func UnmarshalPayload(data []byte, p any) error {
	switch v := p.(type) {
	case *PublicKeyPayload:
		r := &reader{buf: data}
		v.HasSig = r.bool()
		v.Algo = r.string()
		v.PubKey = r.bytes()
		if v.HasSig {
			v.Sig = r.bytes()
		}
		return r.finish()
	default:
		if err := ssh.Unmarshal(data, p); err != nil {
			return errors.Join(qerrors.ErrInvalidMessage, err)
		}
		return nil
	}
}

// PublicKeySignedData builds the blob a client signs for "publickey"
// authentication (RFC 4252 section 7).
func PublicKeySignedData(sessionID []byte, user, service, algo string, pubKey []byte) []byte {
	b := AppendBytes(nil, sessionID)
	b = append(b, constants.MsgUserAuthRequest)
	b = AppendString(b, user)
	b = AppendString(b, service)
	b = AppendString(b, constants.MethodPublicKey)
	b = AppendBool(b, true)
	b = AppendString(b, algo)
	return AppendBytes(b, pubKey)
}
