// Package protocol defines the SSH version 2 wire format: the typed
// messages of the transport and authentication layers, their encoding, the
// identification line exchange and the binary packet codec.
//
// Message flow of a client connection:
//
//	Client                                 Server
//	  | <------- identification lines -------> |
//	  | <------------ KEXINIT ---------------> |
//	  | -------- KEX method messages --------> |
//	  | <------------ NEWKEYS ---------------> |
//	  | -------- SERVICE_REQUEST ------------> |
//	  | <------- SERVICE_ACCEPT ------------- |
//	  | -------- USERAUTH_REQUEST -----------> |
//	  | <------- USERAUTH_SUCCESS ----------- |
//
// Structs carry `sshtype` tags and are encoded by golang.org/x/crypto/ssh.
// Messages the reflection encoder cannot express (no fields, or repeated
// tuples) encode themselves.
package protocol

import (
	"math/big"

	"github.com/pzverkov/sshcore/internal/constants"
)

// Message is any SSH message with a single-byte type tag.
type Message interface {
	MessageType() byte
}

// selfCodec is implemented by messages that do their own wire encoding.
// The encoding includes the type byte.
type selfCodec interface {
	marshalSSH() []byte
	unmarshalSSH(data []byte) error
}

// Disconnect is SSH_MSG_DISCONNECT.
type Disconnect struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

func (*Disconnect) MessageType() byte { return constants.MsgDisconnect }

// Ignore is SSH_MSG_IGNORE.
type Ignore struct {
	Data []byte `sshtype:"2"`
}

func (*Ignore) MessageType() byte { return constants.MsgIgnore }

// Unimplemented is SSH_MSG_UNIMPLEMENTED. SeqNum is the sequence number of
// the rejected packet.
type Unimplemented struct {
	SeqNum uint32 `sshtype:"3"`
}

func (*Unimplemented) MessageType() byte { return constants.MsgUnimplemented }

// Debug is SSH_MSG_DEBUG.
type Debug struct {
	AlwaysDisplay bool `sshtype:"4"`
	Message       string
	Language      string
}

func (*Debug) MessageType() byte { return constants.MsgDebug }

// ServiceRequest is SSH_MSG_SERVICE_REQUEST.
type ServiceRequest struct {
	Service string `sshtype:"5"`
}

func (*ServiceRequest) MessageType() byte { return constants.MsgServiceRequest }

// ServiceAccept is SSH_MSG_SERVICE_ACCEPT.
type ServiceAccept struct {
	Service string `sshtype:"6"`
}

func (*ServiceAccept) MessageType() byte { return constants.MsgServiceAccept }

// KexInit is SSH_MSG_KEXINIT.
type KexInit struct {
	Cookie                  [constants.KexCookieSize]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

func (*KexInit) MessageType() byte { return constants.MsgKexInit }

// NewKeys is SSH_MSG_NEWKEYS.
type NewKeys struct{}

func (*NewKeys) MessageType() byte { return constants.MsgNewKeys }

func (*NewKeys) marshalSSH() []byte { return []byte{constants.MsgNewKeys} }

func (*NewKeys) unmarshalSSH(data []byte) error { return expectBare(data, constants.MsgNewKeys) }

// KexECDHInit is SSH_MSG_KEX_ECDH_INIT, also used for the hybrid method.
type KexECDHInit struct {
	ClientPubKey []byte `sshtype:"30"`
}

func (*KexECDHInit) MessageType() byte { return constants.MsgKexECDHInit }

// KexECDHReply is SSH_MSG_KEX_ECDH_REPLY, also used for the hybrid method.
type KexECDHReply struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

func (*KexECDHReply) MessageType() byte { return constants.MsgKexECDHReply }

// KexDHInit is SSH_MSG_KEXDH_INIT.
type KexDHInit struct {
	X *big.Int `sshtype:"30"`
}

func (*KexDHInit) MessageType() byte { return constants.MsgKexDHInit }

// KexDHReply is SSH_MSG_KEXDH_REPLY.
type KexDHReply struct {
	HostKey   []byte `sshtype:"31"`
	Y         *big.Int
	Signature []byte
}

func (*KexDHReply) MessageType() byte { return constants.MsgKexDHReply }

// UserAuthRequest is SSH_MSG_USERAUTH_REQUEST. Payload holds the
// method-specific fields.
type UserAuthRequest struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

func (*UserAuthRequest) MessageType() byte { return constants.MsgUserAuthRequest }

// UserAuthFailure is SSH_MSG_USERAUTH_FAILURE.
type UserAuthFailure struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

func (*UserAuthFailure) MessageType() byte { return constants.MsgUserAuthFailure }

// UserAuthSuccess is SSH_MSG_USERAUTH_SUCCESS.
type UserAuthSuccess struct{}

func (*UserAuthSuccess) MessageType() byte { return constants.MsgUserAuthSuccess }

func (*UserAuthSuccess) marshalSSH() []byte { return []byte{constants.MsgUserAuthSuccess} }

func (*UserAuthSuccess) unmarshalSSH(data []byte) error {
	return expectBare(data, constants.MsgUserAuthSuccess)
}

// UserAuthBanner is SSH_MSG_USERAUTH_BANNER.
type UserAuthBanner struct {
	Message  string `sshtype:"53"`
	Language string
}

func (*UserAuthBanner) MessageType() byte { return constants.MsgUserAuthBanner }

// UserAuthPubKeyOK is SSH_MSG_USERAUTH_PK_OK.
type UserAuthPubKeyOK struct {
	Algo   string `sshtype:"60"`
	PubKey []byte
}

func (*UserAuthPubKeyOK) MessageType() byte { return constants.MsgUserAuthPKOK }

// Prompt is one keyboard-interactive question.
type Prompt struct {
	Text string
	Echo bool
}

// UserAuthInfoRequest is SSH_MSG_USERAUTH_INFO_REQUEST.
type UserAuthInfoRequest struct {
	Name        string
	Instruction string
	Language    string
	Prompts     []Prompt
}

func (*UserAuthInfoRequest) MessageType() byte { return constants.MsgUserAuthInfoRequest }

func (m *UserAuthInfoRequest) marshalSSH() []byte {
	b := []byte{constants.MsgUserAuthInfoRequest}
	b = AppendString(b, m.Name)
	b = AppendString(b, m.Instruction)
	b = AppendString(b, m.Language)
	b = AppendUint32(b, uint32(len(m.Prompts)))
	for _, p := range m.Prompts {
		b = AppendString(b, p.Text)
		b = AppendBool(b, p.Echo)
	}
	return b
}

func (m *UserAuthInfoRequest) unmarshalSSH(data []byte) error {
	r, err := newReader(data, constants.MsgUserAuthInfoRequest)
	if err != nil {
		return err
	}
	m.Name = r.string()
	m.Instruction = r.string()
	m.Language = r.string()
	n := r.uint32()
	if r.err == nil && int(n) > len(r.buf) {
		return r.fail()
	}
	m.Prompts = make([]Prompt, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Prompts = append(m.Prompts, Prompt{Text: r.string(), Echo: r.bool()})
	}
	return r.finish()
}

// UserAuthInfoResponse is SSH_MSG_USERAUTH_INFO_RESPONSE.
type UserAuthInfoResponse struct {
	Responses []string
}

func (*UserAuthInfoResponse) MessageType() byte { return constants.MsgUserAuthInfoResponse }

func (m *UserAuthInfoResponse) marshalSSH() []byte {
	b := []byte{constants.MsgUserAuthInfoResponse}
	b = AppendUint32(b, uint32(len(m.Responses)))
	for _, s := range m.Responses {
		b = AppendString(b, s)
	}
	return b
}

func (m *UserAuthInfoResponse) unmarshalSSH(data []byte) error {
	r, err := newReader(data, constants.MsgUserAuthInfoResponse)
	if err != nil {
		return err
	}
	n := r.uint32()
	if r.err == nil && int(n) > len(r.buf) {
		return r.fail()
	}
	m.Responses = make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Responses = append(m.Responses, r.string())
	}
	return r.finish()
}

// GlobalRequest is SSH_MSG_GLOBAL_REQUEST.
type GlobalRequest struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

func (*GlobalRequest) MessageType() byte { return constants.MsgGlobalRequest }

// RequestFailure is SSH_MSG_REQUEST_FAILURE.
type RequestFailure struct{}

func (*RequestFailure) MessageType() byte { return constants.MsgRequestFailure }

func (*RequestFailure) marshalSSH() []byte { return []byte{constants.MsgRequestFailure} }

func (*RequestFailure) unmarshalSSH(data []byte) error {
	return expectBare(data, constants.MsgRequestFailure)
}

// ChannelOpen is SSH_MSG_CHANNEL_OPEN.
type ChannelOpen struct {
	ChanType      string `sshtype:"90"`
	SenderID      uint32
	WindowSize    uint32
	MaxPacketSize uint32
	Data          []byte `ssh:"rest"`
}

func (*ChannelOpen) MessageType() byte { return constants.MsgChannelOpen }

// ChannelOpenFailure is SSH_MSG_CHANNEL_OPEN_FAILURE.
type ChannelOpenFailure struct {
	RecipientID uint32 `sshtype:"92"`
	Reason      uint32
	Message     string
	Language    string
}

func (*ChannelOpenFailure) MessageType() byte { return constants.MsgChannelOpenFailure }

// RawMessage carries a payload no decoder was registered for.
type RawMessage struct {
	Type    byte
	Payload []byte
}

func (m *RawMessage) MessageType() byte { return m.Type }

func (m *RawMessage) marshalSSH() []byte { return m.Payload }

func (m *RawMessage) unmarshalSSH(data []byte) error {
	if len(data) == 0 {
		return errEmpty
	}
	m.Type = data[0]
	m.Payload = append([]byte(nil), data...)
	return nil
}

// NewTransportMessage returns an empty message for the transport layer
// types handled inline by a connection, or nil.
func NewTransportMessage(msgType byte) Message {
	switch msgType {
	case constants.MsgDisconnect:
		return new(Disconnect)
	case constants.MsgIgnore:
		return new(Ignore)
	case constants.MsgUnimplemented:
		return new(Unimplemented)
	case constants.MsgDebug:
		return new(Debug)
	case constants.MsgServiceRequest:
		return new(ServiceRequest)
	case constants.MsgServiceAccept:
		return new(ServiceAccept)
	case constants.MsgKexInit:
		return new(KexInit)
	case constants.MsgNewKeys:
		return new(NewKeys)
	}
	return nil
}

// MessageName returns a readable name for a type tag, for logs.
func MessageName(msgType byte) string {
	if name, ok := messageNames[msgType]; ok {
		return name
	}
	return "UNKNOWN"
}

var messageNames = map[byte]string{
	constants.MsgDisconnect:           "DISCONNECT",
	constants.MsgIgnore:               "IGNORE",
	constants.MsgUnimplemented:        "UNIMPLEMENTED",
	constants.MsgDebug:                "DEBUG",
	constants.MsgServiceRequest:       "SERVICE_REQUEST",
	constants.MsgServiceAccept:        "SERVICE_ACCEPT",
	constants.MsgKexInit:              "KEXINIT",
	constants.MsgNewKeys:              "NEWKEYS",
	constants.MsgKexECDHInit:          "KEX_INIT",
	constants.MsgKexECDHReply:         "KEX_REPLY",
	constants.MsgUserAuthRequest:      "USERAUTH_REQUEST",
	constants.MsgUserAuthFailure:      "USERAUTH_FAILURE",
	constants.MsgUserAuthSuccess:      "USERAUTH_SUCCESS",
	constants.MsgUserAuthBanner:       "USERAUTH_BANNER",
	constants.MsgUserAuthInfoRequest:  "USERAUTH_INFO_REQUEST",
	constants.MsgUserAuthInfoResponse: "USERAUTH_INFO_RESPONSE",
	constants.MsgGlobalRequest:        "GLOBAL_REQUEST",
	constants.MsgRequestSuccess:       "REQUEST_SUCCESS",
	constants.MsgRequestFailure:       "REQUEST_FAILURE",
	constants.MsgChannelOpen:          "CHANNEL_OPEN",
	constants.MsgChannelOpenFailure:   "CHANNEL_OPEN_FAILURE",
}
