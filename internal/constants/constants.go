// Package constants defines protocol numbers, limits and defaults for the
// sshcore SSH transport and authentication layers.
//
// Message numbers and disconnect reason codes follow RFC 4250 section 4.
package constants

import "time"

// Protocol identification
const (
	// ProtocolVersion is the SSH protocol version we speak
	ProtocolVersion = "2.0"

	// CompatVersion is the legacy version string accepted as equivalent to 2.0
	CompatVersion = "1.99"

	// SoftwareName is the software part of our identification string
	SoftwareName = "sshcore"

	// MaxVersionLineLength bounds a single identification line (RFC 4253 4.2)
	MaxVersionLineLength = 255

	// MaxPreVersionLines bounds the lines a server may send before its identification
	MaxPreVersionLines = 64
)

// Transport layer generic messages (RFC 4253)
const (
	MsgDisconnect     byte = 1
	MsgIgnore         byte = 2
	MsgUnimplemented  byte = 3
	MsgDebug          byte = 4
	MsgServiceRequest byte = 5
	MsgServiceAccept  byte = 6
)

// Algorithm negotiation and key exchange messages
const (
	MsgKexInit byte = 20
	MsgNewKeys byte = 21

	// MsgKexFirst and MsgKexLast bound the method specific range (30..49)
	MsgKexFirst byte = 30
	MsgKexLast  byte = 49

	MsgKexECDHInit  byte = 30
	MsgKexECDHReply byte = 31
	MsgKexDHInit    byte = 30
	MsgKexDHReply   byte = 31
)

// User authentication messages (RFC 4252, RFC 4256)
const (
	MsgUserAuthRequest byte = 50
	MsgUserAuthFailure byte = 51
	MsgUserAuthSuccess byte = 52
	MsgUserAuthBanner  byte = 53

	// Method specific range (60..79)
	MsgUserAuthMethodFirst byte = 60
	MsgUserAuthMethodLast  byte = 79

	MsgUserAuthPKOK         byte = 60
	MsgUserAuthInfoRequest  byte = 60
	MsgUserAuthInfoResponse byte = 61
)

// Connection protocol messages used by the gate service
const (
	MsgGlobalRequest      byte = 80
	MsgRequestSuccess     byte = 81
	MsgRequestFailure     byte = 82
	MsgChannelOpen        byte = 90
	MsgChannelOpenFailure byte = 92

	// ChannelOpenProhibited is SSH_OPEN_ADMINISTRATIVELY_PROHIBITED
	ChannelOpenProhibited uint32 = 1
)

// IsTransportMessage reports whether t is handled by the transport itself (1..49).
func IsTransportMessage(t byte) bool {
	return t >= MsgDisconnect && t <= MsgKexLast && t != MsgServiceRequest && t != MsgServiceAccept
}

// IsKexMessage reports whether t belongs to an in-progress key exchange.
func IsKexMessage(t byte) bool {
	return t == MsgKexInit || t == MsgNewKeys || (t >= MsgKexFirst && t <= MsgKexLast)
}

// DisconnectReason is an SSH_MSG_DISCONNECT reason code.
type DisconnectReason uint32

const (
	DisconnectHostNotAllowedToConnect     DisconnectReason = 1
	DisconnectProtocolError               DisconnectReason = 2
	DisconnectKeyExchangeFailed           DisconnectReason = 3
	DisconnectReserved                    DisconnectReason = 4
	DisconnectMACError                    DisconnectReason = 5
	DisconnectCompressionError            DisconnectReason = 6
	DisconnectServiceNotAvailable         DisconnectReason = 7
	DisconnectProtocolVersionNotSupported DisconnectReason = 8
	DisconnectHostKeyNotVerifiable        DisconnectReason = 9
	DisconnectConnectionLost              DisconnectReason = 10
	DisconnectByApplication               DisconnectReason = 11
	DisconnectTooManyConnections          DisconnectReason = 12
	DisconnectAuthCancelledByUser         DisconnectReason = 13
	DisconnectNoMoreAuthMethodsAvailable  DisconnectReason = 14
	DisconnectIllegalUserName             DisconnectReason = 15
)

var disconnectReasonNames = map[DisconnectReason]string{
	DisconnectHostNotAllowedToConnect:     "HOST_NOT_ALLOWED_TO_CONNECT",
	DisconnectProtocolError:               "PROTOCOL_ERROR",
	DisconnectKeyExchangeFailed:           "KEY_EXCHANGE_FAILED",
	DisconnectReserved:                    "RESERVED",
	DisconnectMACError:                    "MAC_ERROR",
	DisconnectCompressionError:            "COMPRESSION_ERROR",
	DisconnectServiceNotAvailable:         "SERVICE_NOT_AVAILABLE",
	DisconnectProtocolVersionNotSupported: "PROTOCOL_VERSION_NOT_SUPPORTED",
	DisconnectHostKeyNotVerifiable:        "HOST_KEY_NOT_VERIFIABLE",
	DisconnectConnectionLost:              "CONNECTION_LOST",
	DisconnectByApplication:               "BY_APPLICATION",
	DisconnectTooManyConnections:          "TOO_MANY_CONNECTIONS",
	DisconnectAuthCancelledByUser:         "AUTH_CANCELLED_BY_USER",
	DisconnectNoMoreAuthMethodsAvailable:  "NO_MORE_AUTH_METHODS_AVAILABLE",
	DisconnectIllegalUserName:             "ILLEGAL_USER_NAME",
}

// String returns the RFC 4250 name of the reason code.
func (r DisconnectReason) String() string {
	if name, ok := disconnectReasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// Binary packet protocol limits (RFC 4253 section 6)
const (
	// DefaultBlockSize is the cipher block size assumed when no cipher is active
	DefaultBlockSize = 8

	// MinPaddingLength is the minimum amount of random padding per packet
	MinPaddingLength = 4

	// MaxPaddingLength is the largest value representable in the padding length byte
	MaxPaddingLength = 255

	// MinPacketLength is the smallest packet_length + 4 we send or accept
	MinPacketLength = 16

	// MaxPacketLength bounds packet_length on receive
	MaxPacketLength = 256 * 1024

	// MaxPayloadLength bounds an uncompressed payload on send
	MaxPayloadLength = 32768

	// PacketLengthSize is the size of the packet_length field
	PacketLengthSize = 4

	// KexCookieSize is the size of the random KEXINIT cookie
	KexCookieSize = 16
)

// Key exchange and rekey parameters
const (
	// DefaultRekeyInterval is the time between key exchanges
	DefaultRekeyInterval = time.Hour

	// MinRekeyInterval is the smallest accepted rekey interval
	MinRekeyInterval = 60 * time.Second

	// DefaultRekeyBytes is the transfer volume (both directions) between key exchanges
	DefaultRekeyBytes uint64 = 1 << 30

	// MinRekeyBytes is the smallest accepted rekey volume (5 KB)
	MinRekeyBytes uint64 = 5 * 1024

	// DefaultHandshakeTimeout bounds version exchange plus the first key exchange
	DefaultHandshakeTimeout = 30 * time.Second
)

// Authentication parameters
const (
	// ServiceUserAuth is the service name of the authentication protocol
	ServiceUserAuth = "ssh-userauth"

	// ServiceConnection is the service name of the connection protocol
	ServiceConnection = "ssh-connection"

	// MethodNone is the query method that never authenticates
	MethodNone = "none"

	// MethodPassword is the password method (RFC 4252 section 8)
	MethodPassword = "password"

	// MethodPublicKey is the public key method (RFC 4252 section 7)
	MethodPublicKey = "publickey"

	// MethodKeyboardInteractive is the challenge/response method (RFC 4256)
	MethodKeyboardInteractive = "keyboard-interactive"

	// DefaultBannerTimeout is how long the client peeks for a banner
	DefaultBannerTimeout = 100 * time.Millisecond

	// DefaultMaxAuthAttempts is the number of failed attempts before disconnect
	DefaultMaxAuthAttempts = 6
)
