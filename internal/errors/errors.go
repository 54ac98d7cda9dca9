// Package errors defines the error taxonomy of the sshcore transport and
// authentication layers. Sentinels are grouped by the layer that raises them;
// wrapper types carry the phase or operation that failed.
package errors

import (
	"errors"
	"fmt"

	"github.com/pzverkov/sshcore/internal/constants"
)

// Sentinel errors for the binary packet protocol
var (
	// ErrInvalidPacket indicates a malformed packet length or padding
	ErrInvalidPacket = errors.New("protocol: invalid packet")

	// ErrMessageTooLarge indicates a packet or payload above the configured maximum
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrMACMismatch indicates the received MAC did not verify
	ErrMACMismatch = errors.New("protocol: MAC mismatch")

	// ErrInvalidMessage indicates a payload that does not decode as its declared type
	ErrInvalidMessage = errors.New("protocol: invalid message")

	// ErrUnsupportedVersion indicates the peer is not speaking SSH 2.0 (or 1.99)
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")

	// ErrCompression indicates a compression or decompression failure
	ErrCompression = errors.New("protocol: compression failed")
)

// Sentinel errors for algorithm negotiation and key exchange
var (
	// ErrAlgorithmNotAgreed indicates no common algorithm in a category
	ErrAlgorithmNotAgreed = errors.New("kex: algorithm not agreed")

	// ErrUnknownAlgorithm indicates a negotiated name missing from the local registry
	ErrUnknownAlgorithm = errors.New("kex: unknown algorithm")

	// ErrKeyExchangeFailed indicates the key exchange round failed
	ErrKeyExchangeFailed = errors.New("kex: key exchange failed")

	// ErrHostKeyMismatch indicates the server host key was rejected or its signature is invalid
	ErrHostKeyMismatch = errors.New("kex: host key verification failed")

	// ErrUnexpectedMessage indicates a message arrived out of order during key exchange
	ErrUnexpectedMessage = errors.New("kex: unexpected message")
)

// Sentinel errors for the transport state machine
var (
	// ErrDisconnected indicates the transport has entered the disconnected state
	ErrDisconnected = errors.New("transport: disconnected")

	// ErrInvalidState indicates an operation not allowed in the current state
	ErrInvalidState = errors.New("transport: invalid state")

	// ErrServiceNotAvailable indicates a service request for an unknown service
	ErrServiceNotAvailable = errors.New("transport: service not available")

	// ErrRekeyIntervalTooShort indicates a rekey interval below the 60 second floor
	ErrRekeyIntervalTooShort = errors.New("transport: rekey interval below minimum")

	// ErrRekeyBytesTooSmall indicates a rekey volume below the 5 KB floor
	ErrRekeyBytesTooSmall = errors.New("transport: rekey volume below minimum")

	// ErrRateLimited indicates the listener refused a connection
	ErrRateLimited = errors.New("transport: rate limited")
)

// Sentinel errors for message stores
var (
	// ErrMessageStoreEOF indicates the store is closed and holds no matching message
	ErrMessageStoreEOF = errors.New("store: closed")

	// ErrMessageNotAvailable indicates a bounded wait elapsed without a match
	ErrMessageNotAvailable = errors.New("store: message not available")

	// ErrMessageStoreFull indicates a bounded store refused another message
	ErrMessageStoreFull = errors.New("store: full")
)

// Sentinel errors for authentication
var (
	// ErrUnknownMethod indicates an authentication method missing from the registry
	ErrUnknownMethod = errors.New("auth: unknown method")

	// ErrNoneAccepted indicates the server accepted the "none" query
	ErrNoneAccepted = errors.New("auth: server accepted the none method")

	// ErrInvalidStartMode indicates a service started in a mode it does not support
	ErrInvalidStartMode = errors.New("auth: invalid start mode")

	// ErrAuthenticationFailed indicates credentials were checked and rejected
	ErrAuthenticationFailed = errors.New("auth: authentication failed")

	// ErrPAMUnavailable indicates a binary built without PAM support
	ErrPAMUnavailable = errors.New("auth: PAM support not compiled in")

	// ErrMissingCredentials indicates a client method without username or key material
	ErrMissingCredentials = errors.New("auth: missing credentials")
)

// Sentinel errors for configuration
var (
	// ErrInvalidConfig indicates a configuration value failed validation
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with additional context
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "version", "kex", "packet")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// DisconnectError records why a connection ended.
// Remote is true when the peer sent the disconnect.
type DisconnectError struct {
	Reason      constants.DisconnectReason
	Description string
	Remote      bool
}

func (e *DisconnectError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	if e.Description == "" {
		return fmt.Sprintf("disconnected (%s): %s", side, e.Reason)
	}
	return fmt.Sprintf("disconnected (%s): %s: %s", side, e.Reason, e.Description)
}

// Is makes every DisconnectError match ErrDisconnected.
func (e *DisconnectError) Is(target error) bool {
	return target == ErrDisconnected
}

// NewDisconnectError creates a new DisconnectError
func NewDisconnectError(reason constants.DisconnectReason, description string, remote bool) *DisconnectError {
	return &DisconnectError{Reason: reason, Description: description, Remote: remote}
}

// DisconnectReasonFor maps a fatal error to the reason code sent to the peer.
func DisconnectReasonFor(err error) constants.DisconnectReason {
	var derr *DisconnectError
	switch {
	case errors.As(err, &derr):
		return derr.Reason
	case errors.Is(err, ErrMACMismatch):
		return constants.DisconnectMACError
	case errors.Is(err, ErrUnsupportedVersion):
		return constants.DisconnectProtocolVersionNotSupported
	case errors.Is(err, ErrCompression):
		return constants.DisconnectCompressionError
	case errors.Is(err, ErrHostKeyMismatch):
		return constants.DisconnectHostKeyNotVerifiable
	case errors.Is(err, ErrAlgorithmNotAgreed),
		errors.Is(err, ErrKeyExchangeFailed),
		errors.Is(err, ErrUnknownAlgorithm):
		return constants.DisconnectKeyExchangeFailed
	case errors.Is(err, ErrServiceNotAvailable):
		return constants.DisconnectServiceNotAvailable
	default:
		return constants.DisconnectProtocolError
	}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
