// Package crypto provides the algorithm plumbing of the SSH transport: the
// uniform cipher/MAC/compression interfaces, an explicit name registry of
// concrete implementations, the RFC 4253 key expansion and host key
// signature helpers.
//
// Security Note: all random number generation uses crypto/rand, which reads
// from the operating system's CSPRNG.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// SecureRandom reads cryptographically secure random bytes into the provided slice.
//
// This function will only return an error if the system's random number generator
// fails, which should be treated as a critical system failure.
func SecureRandom(b []byte) error {
	return ReadRandom(Reader, b)
}

// ReadRandom fills b from r, reporting short reads as a CryptoError.
// Packet padding and KEXINIT cookies use it with a configurable source.
func ReadRandom(r io.Reader, b []byte) error {
	if r == nil {
		r = Reader
	}
	if _, err := io.ReadFull(r, b); err != nil {
		return qerrors.NewCryptoError("SecureRandom", err)
	}
	return nil
}

// SecureRandomBytes returns n cryptographically secure random bytes.
func SecureRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := SecureRandom(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Reader is an io.Reader that returns cryptographically secure random bytes.
var Reader = rand.Reader

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites sensitive data with zeros.
//
// Note: the Go runtime may already have copied the data; this only clears
// the slice we hold.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroizeMultiple erases multiple byte slices.
func ZeroizeMultiple(slices ...[]byte) {
	for _, s := range slices {
		Zeroize(s)
	}
}
