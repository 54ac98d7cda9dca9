//go:build !pam

package auth

import (
	"context"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// PAMVerifier is unavailable without the pam build tag.
type PAMVerifier struct{}

// NewPAMVerifier reports that PAM support is not compiled in.
func NewPAMVerifier(string) (*PAMVerifier, error) {
	return nil, qerrors.ErrPAMUnavailable
}

// VerifyPassword implements PasswordVerifier.
func (*PAMVerifier) VerifyPassword(context.Context, string, string) error {
	return qerrors.ErrPAMUnavailable
}
