//go:build pam

package auth

import (
	"context"
	"fmt"

	"github.com/msteinert/pam/v2"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// PAMVerifier checks passwords against the system PAM stack.
type PAMVerifier struct {
	service string
}

// NewPAMVerifier returns a verifier using the PAM service name, such as
// "sshd".
func NewPAMVerifier(service string) (*PAMVerifier, error) {
	if service == "" {
		service = "sshd"
	}
	return &PAMVerifier{service: service}, nil
}

// VerifyPassword implements PasswordVerifier.
func (v *PAMVerifier) VerifyPassword(_ context.Context, user, password string) error {
	tx, err := pam.StartFunc(v.service, user, func(s pam.Style, _ string) (string, error) {
		switch s {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return password, nil
		default:
			return "", nil
		}
	})
	if err != nil {
		return fmt.Errorf("pam start: %w", err)
	}
	defer tx.End()

	if err := tx.Authenticate(pam.DisallowNullAuthtok); err != nil {
		return fmt.Errorf("%w: %v", qerrors.ErrAuthenticationFailed, err)
	}
	if err := tx.AcctMgmt(pam.Silent); err != nil {
		return fmt.Errorf("%w: account: %v", qerrors.ErrAuthenticationFailed, err)
	}
	return nil
}
