//go:build !pam

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

func TestPAMUnavailable(t *testing.T) {
	_, err := NewPAMVerifier("sshd")
	assert.ErrorIs(t, err, qerrors.ErrPAMUnavailable)

	var v PAMVerifier
	assert.ErrorIs(t, v.VerifyPassword(context.Background(), "alice", "pw"), qerrors.ErrPAMUnavailable)
}
