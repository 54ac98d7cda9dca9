package auth

import (
	"context"
	"fmt"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// PasswordVerifier checks a username and password. It returns nil when
// they match.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, user, password string) error
}

// PasswordVerifierFunc adapts a function to PasswordVerifier.
type PasswordVerifierFunc func(ctx context.Context, user, password string) error

// VerifyPassword calls f.
func (f PasswordVerifierFunc) VerifyPassword(ctx context.Context, user, password string) error {
	return f(ctx, user, password)
}

// PasswordAuth returns the server side of the "password" method.
func PasswordAuth(v PasswordVerifier) MethodFactory {
	return func() ServerMethod { return &passwordServer{verifier: v} }
}

type passwordServer struct {
	verifier PasswordVerifier
}

func (*passwordServer) Name() string { return constants.MethodPassword }

func (m *passwordServer) Authenticate(ctx context.Context, sc *ServerContext, req *protocol.UserAuthRequest) (Result, error) {
	var p protocol.PasswordPayload
	if err := protocol.UnmarshalPayload(req.Payload, &p); err != nil {
		return ResultFailed, err
	}
	if p.Change {
		sc.Logger().Debug("password change requested; not supported")
		return ResultFailed, nil
	}
	if err := m.verifier.VerifyPassword(ctx, sc.User(), p.Password); err != nil {
		sc.Logger().Info("password rejected")
		return ResultFailed, nil
	}
	return ResultComplete, nil
}

// PasswordMethod is the client side of the "password" method.
type PasswordMethod struct {
	Password string
}

// Name implements ClientMethod.
func (*PasswordMethod) Name() string { return constants.MethodPassword }

// Authenticate sends the password.
func (m *PasswordMethod) Authenticate(_ context.Context, cc *ClientContext) (Result, error) {
	if cc.User() == "" {
		return ResultFailed, fmt.Errorf("%w: empty username", qerrors.ErrMissingCredentials)
	}
	payload := protocol.MarshalPayload(&protocol.PasswordPayload{Password: m.Password})
	if err := cc.SendRequest(constants.MethodPassword, payload); err != nil {
		return ResultFailed, err
	}
	return ResultReady, nil
}
