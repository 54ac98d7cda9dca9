package auth

import (
	"context"
	"fmt"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// KeyboardInteractiveAuth returns the server side of
// "keyboard-interactive" that asks for a single password.
func KeyboardInteractiveAuth(v PasswordVerifier) MethodFactory {
	return func() ServerMethod { return &keyboardServer{verifier: v} }
}

type keyboardServer struct {
	verifier PasswordVerifier
}

func (*keyboardServer) Name() string { return constants.MethodKeyboardInteractive }

func (m *keyboardServer) Authenticate(ctx context.Context, sc *ServerContext, _ *protocol.UserAuthRequest) (Result, error) {
	sc.Register(constants.MsgUserAuthInfoResponse, func() protocol.Message { return new(protocol.UserAuthInfoResponse) })

	err := sc.Send(&protocol.UserAuthInfoRequest{
		Name:    "Password authentication",
		Prompts: []protocol.Prompt{{Text: "Password: ", Echo: false}},
	})
	if err != nil {
		return ResultFailed, err
	}

	msg, err := sc.ReadMessage(ctx, constants.MsgUserAuthInfoResponse)
	if err != nil {
		return ResultFailed, err
	}
	resp := msg.(*protocol.UserAuthInfoResponse)
	if len(resp.Responses) != 1 {
		return ResultFailed, fmt.Errorf("%w: %d responses to one prompt", qerrors.ErrInvalidMessage, len(resp.Responses))
	}
	if err := m.verifier.VerifyPassword(ctx, sc.User(), resp.Responses[0]); err != nil {
		sc.Logger().Info("keyboard-interactive password rejected")
		return ResultFailed, nil
	}
	return ResultComplete, nil
}

// KeyboardInteractiveChallenge answers one INFO_REQUEST with one response
// per prompt.
type KeyboardInteractiveChallenge func(name, instruction string, prompts []protocol.Prompt) ([]string, error)

// KeyboardInteractiveMethod is the client side of "keyboard-interactive".
type KeyboardInteractiveMethod struct {
	Challenge KeyboardInteractiveChallenge
}

// Name implements ClientMethod.
func (*KeyboardInteractiveMethod) Name() string { return constants.MethodKeyboardInteractive }

// Authenticate answers INFO_REQUEST rounds until the server decides.
func (m *KeyboardInteractiveMethod) Authenticate(ctx context.Context, cc *ClientContext) (Result, error) {
	if m.Challenge == nil {
		return ResultFailed, fmt.Errorf("%w: no challenge callback", qerrors.ErrMissingCredentials)
	}
	cc.Register(constants.MsgUserAuthInfoRequest, func() protocol.Message { return new(protocol.UserAuthInfoRequest) })

	payload := protocol.MarshalPayload(&protocol.KeyboardInteractivePayload{})
	if err := cc.SendRequest(constants.MethodKeyboardInteractive, payload); err != nil {
		return ResultFailed, err
	}

	for {
		msg, res, err := cc.ReadMessage(ctx, constants.MsgUserAuthInfoRequest)
		if err != nil {
			return ResultFailed, err
		}
		if res != ResultReady {
			return res, nil
		}

		req := msg.(*protocol.UserAuthInfoRequest)
		answers, err := m.Challenge(req.Name, req.Instruction, req.Prompts)
		if err != nil {
			return ResultFailed, err
		}
		if len(answers) != len(req.Prompts) {
			return ResultFailed, fmt.Errorf("challenge returned %d answers for %d prompts", len(answers), len(req.Prompts))
		}
		if err := cc.Send(&protocol.UserAuthInfoResponse{Responses: answers}); err != nil {
			return ResultFailed, err
		}
	}
}
