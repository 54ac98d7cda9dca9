package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/protocol"
)

// KeySource lists the public keys a user may authenticate with.
type KeySource interface {
	AuthorizedKeys(user string) ([]ssh.PublicKey, error)
}

// StaticKeys is a fixed user to keys table.
type StaticKeys map[string][]ssh.PublicKey

// AuthorizedKeys implements KeySource.
func (s StaticKeys) AuthorizedKeys(user string) ([]ssh.PublicKey, error) {
	return s[user], nil
}

// AuthorizedKeysFile reads OpenSSH authorized_keys files. Pattern may
// contain %u, which is replaced by the username. A missing file means no
// keys.
type AuthorizedKeysFile struct {
	Pattern string
}

// AuthorizedKeys implements KeySource.
func (f AuthorizedKeysFile) AuthorizedKeys(user string) ([]ssh.PublicKey, error) {
	if strings.ContainsAny(user, "/\\") || user == ".." {
		return nil, fmt.Errorf("invalid username %q", user)
	}
	path := strings.ReplaceAll(f.Pattern, "%u", user)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseAuthorizedKeys(data)
}

// ParseAuthorizedKeys parses every key in an authorized_keys file.
func ParseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	for len(bytes.TrimSpace(data)) > 0 {
		pub, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			if onlyComments(data) {
				break
			}
			return nil, err
		}
		keys = append(keys, pub)
		data = rest
	}
	return keys, nil
}

func onlyComments(data []byte) bool {
	for line := range bytes.Lines(data) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 && line[0] != '#' {
			return false
		}
	}
	return true
}

// PublicKeyAuth returns the server side of the "publickey" method.
func PublicKeyAuth(keys KeySource) MethodFactory {
	return func() ServerMethod { return &publicKeyServer{keys: keys} }
}

type publicKeyServer struct {
	keys KeySource
}

func (*publicKeyServer) Name() string { return constants.MethodPublicKey }

// Authenticate answers a query with PK_OK and verifies a signed request
// against the session identifier.
func (m *publicKeyServer) Authenticate(_ context.Context, sc *ServerContext, req *protocol.UserAuthRequest) (Result, error) {
	var p protocol.PublicKeyPayload
	if err := protocol.UnmarshalPayload(req.Payload, &p); err != nil {
		return ResultFailed, err
	}
	pub, err := ssh.ParsePublicKey(p.PubKey)
	if err != nil {
		return ResultFailed, fmt.Errorf("%w: %v", qerrors.ErrInvalidMessage, err)
	}
	if crypto.KeyTypeForAlgorithm(p.Algo) != pub.Type() {
		return ResultFailed, fmt.Errorf("%w: algorithm %q for %s key", qerrors.ErrInvalidMessage, p.Algo, pub.Type())
	}

	ok, err := m.authorized(sc.User(), pub)
	if err != nil {
		return ResultFailed, err
	}
	if !ok {
		sc.Logger().Info("public key not authorized", metrics.Fields{"fingerprint": crypto.Fingerprint(pub)})
		return ResultFailed, nil
	}

	if !p.HasSig {
		if err := sc.Send(&protocol.UserAuthPubKeyOK{Algo: p.Algo, PubKey: p.PubKey}); err != nil {
			return ResultFailed, err
		}
		return ResultReady, nil
	}

	data := protocol.PublicKeySignedData(sc.SessionID(), sc.User(), sc.Service(), p.Algo, p.PubKey)
	if err := crypto.Verify(pub, p.Algo, data, p.Sig); err != nil {
		return ResultFailed, err
	}
	return ResultComplete, nil
}

func (m *publicKeyServer) authorized(user string, pub ssh.PublicKey) (bool, error) {
	keys, err := m.keys.AuthorizedKeys(user)
	if err != nil {
		return false, err
	}
	blob := pub.Marshal()
	for _, k := range keys {
		if bytes.Equal(k.Marshal(), blob) {
			return true, nil
		}
	}
	return false, nil
}

// PublicKeyMethod is the client side of "publickey". RSA keys sign with
// rsa-sha2-256.
type PublicKeyMethod struct {
	Signer ssh.Signer
}

// Name implements ClientMethod.
func (*PublicKeyMethod) Name() string { return constants.MethodPublicKey }

func (m *PublicKeyMethod) algorithm() string {
	keyType := m.Signer.PublicKey().Type()
	if keyType == ssh.KeyAlgoRSA {
		if _, ok := m.Signer.(ssh.AlgorithmSigner); ok {
			return ssh.KeyAlgoRSASHA256
		}
	}
	return keyType
}

// Authenticate queries the server with the key and signs once PK_OK
// arrives.
func (m *PublicKeyMethod) Authenticate(ctx context.Context, cc *ClientContext) (Result, error) {
	if m.Signer == nil {
		return ResultFailed, fmt.Errorf("%w: no signer", qerrors.ErrMissingCredentials)
	}
	cc.Register(constants.MsgUserAuthPKOK, func() protocol.Message { return new(protocol.UserAuthPubKeyOK) })

	algo := m.algorithm()
	pubBytes := m.Signer.PublicKey().Marshal()

	query := protocol.MarshalPayload(&protocol.PublicKeyPayload{Algo: algo, PubKey: pubBytes})
	if err := cc.SendRequest(constants.MethodPublicKey, query); err != nil {
		return ResultFailed, err
	}
	msg, res, err := cc.ReadMessage(ctx, constants.MsgUserAuthPKOK)
	if err != nil {
		return ResultFailed, err
	}
	if res != ResultReady {
		return res, nil
	}
	ok := msg.(*protocol.UserAuthPubKeyOK)
	if ok.Algo != algo || !bytes.Equal(ok.PubKey, pubBytes) {
		return ResultFailed, qerrors.NewProtocolError("userauth", fmt.Errorf("%w: PK_OK for a different key", qerrors.ErrInvalidMessage))
	}

	data := protocol.PublicKeySignedData(cc.SessionID(), cc.User(), cc.Service(), algo, pubBytes)
	sig, err := crypto.Sign(nil, m.Signer, algo, data)
	if err != nil {
		return ResultFailed, err
	}
	signed := protocol.MarshalPayload(&protocol.PublicKeyPayload{HasSig: true, Algo: algo, PubKey: pubBytes, Sig: sig})
	if err := cc.SendRequest(constants.MethodPublicKey, signed); err != nil {
		return ResultFailed, err
	}
	return ResultReady, nil
}
