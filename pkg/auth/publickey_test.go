package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseAuthorizedKeys(t *testing.T) {
	a, b := newSigner(t), newSigner(t)
	data := append(ssh.MarshalAuthorizedKey(a.PublicKey()), []byte("# comment\n\n")...)
	data = append(data, ssh.MarshalAuthorizedKey(b.PublicKey())...)
	data = append(data, []byte("# trailing comment\n")...)

	keys, err := ParseAuthorizedKeys(data)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, a.PublicKey().Marshal(), keys[0].Marshal())
	assert.Equal(t, b.PublicKey().Marshal(), keys[1].Marshal())

	_, err = ParseAuthorizedKeys([]byte("ssh-ed25519 not-base64\n"))
	assert.Error(t, err)

	keys, err = ParseAuthorizedKeys(nil)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAuthorizedKeysFile(t *testing.T) {
	dir := t.TempDir()
	signer := newSigner(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.keys"), ssh.MarshalAuthorizedKey(signer.PublicKey()), 0o600))

	src := AuthorizedKeysFile{Pattern: filepath.Join(dir, "%u.keys")}

	keys, err := src.AuthorizedKeys("alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	keys, err = src.AuthorizedKeys("bob")
	require.NoError(t, err, "missing file means no keys")
	assert.Empty(t, keys)

	_, err = src.AuthorizedKeys("../alice")
	assert.Error(t, err)
}

func TestPublicKeyAlgorithm(t *testing.T) {
	m := &PublicKeyMethod{Signer: newSigner(t)}
	assert.Equal(t, ssh.KeyAlgoED25519, m.algorithm())
}
