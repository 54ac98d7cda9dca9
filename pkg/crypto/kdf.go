package crypto

import (
	stdcrypto "crypto"
	"fmt"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// Key derivation letters. A, C and E protect the client to server
// direction; B, D and F protect server to client.
const (
	LetterIVClientToServer  byte = 'A'
	LetterIVServerToClient  byte = 'B'
	LetterKeyClientToServer byte = 'C'
	LetterKeyServerToClient byte = 'D'
	LetterMACClientToServer byte = 'E'
	LetterMACServerToClient byte = 'F'
)

// maxDerivedKey bounds a single derivation.
const maxDerivedKey = 1 << 16

// DeriveKey expands the shared secret into n bytes of key material:
//
//	K1 = HASH(K || H || letter || session_id)
//	K2 = HASH(K || H || K1)
//	K3 = HASH(K || H || K1 || K2)
//	...
//
// K must already be in its wire encoding (mpint or string, depending on
// the exchange method).
func DeriveKey(hash stdcrypto.Hash, k, h []byte, letter byte, sessionID []byte, n int) ([]byte, error) {
	if n < 0 || n > maxDerivedKey {
		return nil, qerrors.NewCryptoError("DeriveKey", fmt.Errorf("invalid output length %d", n))
	}
	if !hash.Available() {
		return nil, qerrors.NewCryptoError("DeriveKey", fmt.Errorf("hash %v not available", hash))
	}
	if n == 0 {
		return []byte{}, nil
	}

	out := make([]byte, 0, n+hash.Size())
	d := hash.New()
	d.Write(k)
	d.Write(h)
	d.Write([]byte{letter})
	d.Write(sessionID)
	out = d.Sum(out)

	for len(out) < n {
		d.Reset()
		d.Write(k)
		d.Write(h)
		d.Write(out)
		out = d.Sum(out)
	}
	return out[:n], nil
}

// Direction identifies one half of the packet stream.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client-to-server"
	}
	return "server-to-client"
}

func (d Direction) letters() (iv, key, mac byte) {
	if d == ClientToServer {
		return LetterIVClientToServer, LetterKeyClientToServer, LetterMACClientToServer
	}
	return LetterIVServerToClient, LetterKeyServerToClient, LetterMACServerToClient
}

// DeriveKeyMaterial derives the IV, cipher key and MAC key for one direction.
func DeriveKeyMaterial(hash stdcrypto.Hash, k, h, sessionID []byte, dir Direction, sizes MaterialSizes) (KeyMaterial, error) {
	ivLetter, keyLetter, macLetter := dir.letters()

	iv, err := DeriveKey(hash, k, h, ivLetter, sessionID, sizes.IV)
	if err != nil {
		return KeyMaterial{}, err
	}
	key, err := DeriveKey(hash, k, h, keyLetter, sessionID, sizes.Key)
	if err != nil {
		return KeyMaterial{}, err
	}
	macKey, err := DeriveKey(hash, k, h, macLetter, sessionID, sizes.MACKey)
	if err != nil {
		return KeyMaterial{}, err
	}
	return KeyMaterial{IV: iv, Key: key, MACKey: macKey}, nil
}

// Zeroize clears the key material.
func (km *KeyMaterial) Zeroize() {
	ZeroizeMultiple(km.IV, km.Key, km.MACKey)
}
