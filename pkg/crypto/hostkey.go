package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// SignatureAlgorithms lists the signature algorithms a key of the given
// type can produce, most preferred first.
func SignatureAlgorithms(keyType string) []string {
	switch keyType {
	case ssh.KeyAlgoRSA:
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256}
	default:
		return []string{keyType}
	}
}

// KeyTypeForAlgorithm maps a signature algorithm back to its key type.
func KeyTypeForAlgorithm(algo string) string {
	switch algo {
	case ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512:
		return ssh.KeyAlgoRSA
	default:
		return algo
	}
}

// HostKeyAlgorithms returns the server_host_key_algorithms offered for a
// set of host keys, in signer order.
func HostKeyAlgorithms(signers []ssh.Signer) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range signers {
		for _, algo := range SignatureAlgorithms(s.PublicKey().Type()) {
			if !seen[algo] {
				seen[algo] = true
				out = append(out, algo)
			}
		}
	}
	return out
}

// SignerFor picks the signer able to produce algo.
func SignerFor(signers []ssh.Signer, algo string) (ssh.Signer, error) {
	keyType := KeyTypeForAlgorithm(algo)
	for _, s := range signers {
		if s.PublicKey().Type() == keyType {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no host key for %q: %w", algo, qerrors.ErrUnknownAlgorithm)
}

// Sign signs data with the named algorithm and returns the wire encoded
// signature blob.
func Sign(rand io.Reader, signer ssh.Signer, algo string, data []byte) ([]byte, error) {
	if rand == nil {
		rand = Reader
	}

	var (
		sig *ssh.Signature
		err error
	)
	if as, ok := signer.(ssh.AlgorithmSigner); ok && algo != signer.PublicKey().Type() {
		sig, err = as.SignWithAlgorithm(rand, data, algo)
	} else {
		sig, err = signer.Sign(rand, data)
	}
	if err != nil {
		return nil, qerrors.NewCryptoError("Sign", err)
	}
	if sig.Format != algo {
		return nil, qerrors.NewCryptoError("Sign", fmt.Errorf("signer produced %q, want %q", sig.Format, algo))
	}
	return ssh.Marshal(sig), nil
}

// Verify checks a wire encoded signature blob made with algo over data.
func Verify(pub ssh.PublicKey, algo string, data, blob []byte) error {
	var sig ssh.Signature
	if err := ssh.Unmarshal(blob, &sig); err != nil {
		return qerrors.NewCryptoError("Verify", err)
	}
	if sig.Format != algo {
		return qerrors.NewCryptoError("Verify", fmt.Errorf("signature format %q, want %q", sig.Format, algo))
	}
	if KeyTypeForAlgorithm(algo) != pub.Type() {
		return qerrors.NewCryptoError("Verify", fmt.Errorf("key type %q cannot verify %q", pub.Type(), algo))
	}
	if err := pub.Verify(data, &sig); err != nil {
		return qerrors.NewCryptoError("Verify", err)
	}
	return nil
}

// Fingerprint returns the SHA256 fingerprint of a public key.
func Fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pub)
}
