package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Power-on self-test vectors. The AES vectors are the FIPS-197 appendix C
// examples; in CTR mode with a zero plaintext the first output block is
// the encrypted counter, and in CBC mode with a zero IV it is the
// encrypted plaintext.
var (
	postKDFSecret, _   = hex.DecodeString("000000012a")
	postKDFHash, _     = hex.DecodeString("0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	postKDFExpected, _ = hex.DecodeString("1c3fc1755d373c4035637b9cdd9d09382e108aa3e1400e38323136f31f06aba809403efc8e0d4e91efede0eed6c9c927")

	postMACKey         = bytes.Repeat([]byte{0x0b}, 32)
	postMACData        = []byte("sshcore self-test")
	postMACSeq         = uint32(7)
	postMACExpected, _ = hex.DecodeString("c641816fb00a2670105fee3ba1c6df67438a4e9b5261ce101dc50cc90b6b9743")

	postAES128Key, _  = hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	postAES256Key, _  = hex.DecodeString("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	postAESBlock, _   = hex.DecodeString("00112233445566778899aabbccddeeff")
	postAES128Want, _ = hex.DecodeString("69c4e0d86a7b0430d8cdb78070b4c55a")
	postAES256Want, _ = hex.DecodeString("8ea2b7ca516745bfeafc49904b496089")
)

// POSTResult holds the outcome of the power-on self-tests.
type POSTResult struct {
	Passed       bool
	KDFPassed    bool
	MACPassed    bool
	CipherPassed bool
	SignPassed   bool
	Errors       []string
}

var (
	postResult     *POSTResult
	postResultOnce sync.Once
)

// RunPOST runs the self-tests once and returns the cached result. In FIPS
// mode a failure panics.
func RunPOST() *POSTResult {
	postResultOnce.Do(func() {
		r := &POSTResult{Passed: true}
		check := func(name string, ok *bool, err error) {
			*ok = err == nil
			if err != nil {
				r.Passed = false
				r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", name, err))
			}
		}
		check("kdf", &r.KDFPassed, postKDF())
		check("hmac-sha2-256", &r.MACPassed, postMAC())
		check("aes", &r.CipherPassed, postCiphers())
		check("ssh-ed25519", &r.SignPassed, postSign())
		postResult = r

		if FIPSMode() && !r.Passed {
			panic(fmt.Sprintf("crypto self-test failed: %v", r.Errors))
		}
	})
	return postResult
}

// POSTPassed reports whether the self-tests have run and passed.
func POSTPassed() bool {
	return postResult != nil && postResult.Passed
}

func postKDF() error {
	out, err := DeriveKey(stdcrypto.SHA256, postKDFSecret, postKDFHash, LetterIVClientToServer, postKDFHash, len(postKDFExpected))
	if err != nil {
		return err
	}
	if !bytes.Equal(out, postKDFExpected) {
		return fmt.Errorf("got %x, want %x", out, postKDFExpected)
	}
	return nil
}

func postMAC() error {
	spec := defaultMACs()[MACHMACSHA256]
	m := spec.New(postMACKey)
	tag := m.Generate(postMACSeq, postMACData)
	if !bytes.Equal(tag, postMACExpected) {
		return fmt.Errorf("got %x, want %x", tag, postMACExpected)
	}
	if m.Verify(postMACSeq+1, postMACData, tag) {
		return fmt.Errorf("tag verified under the wrong sequence number")
	}
	return nil
}

func postCiphers() error {
	zeroIV := make([]byte, 16)
	vectors := []struct {
		name    string
		spec    CipherSpec
		key, iv []byte
		in      []byte
		want    []byte
	}{
		{CipherAES128CTR, aesCTRSpec(16), postAES128Key, postAESBlock, make([]byte, 16), postAES128Want},
		{CipherAES256CTR, aesCTRSpec(32), postAES256Key, postAESBlock, make([]byte, 16), postAES256Want},
		{CipherAES256CBC, aesCBCSpec(32), postAES256Key, zeroIV, postAESBlock, postAES256Want},
	}
	for _, v := range vectors {
		enc, err := v.spec.New(v.key, v.iv, true)
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		out := make([]byte, len(v.in))
		enc.Transform(out, v.in)
		if !bytes.Equal(out, v.want) {
			return fmt.Errorf("%s: got %x, want %x", v.name, out, v.want)
		}

		dec, err := v.spec.New(v.key, v.iv, false)
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		back := make([]byte, len(out))
		dec.Transform(back, out)
		if !bytes.Equal(back, v.in) {
			return fmt.Errorf("%s: decryption mismatch", v.name)
		}
	}
	return nil
}

// postSign is a pairwise consistency test on a fresh host key.
func postSign() error {
	_, priv, err := ed25519.GenerateKey(Reader)
	if err != nil {
		return err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return err
	}
	blob, err := Sign(Reader, signer, ssh.KeyAlgoED25519, postMACData)
	if err != nil {
		return err
	}
	if err := Verify(signer.PublicKey(), ssh.KeyAlgoED25519, postMACData, blob); err != nil {
		return err
	}
	if Verify(signer.PublicKey(), ssh.KeyAlgoED25519, postKDFHash, blob) == nil {
		return fmt.Errorf("signature verified over different data")
	}
	return nil
}

func init() {
	RunPOST()
}
