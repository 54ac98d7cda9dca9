package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// Cipher encrypts or decrypts one direction of the packet stream.
// Transform may be called with any multiple of BlockSize bytes and keeps
// its chaining state between calls.
type Cipher interface {
	BlockSize() int
	Transform(dst, src []byte)
}

// CipherSpec describes a cipher by its key material sizes and constructor.
type CipherSpec struct {
	KeySize   int
	IVSize    int
	BlockSize int
	New       func(key, iv []byte, encrypt bool) (Cipher, error)
}

// Cipher names shipped in DefaultRegistry.
const (
	CipherAES128CTR = "aes128-ctr"
	CipherAES192CTR = "aes192-ctr"
	CipherAES256CTR = "aes256-ctr"
	CipherAES128CBC = "aes128-cbc"
	CipherAES256CBC = "aes256-cbc"
	CipherNone      = "none"
)

type streamCipher struct {
	stream cipher.Stream
}

func (c *streamCipher) BlockSize() int { return aes.BlockSize }

func (c *streamCipher) Transform(dst, src []byte) {
	c.stream.XORKeyStream(dst, src)
}

func aesCTRSpec(keySize int) CipherSpec {
	return CipherSpec{
		KeySize:   keySize,
		IVSize:    aes.BlockSize,
		BlockSize: aes.BlockSize,
		New: func(key, iv []byte, _ bool) (Cipher, error) {
			block, err := aes.NewCipher(key[:keySize])
			if err != nil {
				return nil, qerrors.NewCryptoError("aes-ctr", err)
			}
			return &streamCipher{stream: cipher.NewCTR(block, iv[:aes.BlockSize])}, nil
		},
	}
}

type blockModeCipher struct {
	mode cipher.BlockMode
}

func (c *blockModeCipher) BlockSize() int { return c.mode.BlockSize() }

func (c *blockModeCipher) Transform(dst, src []byte) {
	c.mode.CryptBlocks(dst, src)
}

func aesCBCSpec(keySize int) CipherSpec {
	return CipherSpec{
		KeySize:   keySize,
		IVSize:    aes.BlockSize,
		BlockSize: aes.BlockSize,
		New: func(key, iv []byte, encrypt bool) (Cipher, error) {
			block, err := aes.NewCipher(key[:keySize])
			if err != nil {
				return nil, qerrors.NewCryptoError("aes-cbc", err)
			}
			if encrypt {
				return &blockModeCipher{mode: cipher.NewCBCEncrypter(block, iv[:aes.BlockSize])}, nil
			}
			return &blockModeCipher{mode: cipher.NewCBCDecrypter(block, iv[:aes.BlockSize])}, nil
		},
	}
}

// noneCipher is the identity transform used before the first key exchange.
type noneCipher struct{}

func (noneCipher) BlockSize() int { return constants.DefaultBlockSize }

func (noneCipher) Transform(dst, src []byte) {
	copy(dst, src)
}

func noneCipherSpec() CipherSpec {
	return CipherSpec{
		BlockSize: constants.DefaultBlockSize,
		New: func(_, _ []byte, _ bool) (Cipher, error) {
			return noneCipher{}, nil
		},
	}
}

// NoneCipher returns the identity cipher.
func NoneCipher() Cipher {
	return noneCipher{}
}

func checkMaterial(name string, got, want int) error {
	if got < want {
		return qerrors.NewCryptoError(name, fmt.Errorf("need %d bytes of key material, got %d", want, got))
	}
	return nil
}
