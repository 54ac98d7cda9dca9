package transport

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/version"
)

// DefaultHostKeyAlgorithms is the client's server_host_key_algorithms
// preference when Config.HostKeyAlgorithms is empty.
var DefaultHostKeyAlgorithms = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoRSASHA512,
	ssh.KeyAlgoRSASHA256,
}

// Config holds the settings of one transport. The zero value is usable
// for a client once HostKeyCallback is set; a server needs HostKeys.
type Config struct {
	// Algorithm preference lists. Empty lists take every algorithm of the
	// registries in registration order.
	KeyExchanges      []string
	Ciphers           []string
	MACs              []string
	Compressions      []string
	HostKeyAlgorithms []string

	// Registries default to crypto.DefaultRegistry and kex.DefaultRegistry.
	CryptoRegistry *crypto.Registry
	KexRegistry    *kex.Registry

	// HostKeys sign the exchange hash on the server side.
	HostKeys []ssh.Signer

	// HostKeyCallback accepts or rejects the server host key on the
	// client side. It is called after the signature has been verified.
	// knownhosts.New returns a suitable callback.
	HostKeyCallback ssh.HostKeyCallback
	// HostName is passed to HostKeyCallback. Dial sets it to the address.
	HostName string

	// RekeyInterval and RekeyBytes trigger a new key exchange. Use
	// SetRekeyInterval and SetRekeyBytes to have the floors checked early.
	RekeyInterval time.Duration
	RekeyBytes    uint64

	// HandshakeTimeout bounds the identification exchange and first
	// key exchange. Zero means constants.DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Software is the softwareversion part of the identification string.
	Software string

	// Rand defaults to crypto/rand.
	Rand io.Reader

	Logger   *metrics.Logger
	Observer Observer
}

// DefaultConfig returns a configuration with the default registries and
// rekey limits.
func DefaultConfig() Config {
	return Config{
		CryptoRegistry:   crypto.DefaultRegistry(),
		KexRegistry:      kex.DefaultRegistry(),
		RekeyInterval:    constants.DefaultRekeyInterval,
		RekeyBytes:       constants.DefaultRekeyBytes,
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
		Software:         version.Software(),
	}
}

// SetRekeyInterval sets the time between key exchanges.
func (c *Config) SetRekeyInterval(d time.Duration) error {
	if d < constants.MinRekeyInterval {
		return fmt.Errorf("%w: %v < %v", qerrors.ErrRekeyIntervalTooShort, d, constants.MinRekeyInterval)
	}
	c.RekeyInterval = d
	return nil
}

// SetRekeyBytes sets the transfer volume between key exchanges.
func (c *Config) SetRekeyBytes(n uint64) error {
	if n < constants.MinRekeyBytes {
		return fmt.Errorf("%w: %d < %d", qerrors.ErrRekeyBytesTooSmall, n, constants.MinRekeyBytes)
	}
	c.RekeyBytes = n
	return nil
}

// Validate checks the configuration for the given role.
func (c *Config) Validate(role kex.Role) error {
	if c.RekeyInterval != 0 && c.RekeyInterval < constants.MinRekeyInterval {
		return fmt.Errorf("%w: %v", qerrors.ErrRekeyIntervalTooShort, c.RekeyInterval)
	}
	if c.RekeyBytes != 0 && c.RekeyBytes < constants.MinRekeyBytes {
		return fmt.Errorf("%w: %d", qerrors.ErrRekeyBytesTooSmall, c.RekeyBytes)
	}
	switch role {
	case kex.RoleServer:
		if len(c.HostKeys) == 0 {
			return fmt.Errorf("%w: server needs at least one host key", qerrors.ErrInvalidConfig)
		}
	case kex.RoleClient:
		if c.HostKeyCallback == nil {
			return fmt.Errorf("%w: client needs a host key callback", qerrors.ErrInvalidConfig)
		}
	}

	cfg := c.withDefaults(role)
	for _, name := range cfg.KeyExchanges {
		if _, err := cfg.KexRegistry.Get(name); err != nil {
			return fmt.Errorf("%w: %v", qerrors.ErrInvalidConfig, err)
		}
	}
	for _, name := range cfg.Ciphers {
		if _, ok := cfg.CryptoRegistry.Cipher(name); !ok {
			return fmt.Errorf("%w: unknown cipher %q", qerrors.ErrInvalidConfig, name)
		}
	}
	for _, name := range cfg.MACs {
		if _, ok := cfg.CryptoRegistry.MAC(name); !ok {
			return fmt.Errorf("%w: unknown mac %q", qerrors.ErrInvalidConfig, name)
		}
	}
	for _, name := range cfg.Compressions {
		if _, ok := cfg.CryptoRegistry.Compression(name); !ok {
			return fmt.Errorf("%w: unknown compression %q", qerrors.ErrInvalidConfig, name)
		}
	}
	if len(cfg.HostKeyAlgorithms) == 0 {
		return fmt.Errorf("%w: no host key algorithms", qerrors.ErrInvalidConfig)
	}
	return nil
}

// withDefaults returns a copy with every unset field filled in.
func (c *Config) withDefaults(role kex.Role) Config {
	cfg := *c
	if cfg.CryptoRegistry == nil {
		cfg.CryptoRegistry = crypto.DefaultRegistry()
	}
	if cfg.KexRegistry == nil {
		cfg.KexRegistry = kex.DefaultRegistry()
	}
	if len(cfg.KeyExchanges) == 0 {
		cfg.KeyExchanges = cfg.KexRegistry.Names()
	}
	if len(cfg.Ciphers) == 0 {
		cfg.Ciphers = cfg.CryptoRegistry.CipherNames()
	}
	if len(cfg.MACs) == 0 {
		cfg.MACs = cfg.CryptoRegistry.MACNames()
	}
	if len(cfg.Compressions) == 0 {
		cfg.Compressions = cfg.CryptoRegistry.CompressionNames()
	}
	if len(cfg.HostKeyAlgorithms) == 0 {
		if role == kex.RoleServer {
			cfg.HostKeyAlgorithms = crypto.HostKeyAlgorithms(cfg.HostKeys)
		} else {
			cfg.HostKeyAlgorithms = DefaultHostKeyAlgorithms
		}
	}
	if cfg.RekeyInterval == 0 {
		cfg.RekeyInterval = constants.DefaultRekeyInterval
	}
	if cfg.RekeyBytes == 0 {
		cfg.RekeyBytes = constants.DefaultRekeyBytes
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if cfg.Software == "" {
		cfg.Software = version.Software()
	}
	if cfg.Rand == nil {
		cfg.Rand = crypto.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = metrics.GetLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return cfg
}
