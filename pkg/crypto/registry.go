package crypto

import (
	"fmt"
	"sync"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// Registry maps negotiated algorithm names to implementations. Each
// transport is handed a registry through its configuration; there is no
// package level table.
type Registry struct {
	mu           sync.RWMutex
	ciphers      map[string]CipherSpec
	cipherOrder  []string
	macs         map[string]MACSpec
	macOrder     []string
	compressions map[string]CompressionSpec
	compOrder    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ciphers:      make(map[string]CipherSpec),
		macs:         make(map[string]MACSpec),
		compressions: make(map[string]CompressionSpec),
	}
}

// DefaultRegistry returns a registry with the shipped algorithms in
// preference order. "none" entries are registered last and are only used
// if a configuration lists them explicitly.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCipher(CipherAES128CTR, aesCTRSpec(16))
	r.RegisterCipher(CipherAES192CTR, aesCTRSpec(24))
	r.RegisterCipher(CipherAES256CTR, aesCTRSpec(32))
	r.RegisterCipher(CipherAES128CBC, aesCBCSpec(16))
	r.RegisterCipher(CipherAES256CBC, aesCBCSpec(32))
	r.RegisterCipher(CipherNone, noneCipherSpec())

	macs := defaultMACs()
	for _, name := range []string{MACHMACSHA256, MACHMACSHA512, MACHMACSHA1, MACNone} {
		r.RegisterMAC(name, macs[name])
	}

	r.RegisterCompression(CompressionNone, CompressionSpec{New: NoneCompression})
	return r
}

// RegisterCipher adds or replaces a cipher.
func (r *Registry) RegisterCipher(name string, spec CipherSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ciphers[name]; !ok {
		r.cipherOrder = append(r.cipherOrder, name)
	}
	r.ciphers[name] = spec
}

// RegisterMAC adds or replaces a MAC.
func (r *Registry) RegisterMAC(name string, spec MACSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.macs[name]; !ok {
		r.macOrder = append(r.macOrder, name)
	}
	r.macs[name] = spec
}

// RegisterCompression adds or replaces a compression algorithm.
func (r *Registry) RegisterCompression(name string, spec CompressionSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.compressions[name]; !ok {
		r.compOrder = append(r.compOrder, name)
	}
	r.compressions[name] = spec
}

// Cipher looks up a cipher by name.
func (r *Registry) Cipher(name string) (CipherSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.ciphers[name]
	return spec, ok
}

// MAC looks up a MAC by name.
func (r *Registry) MAC(name string) (MACSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.macs[name]
	return spec, ok
}

// Compression looks up a compression algorithm by name.
func (r *Registry) Compression(name string) (CompressionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.compressions[name]
	return spec, ok
}

// CipherNames returns the registered ciphers in registration order, without "none".
func (r *Registry) CipherNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return withoutNone(r.cipherOrder)
}

// MACNames returns the registered MACs in registration order, without "none".
func (r *Registry) MACNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return withoutNone(r.macOrder)
}

// CompressionNames returns the registered compression algorithms.
func (r *Registry) CompressionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.compOrder...)
}

func withoutNone(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != CipherNone {
			out = append(out, n)
		}
	}
	return out
}

// SuiteNames are the negotiated algorithm names for one direction.
type SuiteNames struct {
	Cipher      string
	MAC         string
	Compression string
}

// KeyMaterial is the derived IV, encryption key and MAC key for one direction.
type KeyMaterial struct {
	IV     []byte
	Key    []byte
	MACKey []byte
}

// MaterialSizes is how many bytes of IV, key and MAC key a suite needs.
type MaterialSizes struct {
	IV     int
	Key    int
	MACKey int
}

// Suite is the set of algorithm instances protecting one direction.
type Suite struct {
	Names       SuiteNames
	Cipher      Cipher
	MAC         MAC
	Compression Compression
}

// NoneSuite returns the suite in effect before the first NEWKEYS.
func NoneSuite() *Suite {
	return &Suite{
		Names:       SuiteNames{Cipher: CipherNone, MAC: MACNone, Compression: CompressionNone},
		Cipher:      NoneCipher(),
		MAC:         noneMAC{},
		Compression: NoneCompression(),
	}
}

// Sizes reports the key material needed by the named suite.
func (r *Registry) Sizes(names SuiteNames) (MaterialSizes, error) {
	c, ok := r.Cipher(names.Cipher)
	if !ok {
		return MaterialSizes{}, fmt.Errorf("cipher %q: %w", names.Cipher, qerrors.ErrUnknownAlgorithm)
	}
	m, ok := r.MAC(names.MAC)
	if !ok {
		return MaterialSizes{}, fmt.Errorf("mac %q: %w", names.MAC, qerrors.ErrUnknownAlgorithm)
	}
	return MaterialSizes{IV: c.IVSize, Key: c.KeySize, MACKey: m.KeySize}, nil
}

// NewSuite instantiates the named algorithms with their key material.
// encrypt selects the sending side for ciphers whose two sides differ.
func (r *Registry) NewSuite(names SuiteNames, km KeyMaterial, encrypt bool) (*Suite, error) {
	cs, ok := r.Cipher(names.Cipher)
	if !ok {
		return nil, fmt.Errorf("cipher %q: %w", names.Cipher, qerrors.ErrUnknownAlgorithm)
	}
	ms, ok := r.MAC(names.MAC)
	if !ok {
		return nil, fmt.Errorf("mac %q: %w", names.MAC, qerrors.ErrUnknownAlgorithm)
	}
	comp, ok := r.Compression(names.Compression)
	if !ok {
		return nil, fmt.Errorf("compression %q: %w", names.Compression, qerrors.ErrUnknownAlgorithm)
	}

	if err := checkMaterial(names.Cipher+" key", len(km.Key), cs.KeySize); err != nil {
		return nil, err
	}
	if err := checkMaterial(names.Cipher+" iv", len(km.IV), cs.IVSize); err != nil {
		return nil, err
	}
	if err := checkMaterial(names.MAC+" key", len(km.MACKey), ms.KeySize); err != nil {
		return nil, err
	}

	c, err := cs.New(km.Key, km.IV, encrypt)
	if err != nil {
		return nil, err
	}

	return &Suite{
		Names:       names,
		Cipher:      c,
		MAC:         ms.New(km.MACKey),
		Compression: comp.New(),
	}, nil
}
