package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
)

// MAC authenticates one direction of the packet stream. The tag covers the
// packet sequence number followed by the unencrypted packet.
type MAC interface {
	Size() int
	Generate(seq uint32, data []byte) []byte
	Verify(seq uint32, data, mac []byte) bool
}

// MACSpec describes a MAC by its key size and constructor.
type MACSpec struct {
	KeySize int
	New     func(key []byte) MAC
}

// MAC names shipped in DefaultRegistry.
const (
	MACHMACSHA256 = "hmac-sha2-256"
	MACHMACSHA512 = "hmac-sha2-512"
	MACHMACSHA1   = "hmac-sha1"
	MACNone       = "none"
)

type hmacMAC struct {
	h   hash.Hash
	seq [4]byte
}

func (m *hmacMAC) Size() int { return m.h.Size() }

func (m *hmacMAC) Generate(seq uint32, data []byte) []byte {
	m.h.Reset()
	binary.BigEndian.PutUint32(m.seq[:], seq)
	m.h.Write(m.seq[:])
	m.h.Write(data)
	return m.h.Sum(nil)
}

func (m *hmacMAC) Verify(seq uint32, data, mac []byte) bool {
	return hmac.Equal(m.Generate(seq, data), mac)
}

func hmacSpec(newHash func() hash.Hash, keySize int) MACSpec {
	return MACSpec{
		KeySize: keySize,
		New: func(key []byte) MAC {
			return &hmacMAC{h: hmac.New(newHash, key[:keySize])}
		},
	}
}

type noneMAC struct{}

func (noneMAC) Size() int { return 0 }

func (noneMAC) Generate(uint32, []byte) []byte { return nil }

func (noneMAC) Verify(_ uint32, _, mac []byte) bool { return len(mac) == 0 }

func defaultMACs() map[string]MACSpec {
	return map[string]MACSpec{
		MACHMACSHA256: hmacSpec(sha256.New, sha256.Size),
		MACHMACSHA512: hmacSpec(sha512.New, sha512.Size),
		MACHMACSHA1:   hmacSpec(sha1.New, sha1.Size),
		MACNone: {
			New: func([]byte) MAC { return noneMAC{} },
		},
	}
}
