package crypto

// Compression is applied to payloads before MAC and encryption.
type Compression interface {
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// CompressionSpec describes a compression algorithm.
type CompressionSpec struct {
	New func() Compression
}

// CompressionNone is the only compression shipped in DefaultRegistry.
const CompressionNone = "none"

type noneCompression struct{}

func (noneCompression) Compress(payload []byte) ([]byte, error) { return payload, nil }

func (noneCompression) Decompress(payload []byte) ([]byte, error) { return payload, nil }

// NoneCompression returns the pass-through compression.
func NoneCompression() Compression {
	return noneCompression{}
}
