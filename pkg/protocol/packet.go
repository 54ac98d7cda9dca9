// packet.go implements the binary packet protocol (RFC 4253 section 6).
//
// Wire Format:
//
//	+---------------+-------------+---------+---------+-----+
//	| packet_length | padding_len | payload | padding | MAC |
//	| 4B BE         | 1B          | n1      | n2 >= 4 |  m  |
//	+---------------+-------------+---------+---------+-----+
//
// packet_length + 4 is a multiple of max(cipher block size, 8) and at
// least 16. The MAC covers the sequence number and the unencrypted packet;
// everything except the MAC is encrypted.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/crypto"
)

func effectiveBlockSize(c crypto.Cipher) int {
	return max(c.BlockSize(), constants.DefaultBlockSize)
}

// PaddingLength returns the padding needed for a payload of n bytes with
// the given block size.
func PaddingLength(n, blockSize int) int {
	unpadded := constants.PacketLengthSize + 1 + n
	pad := blockSize - unpadded%blockSize
	if pad < constants.MinPaddingLength {
		pad += blockSize
	}
	for unpadded+pad < constants.MinPacketLength {
		pad += blockSize
	}
	return pad
}

// PacketWriter frames outgoing payloads. It is not safe for concurrent
// use; the owner serializes writes.
type PacketWriter struct {
	w       io.Writer
	rand    io.Reader
	suite   *crypto.Suite
	seq     uint32
	bytes   uint64
	packets uint64
}

// NewPacketWriter returns a writer using no encryption. rand supplies the
// padding; nil means crypto/rand.
func NewPacketWriter(w io.Writer, rand io.Reader) *PacketWriter {
	return &PacketWriter{w: w, rand: rand, suite: crypto.NoneSuite()}
}

// SetSuite switches the algorithms used for the following packets.
func (pw *PacketWriter) SetSuite(s *crypto.Suite) { pw.suite = s }

// Suite returns the algorithms in effect.
func (pw *PacketWriter) Suite() *crypto.Suite { return pw.suite }

// Sequence returns the sequence number the next packet will carry.
func (pw *PacketWriter) Sequence() uint32 { return pw.seq }

// Bytes returns the number of bytes written so far.
func (pw *PacketWriter) Bytes() uint64 { return pw.bytes }

// Packets returns the number of packets written so far.
func (pw *PacketWriter) Packets() uint64 { return pw.packets }

// WritePacket frames and writes one payload, returning the sequence
// number it was sent with.
func (pw *PacketWriter) WritePacket(payload []byte) (uint32, error) {
	if len(payload) > constants.MaxPayloadLength {
		return 0, fmt.Errorf("%w: payload length %d", qerrors.ErrMessageTooLarge, len(payload))
	}
	data, err := pw.suite.Compression.Compress(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", qerrors.ErrCompression, err)
	}

	bs := effectiveBlockSize(pw.suite.Cipher)
	padLen := PaddingLength(len(data), bs)
	packetLen := 1 + len(data) + padLen
	if packetLen > constants.MaxPacketLength {
		return 0, fmt.Errorf("%w: packet length %d", qerrors.ErrMessageTooLarge, packetLen)
	}

	total := constants.PacketLengthSize + packetLen
	macSize := pw.suite.MAC.Size()
	buf := framePool.Get(total + macSize)
	defer framePool.Put(buf)

	binary.BigEndian.PutUint32(buf, uint32(packetLen))
	buf[4] = byte(padLen)
	copy(buf[5:], data)
	if err := crypto.ReadRandom(pw.rand, buf[5+len(data):total]); err != nil {
		return 0, err
	}

	seq := pw.seq
	plain := buf[:total]
	if macSize > 0 {
		copy(buf[total:], pw.suite.MAC.Generate(seq, plain))
	}
	pw.suite.Cipher.Transform(plain, plain)

	if _, err := pw.w.Write(buf); err != nil {
		return 0, err
	}

	pw.seq++
	pw.packets++
	pw.bytes += uint64(len(buf))
	return seq, nil
}

// PacketReader parses incoming packets. It is owned by a single reader.
type PacketReader struct {
	r       io.Reader
	suite   *crypto.Suite
	seq     uint32
	bytes   uint64
	packets uint64
	first   [64]byte
}

// NewPacketReader returns a reader using no encryption.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: r, suite: crypto.NoneSuite()}
}

// SetSuite switches the algorithms used for the following packets.
func (pr *PacketReader) SetSuite(s *crypto.Suite) { pr.suite = s }

// Suite returns the algorithms in effect.
func (pr *PacketReader) Suite() *crypto.Suite { return pr.suite }

// Sequence returns the sequence number the next packet is expected to carry.
func (pr *PacketReader) Sequence() uint32 { return pr.seq }

// Bytes returns the number of bytes read so far.
func (pr *PacketReader) Bytes() uint64 { return pr.bytes }

// Packets returns the number of packets read so far.
func (pr *PacketReader) Packets() uint64 { return pr.packets }

// ReadPacket reads one packet and returns its payload and sequence number.
// A connection closed between packets yields io.EOF, one closed mid-packet
// io.ErrUnexpectedEOF.
func (pr *PacketReader) ReadPacket() ([]byte, uint32, error) {
	bs := effectiveBlockSize(pr.suite.Cipher)
	first := pr.first[:bs]
	if _, err := io.ReadFull(pr.r, first); err != nil {
		return nil, 0, err
	}
	pr.suite.Cipher.Transform(first, first)

	length := binary.BigEndian.Uint32(first)
	if length > constants.MaxPacketLength {
		return nil, 0, fmt.Errorf("%w: packet length %d", qerrors.ErrMessageTooLarge, length)
	}
	total := int(length) + constants.PacketLengthSize
	if total < constants.MinPacketLength || total%bs != 0 {
		return nil, 0, fmt.Errorf("%w: packet length %d", qerrors.ErrInvalidPacket, length)
	}

	macSize := pr.suite.MAC.Size()
	buf := framePool.Get(total + macSize)
	defer framePool.Put(buf)

	copy(buf, first)
	if _, err := io.ReadFull(pr.r, buf[bs:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	rest := buf[bs:total]
	pr.suite.Cipher.Transform(rest, rest)

	seq := pr.seq
	if macSize > 0 && !pr.suite.MAC.Verify(seq, buf[:total], buf[total:]) {
		return nil, 0, fmt.Errorf("%w: sequence %d", qerrors.ErrMACMismatch, seq)
	}

	padLen := int(buf[4])
	if padLen < constants.MinPaddingLength || padLen+1 > int(length) {
		return nil, 0, fmt.Errorf("%w: padding length %d", qerrors.ErrInvalidPacket, padLen)
	}

	payload := make([]byte, int(length)-padLen-1)
	copy(payload, buf[5:])

	pr.seq++
	pr.packets++
	pr.bytes += uint64(len(buf))

	payload, err := pr.suite.Compression.Decompress(payload)
	if err != nil {
		return nil, seq, fmt.Errorf("%w: %v", qerrors.ErrCompression, err)
	}
	if len(payload) == 0 {
		return nil, seq, fmt.Errorf("%w: empty payload", qerrors.ErrInvalidPacket)
	}
	return payload, seq, nil
}
