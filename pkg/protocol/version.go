package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// Identification is a parsed identification line:
//
//	SSH-protoversion-softwareversion SP comments CR LF
type Identification struct {
	// Raw is the line without its terminator; it is what the exchange hash covers.
	Raw          string
	ProtoVersion string
	Software     string
	Comments     string
	// EOL is the terminator the peer used, "\r\n" or "\n".
	EOL string
}

// String returns the raw identification line.
func (id Identification) String() string { return id.Raw }

// LocalIdentification returns our identification line for a software version.
func LocalIdentification(software string) string {
	return "SSH-" + constants.ProtocolVersion + "-" + software
}

// WriteVersion writes an identification line terminated by CR LF.
func WriteVersion(w io.Writer, ident string) error {
	if len(ident)+2 > constants.MaxVersionLineLength {
		return fmt.Errorf("%w: identification too long", qerrors.ErrInvalidMessage)
	}
	_, err := io.WriteString(w, ident+"\r\n")
	return err
}

// ReadVersion reads lines until one starts with "SSH-" and parses it.
// Other lines are skipped, up to MaxPreVersionLines of them.
func ReadVersion(r *bufio.Reader) (Identification, error) {
	for i := 0; i <= constants.MaxPreVersionLines; i++ {
		line, eol, err := readLine(r)
		if err != nil {
			return Identification{}, err
		}
		if !strings.HasPrefix(line, "SSH-") {
			continue
		}
		return ParseIdentification(line, eol)
	}
	return Identification{}, fmt.Errorf("%w: no identification after %d lines",
		qerrors.ErrUnsupportedVersion, constants.MaxPreVersionLines)
}

// ParseIdentification parses a line without terminator. Only protocol
// versions 2.0 and 1.99 are accepted.
func ParseIdentification(line, eol string) (Identification, error) {
	id := Identification{Raw: line, EOL: eol}
	rest, ok := strings.CutPrefix(line, "SSH-")
	if !ok {
		return id, fmt.Errorf("%w: %q", qerrors.ErrUnsupportedVersion, line)
	}
	proto, software, ok := strings.Cut(rest, "-")
	if !ok || proto == "" {
		return id, fmt.Errorf("%w: %q", qerrors.ErrUnsupportedVersion, line)
	}
	id.ProtoVersion = proto
	id.Software, id.Comments, _ = strings.Cut(software, " ")

	if proto != constants.ProtocolVersion && proto != constants.CompatVersion {
		return id, fmt.Errorf("%w: %s", qerrors.ErrUnsupportedVersion, proto)
	}
	return id, nil
}

func readLine(r *bufio.Reader) (line, eol string, err error) {
	var b strings.Builder
	for b.Len() <= constants.MaxVersionLineLength {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", "", err
		}
		if c == '\n' {
			s := b.String()
			if strings.HasSuffix(s, "\r") {
				return s[:len(s)-1], "\r\n", nil
			}
			return s, "\n", nil
		}
		b.WriteByte(c)
	}
	return "", "", fmt.Errorf("%w: identification line too long", qerrors.ErrInvalidPacket)
}
