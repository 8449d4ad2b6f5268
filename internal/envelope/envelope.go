// Package envelope defines the Mail delivery request and the binary wire
// format used between the relay client and the daemon.
package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Terminal signal tokens: the daemon writes exactly one of these back on
// the IPC connection before closing it.
const (
	SignalOK    = "OK"
	SignalError = "ERROR"
)

// LegacySeparator is the end-of-recipients sentinel some legacy callers
// still pass as a recipient; it is filtered out before RCPT TO is issued.
const LegacySeparator = "--"

// magic identifies an encoded Mail on the wire.
var magic = []byte("RELAYM")

const (
	versionMajor = 1
	versionMinor = 0
)

// Decode errors. Version checking is exact; a message produced by any other
// codec version is rejected rather than interpreted.
var (
	ErrBadMagic    = errors.New("envelope: bad magic number")
	ErrBadVersion  = errors.New("envelope: unsupported version")
	ErrInvalidUTF8 = errors.New("envelope: invalid UTF-8")
	ErrTruncated   = errors.New("envelope: truncated message")
)

// Mail is one delivery request. Account is the target account label, or
// empty to use the configured default. Recipients keep their order; it is
// the order RCPT TO is issued. Body is the raw message, forwarded verbatim
// and never parsed here.
type Mail struct {
	Account    string
	Recipients []string
	Body       []byte
}

// Encode serializes m. Layout, big-endian throughout:
//
//	6 bytes  magic
//	1 byte   major version, 1 byte minor version
//	1 byte   account length L (0 = no account), L bytes account
//	repeated 1 byte recipient length (1-255), N bytes recipient
//	1 byte   zero, terminating the recipient list
//	8 bytes  body length
//	N bytes  body
func (m *Mail) Encode() []byte {
	size := len(magic) + 2 + 1 + len(m.Account) + 1 + 8 + len(m.Body)
	for _, r := range m.Recipients {
		size += 1 + len(r)
	}

	sink := make([]byte, 0, size)
	sink = append(sink, magic...)
	sink = append(sink, versionMajor, versionMinor)

	sink = append(sink, byte(len(m.Account)))
	sink = append(sink, m.Account...)

	for _, r := range m.Recipients {
		sink = append(sink, byte(len(r)))
		sink = append(sink, r...)
	}
	sink = append(sink, 0)

	sink = binary.BigEndian.AppendUint64(sink, uint64(len(m.Body)))
	sink = append(sink, m.Body...)
	return sink
}

// Decode parses an encoded Mail. It is the left inverse of Encode. The
// whole structure is walked once against the buffer length before any field
// is materialized, so malformed input fails fast with ErrTruncated instead
// of leaving a half-built Mail.
func Decode(buf []byte) (*Mail, error) {
	if len(buf) < len(magic) {
		return nil, ErrTruncated
	}
	if !bytes.Equal(buf[:len(magic)], magic) {
		return nil, ErrBadMagic
	}
	rest := buf[len(magic):]

	if len(rest) < 2 {
		return nil, ErrTruncated
	}
	if rest[0] != versionMajor || rest[1] != versionMinor {
		return nil, fmt.Errorf("%w: %d.%d", ErrBadVersion, rest[0], rest[1])
	}
	rest = rest[2:]

	if err := scan(rest); err != nil {
		return nil, err
	}

	m := &Mail{}
	off := 0

	if n := int(rest[off]); n > 0 {
		account := rest[off+1 : off+1+n]
		if !utf8.Valid(account) {
			return nil, fmt.Errorf("%w: account name", ErrInvalidUTF8)
		}
		m.Account = string(account)
		off += 1 + n
	} else {
		off++
	}

	for {
		n := int(rest[off])
		off++
		if n == 0 {
			break
		}
		recipient := rest[off : off+n]
		if !utf8.Valid(recipient) {
			return nil, fmt.Errorf("%w: recipient", ErrInvalidUTF8)
		}
		m.Recipients = append(m.Recipients, string(recipient))
		off += n
	}

	bodyLen := binary.BigEndian.Uint64(rest[off : off+8])
	off += 8
	// make+copy rather than append: an empty body must decode to an empty
	// slice, not nil, so decoding stays the exact inverse of encoding.
	m.Body = make([]byte, bodyLen)
	copy(m.Body, rest[off:off+int(bodyLen)])
	return m, nil
}

// scan walks the length-prefixed structure after the version bytes, without
// materializing anything, and reports ErrTruncated if any declared length
// runs past the end of the buffer.
func scan(b []byte) error {
	off := 0

	// Account.
	if off >= len(b) {
		return ErrTruncated
	}
	off += 1 + int(b[off])

	// Recipients, until the zero terminator.
	for {
		if off >= len(b) {
			return ErrTruncated
		}
		n := int(b[off])
		off++
		if n == 0 {
			break
		}
		off += n
	}

	// Body length field plus the body itself.
	if off+8 > len(b) {
		return ErrTruncated
	}
	bodyLen := binary.BigEndian.Uint64(b[off:])
	off += 8
	if uint64(len(b)-off) < bodyLen {
		return ErrTruncated
	}
	return nil
}
