package protocol

import (
	"errors"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

var (
	// ErrHelloIncomplete means more bytes are needed to see the whole
	// ClientHello.
	ErrHelloIncomplete = errors.New("incomplete ClientHello")
	// ErrNotTLS means the stream does not start with a TLS handshake.
	ErrNotTLS = errors.New("not a TLS handshake")
	// ErrMalformedHello means the ClientHello does not parse.
	ErrMalformedHello = errors.New("malformed ClientHello")
)

const (
	recordTypeHandshake      = 22
	handshakeTypeClientHello = 1
	recordHeaderLen          = 5

	extServerName = 0
	extALPN       = 16
)

// ClientHello holds what routing needs from a TLS ClientHello.
type ClientHello struct {
	ServerName string
	ALPN       []string
}

// ParseClientHello reads the ClientHello at the start of a TLS stream. The
// message may span several handshake records.
func ParseClientHello(p []byte) (*ClientHello, error) {
	var msg []byte
	for {
		if len(p) < recordHeaderLen {
			return nil, ErrHelloIncomplete
		}
		if p[0] != recordTypeHandshake || p[1] != 3 {
			return nil, ErrNotTLS
		}
		n := int(p[3])<<8 | int(p[4])
		if n == 0 {
			return nil, ErrMalformedHello
		}
		if len(p) < recordHeaderLen+n {
			return nil, ErrHelloIncomplete
		}
		msg = append(msg, p[recordHeaderLen:recordHeaderLen+n]...)
		p = p[recordHeaderLen+n:]

		if len(msg) < 4 {
			continue
		}
		if msg[0] != handshakeTypeClientHello {
			return nil, ErrNotTLS
		}
		bodyLen := int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3])
		if len(msg) >= 4+bodyLen {
			return parseHelloBody(msg[4 : 4+bodyLen])
		}
	}
}

func parseHelloBody(body []byte) (*ClientHello, error) {
	s := cryptobyte.String(body)
	var version uint16
	var random, sessionID, suites, compression cryptobyte.String
	if !s.ReadUint16(&version) ||
		!s.ReadBytes((*[]byte)(&random), 32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return nil, ErrMalformedHello
	}
	hello := &ClientHello{}
	if s.Empty() {
		return hello, nil
	}
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) || !s.Empty() {
		return nil, ErrMalformedHello
	}
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, ErrMalformedHello
		}
		switch typ {
		case extServerName:
			var names cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&names) {
				return nil, ErrMalformedHello
			}
			for !names.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
					return nil, ErrMalformedHello
				}
				if nameType == 0 && hello.ServerName == "" {
					hello.ServerName = strings.TrimSuffix(strings.ToLower(string(name)), ".")
				}
			}
		case extALPN:
			var protos cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&protos) {
				return nil, ErrMalformedHello
			}
			for !protos.Empty() {
				var proto cryptobyte.String
				if !protos.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
					return nil, ErrMalformedHello
				}
				hello.ALPN = append(hello.ALPN, string(proto))
			}
		}
	}
	return hello, nil
}
