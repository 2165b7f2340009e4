package http1

import (
	"errors"
	"fmt"
)

// ErrMalformedChunk is returned for chunked bodies that break the grammar.
var ErrMalformedChunk = errors.New("malformed chunked encoding")

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkExt
	chunkSizeLF
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailerStart
	chunkTrailerLine
	chunkEndLF
)

// maxChunkDigits keeps the chunk size within int64.
const maxChunkDigits = 15

// BodyScanner finds where a message body ends while the raw bytes are
// forwarded unchanged, chunk framing included.
type BodyScanner struct {
	kind      BodyKind
	remaining int64
	state     chunkState
	digits    int
	done      bool
}

// NewBodyScanner starts tracking a body with the given framing.
func NewBodyScanner(f Framing) BodyScanner {
	s := BodyScanner{kind: f.Kind, remaining: f.Length}
	if f.Kind == BodyNone || (f.Kind == BodyLength && f.Length <= 0) {
		s.done = true
	}
	return s
}

// Kind returns the framing being tracked.
func (s *BodyScanner) Kind() BodyKind { return s.kind }

// Done reports whether the end of the body has been seen.
func (s *BodyScanner) Done() bool { return s.done }

// Remaining is the number of bytes still expected for a length-delimited
// body.
func (s *BodyScanner) Remaining() int64 { return s.remaining }

// Scan consumes the prefix of p that belongs to the body and reports
// whether the body ended within it. Bytes after the end are left alone.
func (s *BodyScanner) Scan(p []byte) (n int, done bool, err error) {
	if s.done {
		return 0, true, nil
	}
	switch s.kind {
	case BodyLength:
		n = len(p)
		if int64(n) > s.remaining {
			n = int(s.remaining)
		}
		s.remaining -= int64(n)
		s.done = s.remaining == 0
		return n, s.done, nil
	case BodyUntilClose:
		return len(p), false, nil
	case BodyChunked:
		return s.scanChunked(p)
	}
	s.done = true
	return 0, true, nil
}

func (s *BodyScanner) scanChunked(p []byte) (int, bool, error) {
	i := 0
	for i < len(p) && !s.done {
		c := p[i]
		switch s.state {
		case chunkSize:
			switch {
			case hexValue(c) >= 0:
				if s.digits == maxChunkDigits {
					return i, false, fmt.Errorf("%w: chunk size too large", ErrMalformedChunk)
				}
				s.remaining = s.remaining<<4 | int64(hexValue(c))
				s.digits++
			case c == ';' || c == ' ' || c == '\t':
				if s.digits == 0 {
					return i, false, fmt.Errorf("%w: missing chunk size", ErrMalformedChunk)
				}
				s.state = chunkExt
			case c == '\r':
				s.state = chunkSizeLF
			case c == '\n':
				if err := s.endSizeLine(); err != nil {
					return i, false, err
				}
			default:
				return i, false, fmt.Errorf("%w: invalid byte %q in chunk size", ErrMalformedChunk, c)
			}
			i++
		case chunkExt:
			switch c {
			case '\r':
				s.state = chunkSizeLF
			case '\n':
				if err := s.endSizeLine(); err != nil {
					return i, false, err
				}
			}
			i++
		case chunkSizeLF:
			if c != '\n' {
				return i, false, fmt.Errorf("%w: expected LF after chunk size", ErrMalformedChunk)
			}
			if err := s.endSizeLine(); err != nil {
				return i, false, err
			}
			i++
		case chunkData:
			take := len(p) - i
			if int64(take) > s.remaining {
				take = int(s.remaining)
			}
			s.remaining -= int64(take)
			i += take
			if s.remaining == 0 {
				s.state = chunkDataCR
			}
		case chunkDataCR:
			switch c {
			case '\r':
				s.state = chunkDataLF
			case '\n':
				s.nextChunk()
			default:
				return i, false, fmt.Errorf("%w: chunk data longer than its size", ErrMalformedChunk)
			}
			i++
		case chunkDataLF:
			if c != '\n' {
				return i, false, fmt.Errorf("%w: expected LF after chunk data", ErrMalformedChunk)
			}
			s.nextChunk()
			i++
		case chunkTrailerStart:
			switch c {
			case '\r':
				s.state = chunkEndLF
			case '\n':
				s.done = true
			default:
				s.state = chunkTrailerLine
			}
			i++
		case chunkTrailerLine:
			if c == '\n' {
				s.state = chunkTrailerStart
			}
			i++
		case chunkEndLF:
			if c != '\n' {
				return i, false, fmt.Errorf("%w: expected LF after trailers", ErrMalformedChunk)
			}
			s.done = true
			i++
		}
	}
	return i, s.done, nil
}

func (s *BodyScanner) endSizeLine() error {
	if s.digits == 0 {
		return fmt.Errorf("%w: missing chunk size", ErrMalformedChunk)
	}
	if s.remaining == 0 {
		s.state = chunkTrailerStart
	} else {
		s.state = chunkData
	}
	return nil
}

func (s *BodyScanner) nextChunk() {
	s.state = chunkSize
	s.digits = 0
	s.remaining = 0
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
