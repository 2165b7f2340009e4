package command

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const headerLen = 4

// maxFdsPerMessage bounds the descriptors accepted with one read.
const maxFdsPerMessage = 64

// AppendFrame appends the framed JSON encoding of v to dst.
func AppendFrame(dst []byte, v any, maxSize int) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return dst, fmt.Errorf("failed to encode frame: %w", err)
	}
	if maxSize > 0 && len(body) > maxSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// WriteFrame writes one frame to a blocking writer.
func WriteFrame(w io.Writer, v any, maxSize int) error {
	frame, err := AppendFrame(nil, v, maxSize)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame from a blocking reader into v.
func ReadFrame(r io.Reader, v any, maxSize int) error {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint32(header[:]))
	if maxSize > 0 && n > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("truncated frame: %w", err)
	}
	return json.Unmarshal(body, v)
}

// Decoder splits a byte stream into frames incrementally.
type Decoder struct {
	buf     []byte
	maxSize int
}

func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Feed appends received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the body of the next complete frame, or nil when more bytes
// are needed. An oversized frame is an error the stream cannot recover
// from.
func (d *Decoder) Next() ([]byte, error) {
	if len(d.buf) < headerLen {
		return nil, nil
	}
	n := int(binary.BigEndian.Uint32(d.buf))
	if d.maxSize > 0 && n > d.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if len(d.buf) < headerLen+n {
		return nil, nil
	}
	body := d.buf[headerLen : headerLen+n : headerLen+n]
	d.buf = d.buf[headerLen+n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return body, nil
}

// Buffered is the number of bytes of incomplete frames held.
func (d *Decoder) Buffered() int { return len(d.buf) }
