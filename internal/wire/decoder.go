package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder reassembles frames from arbitrary chunks of a byte stream.
// Feeding the same bytes with any chunking yields the same events.
type Decoder struct {
	buf []byte
	max int
	err error
}

func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{max: maxFrame}
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next yields the next complete event. ok is false when more input is
// needed. A payload error consumes its frame and decoding can continue;
// a frame error is sticky.
func (d *Decoder) Next() (e ChatEvent, ok bool, err error) {
	if d.err != nil {
		return ChatEvent{}, false, d.err
	}
	if len(d.buf) < HeaderSize {
		return ChatEvent{}, false, nil
	}
	size := binary.BigEndian.Uint32(d.buf)
	if uint64(size) > uint64(d.max) {
		d.err = &ProtocolError{Op: OpFrame, Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, d.max)}
		return ChatEvent{}, false, d.err
	}
	end := HeaderSize + int(size)
	if len(d.buf) < end {
		return ChatEvent{}, false, nil
	}
	body := d.buf[HeaderSize:end]
	e, err = Unmarshal(body)
	d.buf = append(d.buf[:0], d.buf[end:]...)
	if err != nil {
		return ChatEvent{}, false, err
	}
	return e, true, nil
}

// Reader pulls events from a stream through a Decoder.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
	err   error
}

func NewReader(r io.Reader, maxFrame int) *Reader {
	return &Reader{r: r, dec: NewDecoder(maxFrame), chunk: make([]byte, 4096)}
}

// Next blocks until an event, a protocol error or a read error is available.
// Events already buffered are returned before a read error.
func (r *Reader) Next() (ChatEvent, error) {
	for {
		e, ok, err := r.dec.Next()
		if err != nil {
			return ChatEvent{}, err
		}
		if ok {
			return e, nil
		}
		if r.err != nil {
			return ChatEvent{}, r.err
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
		}
		if err != nil {
			r.err = err
		}
	}
}
