package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	// HeaderSize is the width of the big-endian length prefix.
	HeaderSize = 4
	// DefaultMaxFrame bounds a single payload unless configured otherwise.
	DefaultMaxFrame = 64 << 10
	// MaxFrameLimit is the largest frame limit a server may be configured with.
	MaxFrameLimit = 16 << 20
)

var validate = validator.New()

type payload struct {
	Author     string   `json:"author" validate:"required,max=64"`
	Event      string   `json:"event" validate:"required,oneof=init message servermsg direct"`
	Content    string   `json:"content"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Seq        uint64   `json:"seq,omitempty"`
	DirectUser []string `json:"directUser,omitempty" validate:"max=2,dive,required"`
}

// Marshal renders e as a JSON payload without framing.
func Marshal(e ChatEvent) ([]byte, error) {
	p := payload{
		Author:    e.Author,
		Event:     e.Kind.String(),
		Content:   e.Content,
		Timestamp: e.Timestamp,
		Seq:       e.Seq,
	}
	if e.Kind == KindDirect {
		p.DirectUser = e.Recipients
	}
	return json.Marshal(p)
}

// Unmarshal parses and validates a single JSON payload.
func Unmarshal(data []byte) (ChatEvent, error) {
	if len(data) == 0 {
		return ChatEvent{}, &ProtocolError{Op: OpPayload, Err: ErrEmptyPayload}
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return ChatEvent{}, &ProtocolError{Op: OpPayload, Err: err}
	}
	if err := validate.Struct(p); err != nil {
		return ChatEvent{}, &ProtocolError{Op: OpPayload, Err: err}
	}
	kind, err := ParseKind(p.Event)
	if err != nil {
		return ChatEvent{}, &ProtocolError{Op: OpPayload, Err: err}
	}
	e := ChatEvent{
		Author:    p.Author,
		Kind:      kind,
		Content:   p.Content,
		Timestamp: p.Timestamp,
		Seq:       p.Seq,
	}
	if kind == KindDirect && len(p.DirectUser) > 0 {
		e.Recipients = p.DirectUser
	}
	return e, nil
}

// Encode returns e as one length-prefixed frame.
func Encode(e ChatEvent) ([]byte, error) {
	body, err := Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind, err)
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode parses exactly one complete frame.
func Decode(frame []byte) (ChatEvent, error) {
	d := NewDecoder(0)
	d.Feed(frame)
	e, ok, err := d.Next()
	if err != nil {
		return ChatEvent{}, err
	}
	if !ok {
		return ChatEvent{}, &ProtocolError{Op: OpFrame, Err: fmt.Errorf("incomplete frame (%d bytes)", len(frame))}
	}
	if d.Buffered() != 0 {
		return ChatEvent{}, &ProtocolError{Op: OpFrame, Err: fmt.Errorf("%d trailing bytes", d.Buffered())}
	}
	return e, nil
}
