package chat

import "github.com/andy6609/chatrelay/internal/wire"

type EventType int

const (
	EventAttach EventType = iota
	EventRegister
	EventUnregister
	EventInbound
	EventMalformed
)

func (t EventType) String() string {
	switch t {
	case EventAttach:
		return "attach"
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	case EventInbound:
		return "inbound"
	case EventMalformed:
		return "malformed"
	}
	return "unknown"
}

// Event is what a session submits to the router.
type Event struct {
	Type      EventType
	Session   *Session
	Payload   wire.ChatEvent
	Err       error
	ReplyChan chan error // used by register to ack success/failure
}

var (
	ErrNameInvalid      = errorString("name_invalid")
	ErrAlreadyBound     = errorString("session_already_bound")
	ErrUnknownRecipient = errorString("unknown_recipient")
	ErrRouterStopped    = errorString("router_stopped")
	ErrMessageTooLong   = errorString("message_too_long")
	ErrBadHandshake     = errorString("bad_handshake")
)

type errorString string

func (e errorString) Error() string { return string(e) }
