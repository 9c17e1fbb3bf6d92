package history

import "github.com/andy6609/chatrelay/internal/wire"

// Log is the unbounded append-only event log. Append assigns the event's
// position (starting at 1) and Since returns every event after a position.
type Log interface {
	Append(e wire.ChatEvent) (uint64, error)
	Since(seq uint64) ([]wire.ChatEvent, error)
	Len() int
}

// MemoryLog keeps the log in a slice.
type MemoryLog struct {
	events []wire.ChatEvent
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(e wire.ChatEvent) (uint64, error) {
	e.Seq = uint64(len(l.events)) + 1
	l.events = append(l.events, e)
	return e.Seq, nil
}

func (l *MemoryLog) Since(seq uint64) ([]wire.ChatEvent, error) {
	if seq >= uint64(len(l.events)) {
		return nil, nil
	}
	out := make([]wire.ChatEvent, len(l.events)-int(seq))
	copy(out, l.events[seq:])
	return out, nil
}

func (l *MemoryLog) Len() int { return len(l.events) }
