// Package history keeps the two views over the relayed event stream: a
// bounded window of recent events and the complete log behind it.
package history

import (
	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/samber/lo"
)

const DefaultCapacity = 20

// Store is not safe for concurrent use; the chat router goroutine owns it.
type Store struct {
	recent *ring
	full   Log
}

func NewStore(capacity int, full Log) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if full == nil {
		full = NewMemoryLog()
	}
	return &Store{recent: newRing(capacity), full: full}
}

// Append writes e to the full log and then to the recent window, so the
// window is always a suffix of the log. The stored event carries its Seq.
func (s *Store) Append(e wire.ChatEvent) (wire.ChatEvent, error) {
	seq, err := s.full.Append(e)
	if err != nil {
		return e, err
	}
	e.Seq = seq
	s.recent.push(e)
	return e, nil
}

// SnapshotRecent returns the recent window as viewer may see it.
func (s *Store) SnapshotRecent(viewer string) []wire.ChatEvent {
	return visible(s.recent.snapshot(), viewer)
}

// SnapshotSince returns every logged event after cursor visible to viewer.
// A zero cursor replays the whole log.
func (s *Store) SnapshotSince(viewer string, cursor uint64) ([]wire.ChatEvent, error) {
	events, err := s.full.Since(cursor)
	if err != nil {
		return nil, err
	}
	return visible(events, viewer), nil
}

func (s *Store) RecentLen() int { return s.recent.len() }

func (s *Store) FullLen() int { return s.full.Len() }

func visible(events []wire.ChatEvent, viewer string) []wire.ChatEvent {
	return lo.Filter(events, func(e wire.ChatEvent, _ int) bool {
		return e.VisibleTo(viewer)
	})
}
