package history

import (
	"encoding/binary"
	"fmt"

	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/dgraph-io/badger/v4"
)

var eventPrefix = []byte("evt:")

// BadgerLog stores the full log in BadgerDB under "evt:" + big-endian
// position, so key order is log order and replay is a single seek.
type BadgerLog struct {
	db   *badger.DB
	next uint64
}

// OpenInMemory opens a BadgerDB that lives only for the process lifetime.
func OpenInMemory() (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// NewBadgerLog continues numbering after the last stored event.
func NewBadgerLog(db *badger.DB) (*BadgerLog, error) {
	l := &BadgerLog{db: db, next: 1}
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(eventKey(^uint64(0)))
		if it.ValidForPrefix(eventPrefix) {
			l.next = binary.BigEndian.Uint64(it.Item().Key()[len(eventPrefix):]) + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan badger log: %w", err)
	}
	return l, nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

func (l *BadgerLog) Append(e wire.ChatEvent) (uint64, error) {
	e.Seq = l.next
	value, err := wire.Marshal(e)
	if err != nil {
		return 0, err
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(e.Seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("store event %d: %w", e.Seq, err)
	}
	l.next++
	return e.Seq, nil
}

func (l *BadgerLog) Since(seq uint64) ([]wire.ChatEvent, error) {
	var out []wire.ChatEvent
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(eventKey(seq + 1)); it.ValidForPrefix(eventPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := wire.Unmarshal(val)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read events after %d: %w", seq, err)
	}
	return out, nil
}

func (l *BadgerLog) Len() int { return int(l.next - 1) }
