package audit

import (
	"fmt"
	"sync"
	"time"

	"threshold-voting/encryption"
)

// Log is an append-only chain of entries. Appends are serialised so no two
// entries can read the same master hash as their prev.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	master  string
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the source of entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// NewLog returns an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		entries: make([]Entry, 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FromRecord loads a persisted record. The record is taken as is; a broken
// chain is reported by Verify and never repaired here.
func FromRecord(rec Record, opts ...Option) *Log {
	l := NewLog(opts...)
	l.entries = cloneRecord(rec).Entries
	l.master = rec.MasterHash
	return l
}

// Append adds payload as the newest entry and returns it.
func (l *Log) Append(payload encryption.Payload) Entry {
	e, _ := l.AppendCommit(payload, nil)
	return e
}

// AppendCommit builds the next entry and hands the resulting record to commit
// while still holding the append lock. The log only advances when commit
// returns nil, so an entry handed back to the caller has been persisted.
func (l *Log) AppendCommit(payload encryption.Payload, commit func(Record) error) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := cloneEntry(Entry{
		Payload: payload,
		Prev:    l.master,
		Time:    Timestamp(l.now()),
	})
	e.Hash = HashEntry(e)

	if commit != nil {
		next := l.recordLocked()
		next.Entries = append(next.Entries, cloneEntry(e))
		next.MasterHash = e.Hash
		if err := commit(next); err != nil {
			return Entry{}, fmt.Errorf("audit: failed to commit entry: %w", err)
		}
	}

	l.entries = append(l.entries, e)
	l.master = e.Hash
	return cloneEntry(e), nil
}

// Snapshot returns a deep copy that later appends do not affect.
func (l *Log) Snapshot() Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recordLocked()
}

func (l *Log) recordLocked() Record {
	return cloneRecord(Record{Entries: l.entries, MasterHash: l.master})
}

// MasterHash is the hash of the newest entry, or empty for an empty log.
func (l *Log) MasterHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.master
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entry returns the entry at position i.
func (l *Log) Entry(i int) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i < 0 || i >= len(l.entries) {
		return Entry{}, false
	}
	return cloneEntry(l.entries[i]), true
}

// Find looks up an entry by its hash, which doubles as the voter's receipt.
func (l *Log) Find(hash string) (Entry, int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, e := range l.entries {
		if e.Hash == hash {
			return cloneEntry(e), i, true
		}
	}
	return Entry{}, -1, false
}
