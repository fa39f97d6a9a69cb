package auditkit

import (
	"context"
	"sync"

	sessionkit "github.com/open-rails/gatekit/session"
)

// MemorySink keeps records in memory. Intended for tests and local runs.
type MemorySink struct {
	mu       sync.Mutex
	records  []Record
	sessions map[string]sessionkit.Snapshot
}

func NewMemorySink() *MemorySink {
	return &MemorySink{sessions: map[string]sessionkit.Snapshot{}}
}

func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) FlushSessions(_ context.Context, snaps []sessionkit.Snapshot) error {
	s.mu.Lock()
	for _, snap := range snaps {
		s.sessions[snap.RecordID] = snap
	}
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Records returns a copy of the appended records.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Sessions returns the last flushed snapshot per session record.
func (s *MemorySink) Sessions() map[string]sessionkit.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]sessionkit.Snapshot, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out
}
