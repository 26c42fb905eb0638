package valstatus

import (
	"strings"
	"sync"
	"time"

	"stagehand/host/internal/validate"
)

// Status is the latest completed validation result for one session. Pending
// means a newer change is being validated; the notices then reflect the
// previous completed run.
type Status struct {
	Notices    []validate.Notice `json:"notices"`
	Counts     validate.Counts   `json:"counts"`
	Pending    bool              `json:"pending"`
	RecordedAt time.Time         `json:"recorded_at"`
}

type entry struct {
	notices    []validate.Notice
	counts     validate.Counts
	recordedAt time.Time
	exists     bool

	pending bool
	gen     uint64
	done    chan struct{}
}

// Store tracks per-session validation state and lets synchronous callers
// block for an in-flight run with a bounded timeout.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	nowFunc func() time.Time
}

func NewStore() *Store {
	return &Store{entries: map[string]*entry{}, nowFunc: time.Now}
}

// MarkPending flags the session before the pipeline runs and returns a
// generation token the completing run hands back to Record. A newer
// MarkPending invalidates older tokens so a superseded run cannot clobber
// fresher state.
func (s *Store) MarkPending(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	e.gen++
	if !e.pending {
		e.pending = true
		e.done = make(chan struct{})
	}
	return e.gen
}

// Record stores a completed run's notices, clears pending, and wakes every
// waiter. A stale generation is dropped: the in-flight newer run owns the
// next Record. An id with no entry (never marked, or dropped while the run
// was in flight) is declined rather than resurrected.
func (s *Store) Record(id string, gen uint64, notices []validate.Notice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(id)]
	if !ok {
		return false
	}
	if e.pending && gen != e.gen {
		return false
	}
	e.notices = append([]validate.Notice(nil), notices...)
	e.counts = validate.CountBySeverity(notices)
	e.recordedAt = s.nowFunc().UTC()
	e.exists = true
	if e.pending {
		e.pending = false
		close(e.done)
		e.done = nil
	}
	return true
}

func (s *Store) Get(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(id)]
	if !ok || !e.exists {
		if ok && e.pending {
			return Status{Pending: true, Notices: []validate.Notice{}}, true
		}
		return Status{}, false
	}
	return Status{
		Notices:    append([]validate.Notice(nil), e.notices...),
		Counts:     e.counts,
		Pending:    e.pending,
		RecordedAt: e.recordedAt,
	}, true
}

func (s *Store) IsPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(id)]
	return ok && e.pending
}

// Drop removes all state for a closed session.
func (s *Store) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(id)]
	if !ok {
		return
	}
	if e.pending && e.done != nil {
		close(e.done)
	}
	delete(s.entries, strings.TrimSpace(id))
}

// Wait blocks until the in-flight validation records or the timeout elapses.
// Returns true when a result arrived in time; false on timeout (the session
// is then still pending). Returns immediately when nothing is pending. Only
// the calling goroutine suspends.
func (s *Store) Wait(id string, timeout time.Duration) bool {
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(id)]
	if !ok || !e.pending {
		s.mu.Unlock()
		return true
	}
	done := e.done
	s.mu.Unlock()

	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Store) entryLocked(id string) *entry {
	key := strings.TrimSpace(id)
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}
