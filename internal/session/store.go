// Package session holds the authoritative record of every in-progress call.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Fechomap/telnyx-sip-server/internal/clock"
)

// ErrNotFound is returned for ids with no live session. Callers treat it as
// a silent no-op: the call may have ended or never started.
var ErrNotFound = errors.New("session not found")

// EndedRetention is how long an ended id is remembered. Create refuses the
// id for that long so a redelivered call start cannot revive the call.
const EndedRetention = 10 * time.Minute

type entry struct {
	mu      sync.Mutex
	s       *CallSession
	removed bool
}

// Store maps session ids to sessions. Each Mutate runs atomically with
// respect to every other Mutate on the same id.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ended    map[string]time.Time
	clock    clock.Clock
}

// NewStore creates an empty Store whose sessions arm timers on c.
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real{}
	}
	return &Store{
		sessions: make(map[string]*entry),
		ended:    make(map[string]time.Time),
		clock:    c,
	}
}

// Create registers a new session in StageAwaitingCase. If id already
// exists the existing session is returned with created == false. An id that
// ended within EndedRetention is refused with a zero session.
func (st *Store) Create(id, handle string) (s CallSession, created bool) {
	now := st.clock.Now()
	st.mu.Lock()
	st.pruneEndedLocked(now)
	if _, ok := st.ended[id]; ok {
		st.mu.Unlock()
		return CallSession{}, false
	}
	if e, ok := st.sessions[id]; ok {
		st.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.s.snapshot(), false
	}

	cs := &CallSession{
		ID:               id,
		ControlHandle:    handle,
		Stage:            StageAwaitingCase,
		QueryCountByCase: make(map[string]int),
		StartedAt:        now,
		LastActivityAt:   now,
		clock:            st.clock,
		timers:           make(map[TimerKind]timerSlot),
	}
	st.sessions[id] = &entry{s: cs}
	st.mu.Unlock()
	return cs.snapshot(), true
}

// Ended reports whether id ended within EndedRetention.
func (st *Store) Ended(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	at, ok := st.ended[id]
	return ok && st.clock.Now().Sub(at) < EndedRetention
}

// Get returns a copy of the session.
func (st *Store) Get(id string) (CallSession, bool) {
	e := st.lookup(id)
	if e == nil {
		return CallSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return CallSession{}, false
	}
	return e.s.snapshot(), true
}

// Mutate runs fn against the live session. If fn leaves the session in
// StageEnded the session is removed and its timers cancelled before Mutate
// returns. fn must not block on network calls.
func (st *Store) Mutate(id string, fn func(s *CallSession)) error {
	e := st.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}

	fn(e.s)

	if e.s.Stage == StageEnded {
		st.discardLocked(id, e)
	}
	return nil
}

// Remove ends the session, cancelling all its timers. It reports whether a
// live session was removed.
func (st *Store) Remove(id string) bool {
	return st.Mutate(id, func(s *CallSession) { s.Stage = StageEnded }) == nil
}

// RemoveAll ends every session and returns how many were removed.
func (st *Store) RemoveAll() int {
	n := 0
	for _, id := range st.ids() {
		if st.Remove(id) {
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// List returns copies of all live sessions ordered by start time.
func (st *Store) List() []CallSession {
	var out []CallSession
	for _, id := range st.ids() {
		if s, ok := st.Get(id); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (st *Store) lookup(id string) *entry {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

func (st *Store) ids() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// discardLocked requires e.mu to be held.
func (st *Store) discardLocked(id string, e *entry) {
	e.s.CancelAll()
	e.removed = true
	now := st.clock.Now()
	st.mu.Lock()
	if st.sessions[id] == e {
		delete(st.sessions, id)
	}
	st.ended[id] = now
	st.mu.Unlock()
}

func (st *Store) pruneEndedLocked(now time.Time) {
	for id, at := range st.ended {
		if now.Sub(at) >= EndedRetention {
			delete(st.ended, id)
		}
	}
}
