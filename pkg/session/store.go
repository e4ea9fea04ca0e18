package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/screencraft/internal/observability"
)

// DefaultTTL is the idle lifetime of a session.
const DefaultTTL = 30 * time.Minute

// Cloner is implemented by state types that hold reference fields.
type Cloner[S any] interface {
	Clone() S
}

type record[S any] struct {
	state       S
	lastTouched time.Time
}

// Store is a concurrency-safe, TTL-bounded map from session id to state.
type Store[S any] struct {
	mu      sync.Mutex
	records map[string]*record[S]
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option[S any] func(*Store[S])

// WithClock replaces the time source.
func WithClock[S any](now func() time.Time) Option[S] {
	return func(s *Store[S]) { s.now = now }
}

// NewStore creates a store whose records expire after ttl without a Put.
func NewStore[S any](ttl time.Duration, opts ...Option[S]) *Store[S] {
	observability.EnsureRegistered()

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store[S]{
		records: make(map[string]*record[S]),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured lifetime.
func (s *Store[S]) TTL() time.Duration { return s.ttl }

// Create registers a new session with zero-value state.
func (s *Store[S]) Create() string {
	id := uuid.NewString()

	s.mu.Lock()
	var zero S
	s.records[id] = &record[S]{state: zero, lastTouched: s.now()}
	n := len(s.records)
	s.mu.Unlock()

	observability.RecordSessionCreated()
	observability.SetActiveSessions(n)
	return id
}

// Get returns a copy of the state for id. Expired records are deleted and
// reported as absent.
func (s *Store[S]) Get(id string) (S, bool) {
	var zero S

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return zero, false
	}
	if s.expired(rec) {
		delete(s.records, id)
		n := len(s.records)
		s.mu.Unlock()

		observability.RecordSessionsExpired(1)
		observability.SetActiveSessions(n)
		return zero, false
	}
	state := clone(rec.state)
	s.mu.Unlock()

	return state, true
}

// Put stores state for id and refreshes its timestamp, creating the record
// if needed.
func (s *Store[S]) Put(id string, state S) {
	state = clone(state)

	s.mu.Lock()
	s.records[id] = &record[S]{state: state, lastTouched: s.now()}
	n := len(s.records)
	s.mu.Unlock()

	observability.SetActiveSessions(n)
}

// Delete removes id and reports whether a live record existed.
func (s *Store[S]) Delete(id string) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
		ok = !s.expired(rec)
	}
	n := len(s.records)
	s.mu.Unlock()

	observability.SetActiveSessions(n)
	return ok
}

// Sweep deletes every expired record and returns how many it removed.
func (s *Store[S]) Sweep() int {
	s.mu.Lock()
	removed := 0
	for id, rec := range s.records {
		if s.expired(rec) {
			delete(s.records, id)
			removed++
		}
	}
	n := len(s.records)
	s.mu.Unlock()

	if removed > 0 {
		observability.RecordSessionsExpired(removed)
	}
	observability.SetActiveSessions(n)
	return removed
}

// Len returns the number of records, including expired ones not yet swept.
func (s *Store[S]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store[S]) expired(rec *record[S]) bool {
	return s.now().Sub(rec.lastTouched) >= s.ttl
}

func clone[S any](state S) S {
	if c, ok := any(state).(Cloner[S]); ok {
		return c.Clone()
	}
	return state
}
