package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimited is returned when a client sent too many turns within a minute.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyTurns is returned when a client has too many turns in flight.
	ErrTooManyTurns = errors.New("too many concurrent turns")
)

const (
	DefaultTurnsPerMinute = 30
	DefaultMaxConcurrent  = 1
)

// TurnLimiter applies a sliding one-minute window and a concurrency cap to
// the turns of one websocket client.
type TurnLimiter struct {
	mu            sync.Mutex
	perMinute     int
	maxConcurrent int
	started       []time.Time
	running       int
	now           func() time.Time
}

// NewTurnLimiter creates a limiter. Non-positive limits use the defaults.
func NewTurnLimiter(perMinute, maxConcurrent int) *TurnLimiter {
	if perMinute <= 0 {
		perMinute = DefaultTurnsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &TurnLimiter{
		perMinute:     perMinute,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// Begin admits a turn or explains why it is rejected. Every admitted turn
// must be followed by End.
func (l *TurnLimiter) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running >= l.maxConcurrent {
		return ErrTooManyTurns
	}
	l.prune()
	if len(l.started) >= l.perMinute {
		return ErrRateLimited
	}

	l.started = append(l.started, l.now())
	l.running++
	return nil
}

// End releases a turn admitted by Begin.
func (l *TurnLimiter) End() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running > 0 {
		l.running--
	}
}

// Stats returns the turns started in the last minute and those running.
func (l *TurnLimiter) Stats() (recent, running int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune()
	return len(l.started), l.running
}

func (l *TurnLimiter) prune() {
	cutoff := l.now().Add(-time.Minute)
	kept := l.started[:0]
	for _, t := range l.started {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.started = kept
}
