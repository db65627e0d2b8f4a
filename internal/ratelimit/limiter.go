package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sigumaa/pigeon/internal/lrumap"
)

const DefaultWindow = 2500 * time.Millisecond

type Decision struct {
	Allowed   bool
	Remaining time.Duration
}

// Seconds renders the remaining wait with one decimal, e.g. "1.3".
func (d Decision) Seconds() string {
	return fmt.Sprintf("%.1f", d.Remaining.Seconds())
}

// Limiter admits each user at most once per window. The timestamp of every
// admitted request is recorded whether or not the request later succeeds.
type Limiter struct {
	window time.Duration

	mu   sync.Mutex
	last *lrumap.Map[string, time.Time]
}

// New creates a limiter. maxTrackedUsers <= 0 keeps every user for the
// process lifetime.
func New(window time.Duration, maxTrackedUsers int) (*Limiter, error) {
	if window <= 0 {
		return nil, errors.New("rate limit window must be positive")
	}
	last, err := lrumap.New[string, time.Time](maxTrackedUsers)
	if err != nil {
		return nil, fmt.Errorf("create rate limit state: %w", err)
	}
	return &Limiter{window: window, last: last}, nil
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) Admit(userID string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if remaining := l.remainingLocked(userID, now); remaining > 0 {
		return Decision{Allowed: false, Remaining: remaining}
	}
	l.last.Set(userID, now)
	return Decision{Allowed: true}
}

// Remaining reports how long the user still has to wait without touching state.
func (l *Limiter) Remaining(userID string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(userID, now)
}

func (l *Limiter) Tracked() int {
	return l.last.Len()
}

func (l *Limiter) remainingLocked(userID string, now time.Time) time.Duration {
	last, ok := l.last.Get(userID)
	if !ok {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed < 0 || elapsed >= l.window {
		return 0
	}
	return l.window - elapsed
}
