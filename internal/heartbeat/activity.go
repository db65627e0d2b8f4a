package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultIdleAfter = 10 * time.Minute
	IdlePresence     = "for mentions"
)

// Activity counts processed messages and remembers when the last one was
// handled. It is safe for concurrent use.
type Activity struct {
	mu    sync.Mutex
	count int64
	last  time.Time
	now   func() time.Time
}

func NewActivity() *Activity {
	return &Activity{now: time.Now}
}

// Touch records one processed message.
func (a *Activity) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	a.last = a.now()
}

func (a *Activity) Snapshot() (count int64, last time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, a.last
}

// PresenceText renders the "Listening to ..." status. A bot that has been
// quiet for idleAfter falls back to IdlePresence.
func PresenceText(count int64, last time.Time, now time.Time, idleAfter time.Duration) string {
	if count == 0 || last.IsZero() || now.Sub(last) > idleAfter {
		return IdlePresence
	}
	if count == 1 {
		return "1 message"
	}
	return fmt.Sprintf("%d messages", count)
}

// PresenceHandler returns a Runner handler that pushes the presence text
// through set whenever it changes.
func PresenceHandler(activity *Activity, idleAfter time.Duration, set func(string) error) func(context.Context) error {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	var (
		mu      sync.Mutex
		current string
	)
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		count, last := activity.Snapshot()
		text := PresenceText(count, last, activity.now(), idleAfter)

		mu.Lock()
		defer mu.Unlock()
		if text == current {
			return nil
		}
		if err := set(text); err != nil {
			return fmt.Errorf("set presence: %w", err)
		}
		current = text
		return nil
	}
}
