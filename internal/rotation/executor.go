package rotation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sigumaa/pigeon/internal/llm"
)

const DefaultExtraAttempts = 2

// Notifier surfaces retry progress to the user. The executor treats every
// method as best effort.
type Notifier interface {
	SendStatus(ctx context.Context, text string) error
	EditStatus(ctx context.Context, text string) error
	DeleteStatus(ctx context.Context) error
}

// ExhaustedError is returned when every attempt failed. Err is the error of
// the final attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type Executor struct {
	pool          *Pool
	extraAttempts int
	newBackOff    func() backoff.BackOff
	newTimer      func() backoff.Timer
	pick          Picker
}

type Option func(*Executor)

func WithExtraAttempts(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.extraAttempts = n
		}
	}
}

func WithBackOff(factory func() backoff.BackOff) Option {
	return func(e *Executor) {
		if factory != nil {
			e.newBackOff = factory
		}
	}
}

// WithTimer replaces the timer used between attempts.
func WithTimer(factory func() backoff.Timer) Option {
	return func(e *Executor) {
		e.newTimer = factory
	}
}

func WithPicker(pick Picker) Option {
	return func(e *Executor) {
		e.pick = pick
	}
}

func NewExecutor(pool *Pool, opts ...Option) (*Executor, error) {
	if pool == nil || pool.Size() == 0 {
		return nil, ErrEmptyPool
	}
	e := &Executor{
		pool:          pool,
		extraAttempts: DefaultExtraAttempts,
		newBackOff: func() backoff.BackOff {
			return NewStagedBackOff()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Executor) MaxAttempts() int {
	return e.pool.Size() + e.extraAttempts
}

func RetryStatusText(attempt int, maxAttempts int) string {
	return fmt.Sprintf(":warning: Something went wrong, retrying... (Attempt %d of %d)", attempt, maxAttempts)
}

func ExhaustedStatusText(maxAttempts int) string {
	return fmt.Sprintf(":no_entry: Exhausted all %d attempts - giving up...", maxAttempts)
}

// Execute calls backend with a fresh credential per attempt until one
// succeeds or MaxAttempts is reached. notifier may be nil.
func (e *Executor) Execute(ctx context.Context, backend llm.Backend, req llm.Request, notifier Notifier) (llm.Result, error) {
	if backend == nil {
		return llm.Result{}, errors.New("backend is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	maxAttempts := e.MaxAttempts()
	cycle := e.pool.NewCycle(e.pick)
	status := &statusNotice{notifier: notifier}

	var (
		result  llm.Result
		attempt int
	)
	operation := func() error {
		attempt++
		cred := cycle.Next()
		started := time.Now()
		res, err := backend.Generate(ctx, cred, req)
		if err != nil {
			log.Printf("event=backend_attempt_failed backend=%s attempt=%d max_attempts=%d credential=%s latency_ms=%d err=%v", backend.Name(), attempt, maxAttempts, Mask(cred), time.Since(started).Milliseconds(), err)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, next time.Duration) {
		status.show(ctx, RetryStatusText(attempt, maxAttempts))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(maxAttempts-1)), ctx)
	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer)
	if err == nil {
		status.remove(ctx)
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return llm.Result{}, fmt.Errorf("generate with %s: %w", backend.Name(), ctxErr)
	}

	status.show(ctx, ExhaustedStatusText(maxAttempts))
	log.Printf("event=backend_attempts_exhausted backend=%s attempts=%d err=%v", backend.Name(), attempt, err)
	return llm.Result{}, &ExhaustedError{Attempts: attempt, Err: err}
}

type statusNotice struct {
	notifier Notifier
	sent     bool
}

func (s *statusNotice) show(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if s.sent {
		if err := s.notifier.EditStatus(ctx, text); err != nil {
			log.Printf("event=retry_status_edit_failed err=%v", err)
		}
		return
	}
	if err := s.notifier.SendStatus(ctx, text); err != nil {
		log.Printf("event=retry_status_send_failed err=%v", err)
		return
	}
	s.sent = true
}

func (s *statusNotice) remove(ctx context.Context) {
	if s.notifier == nil || !s.sent {
		return
	}
	if err := s.notifier.DeleteStatus(ctx); err != nil {
		log.Printf("event=retry_status_delete_failed err=%v", err)
	}
}
