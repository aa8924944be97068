// Package retry runs remote operations under a wall-clock budget, retrying
// transient connectivity failures and surfacing everything else at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/dreamware/keeper/internal/observability"
	"github.com/dreamware/keeper/internal/wire"
)

// Class is the retry discriminant of a failure.
type Class int

const (
	// Fatal failures are returned to the caller immediately.
	Fatal Class = iota
	// Retryable failures are attempted again while budget remains.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Classify is the default classifier: only connection loss is retryable.
// Session expiry, a closed client and every semantic outcome are fatal.
func Classify(err error) Class {
	if errors.Is(err, wire.ErrConnectionLoss) {
		return Retryable
	}
	return Fatal
}

// ErrTimeout marks a retryable failure that outlived the budget.
var ErrTimeout = errors.New("retry budget exhausted")

// TimeoutError is returned when the budget runs out. It matches both
// ErrTimeout and the last underlying failure under errors.Is.
type TimeoutError struct {
	Attempts int
	Elapsed  time.Duration
	Budget   time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %d attempts in %s (budget %s): %v",
		ErrTimeout, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Budget, e.Last)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTimeout, e.Last}
}

const (
	DefaultBudget = 3 * time.Second
	DefaultDelay  = 50 * time.Millisecond
)

// Executor retries operations with a linear backoff of attempt x delay.
// An Executor is stateless between calls and safe for concurrent use.
type Executor struct {
	budget   time.Duration
	delay    time.Duration
	maxDelay time.Duration
	classify func(error) Class
	log      zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithDelay sets the per-attempt backoff increment. Non-positive values
// keep DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.delay = d
		}
	}
}

// WithMaxDelay caps a single backoff; 0 means no cap.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) { e.maxDelay = d }
}

// WithClassifier replaces Classify.
func WithClassifier(fn func(error) Class) Option {
	return func(e *Executor) {
		if fn != nil {
			e.classify = fn
		}
	}
}

// WithLogger sets the logger for retry and exhaustion messages.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an Executor with the given budget. A non-positive budget
// uses DefaultBudget.
//
// Example:
//
//	exec := retry.New(3*time.Second, retry.WithDelay(100*time.Millisecond))
//	err := exec.Do(ctx, func(ctx context.Context) error {
//	    return conn.Delete(ctx, "/a", -1)
//	})
func New(budget time.Duration, opts ...Option) *Executor {
	if budget <= 0 {
		budget = DefaultBudget
	}
	e := &Executor{
		budget:   budget,
		delay:    DefaultDelay,
		classify: Classify,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Budget returns the wall-clock retry budget.
func (e *Executor) Budget() time.Duration { return e.budget }

// Do runs op until it succeeds, fails fatally, the budget is spent or ctx
// is done. It blocks the caller for at most the budget plus one attempt.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Value(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	attempts := 0

	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			observability.RecordRetryAttempt("success")
			return v, nil
		}
		class := e.classify(err)
		observability.RecordRetryAttempt(class.String())
		if class == Fatal {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(&linearBackOff{delay: e.delay, max: e.maxDelay}),
		backoff.WithMaxElapsedTime(e.budget),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Debug().
				Err(err).
				Int("attempt", attempts).
				Dur("next", next).
				Msg("retrying operation")
		}),
	)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return res, err
	}
	if e.classify(err) == Retryable {
		observability.RecordRetryExhausted()
		elapsed := time.Since(start)
		e.log.Warn().
			Err(err).
			Int("attempts", attempts).
			Dur("elapsed", elapsed).
			Msg("retry budget exhausted")
		return res, &TimeoutError{Attempts: attempts, Elapsed: elapsed, Budget: e.budget, Last: err}
	}
	return res, err
}

// linearBackOff waits n x delay before the n-th retry.
type linearBackOff struct {
	delay time.Duration
	max   time.Duration
	n     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	d := time.Duration(b.n) * b.delay
	if b.max > 0 && d > b.max {
		d = b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.n = 0 }
