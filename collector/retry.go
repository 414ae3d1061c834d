package collector

import (
	"context"
	"errors"
	"time"

	"github.com/robertof/go-qnscale-relay/device"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 1 * time.Second
)

type RetryOptions struct {
	Attempts int
	// Fixed pause between attempts.
	Backoff time.Duration
}

// Retrier runs an operation up to Attempts times, pausing Backoff between failures. A done
// context stops it from starting another attempt but never interrupts one in flight.
type Retrier struct {
	RetryOptions

	// Sleep waits for d unless ctx is done first. Replaceable for tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// Retryable decides whether an error is worth another attempt.
	Retryable func(err error) bool
}

func NewRetrier(opts RetryOptions) *Retrier {
	if opts.Attempts < 1 {
		opts.Attempts = DefaultRetryAttempts
	}

	if opts.Backoff < 0 {
		opts.Backoff = DefaultRetryBackoff
	}

	return &Retrier{
		RetryOptions: opts,
		Sleep:        sleep,
		Retryable:    DefaultRetryable,
	}
}

// DefaultRetryable retries everything but cancellation and errors classified as protocol or
// configuration failures. Transport operations are never classified otherwise, so in practice
// every transport failure is retried the same way.
func DefaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch device.KindOf(err) {
	case device.KindProtocol, device.KindConfiguration:
		return false
	}

	return true
}

func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	_, err := Retry(ctx, r, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})

	return err
}

// Retry is Retrier.Do for operations that produce a value.
func Retry[T any](ctx context.Context, r *Retrier, op string, fn func() (T, error)) (res T, err error) {
	logger := log.With().Str("Component", "retry").Str("Op", op).Logger()

	if err := ctx.Err(); err != nil {
		return res, err
	}

	for left := r.Attempts; left > 0; left -= 1 {
		res, err = fn()

		if err == nil {
			return res, nil
		}

		if left == 1 || !r.Retryable(err) {
			break
		}

		logger.Warn().
			Err(err).
			Int("AttemptsLeft", left-1).
			Dur("Backoff", r.Backoff).
			Msg("Operation failed - will retry")

		if sleepErr := r.Sleep(ctx, r.Backoff); sleepErr != nil {
			logger.Trace().Err(sleepErr).Msg("Retry aborted by context cancel")
			break
		}
	}

	logger.Debug().Err(err).Msg("Giving up on operation")

	return res, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
