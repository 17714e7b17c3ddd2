package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"simtrade/internal/apperr"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// context ends, or MaxAttempts is reached. Sleeps grow exponentially with
// full jitter.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := backoff(p, i)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ctx.Err(), err)
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, err)
}

func backoff(p RetryPolicy, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	d := base << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// TxError maps exhausted retries onto TransactionFailed and passes every
// other error through.
func TxError(err error) error {
	if errors.Is(err, ErrRetriesExhausted) {
		return apperr.Wrap(apperr.CodeTransactionFailed, apperr.ErrTransactionFailed.Message, err)
	}
	return err
}
