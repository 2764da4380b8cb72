package group

import (
	"context"
	"log/slog"
	"time"

	"groupregistry/internal/schema/records"
	"groupregistry/internal/storage"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries of an operation that lost a conditional
// write or hit a transient store error. MaxRetries of zero means one attempt.
type RetryPolicy struct {
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     10,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}
}

// Metrics receives group engine events.
type Metrics interface {
	ObserveAppend(group string, t records.RecordType)
	ObserveRetry(group, op string)
	ObserveSync(group string, applied int)
}

type NoopMetrics struct{}

func (NoopMetrics) ObserveAppend(string, records.RecordType) {}
func (NoopMetrics) ObserveRetry(string, string)              {}
func (NoopMetrics) ObserveSync(string, int)                  {}

type Options struct {
	Retry   RetryPolicy
	Metrics Metrics
	Logger  *slog.Logger
}

func DefaultOptions() Options {
	return Options{Retry: DefaultRetryPolicy()}
}

func (o Options) withDefaults() Options {
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		exp.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		exp.MaxInterval = p.MaxBackoff
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// retry runs fn until it succeeds, fails with an error that is not
// retryable, or the policy is exhausted.
func retry[T any](ctx context.Context, g *Group, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		if attempt > 0 {
			g.metrics.ObserveRetry(g.name, op)
			g.logger.Debug("retrying group operation", "group", g.name, "op", op, "attempt", attempt)
		}
		attempt++

		v, err := fn()
		if err != nil && !storage.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, g.retry.backOff(ctx))
}
