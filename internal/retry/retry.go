// Package retry centralizes the backoff policies used for external calls.
// Three policies exist: idempotent broker submits (bounded exponential with
// jitter), DB transients (one quick retry), and long-running loops
// (uncapped attempts, capped interval). Webhook fan-out is deliberately not
// retried here; the broker redelivers.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quantops/tradectl/internal/domain"
)

// Policy bundles the knobs for one class of retried operation.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint64 // 0 means unlimited
}

// BrokerSubmit is the policy for idempotent broker calls. Safe to retry with
// the same client order id.
var BrokerSubmit = Policy{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxAttempts:     5,
}

// DBTransient retries a transient storage error exactly once.
var DBTransient = Policy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     100 * time.Millisecond,
	MaxAttempts:     2,
}

// Loop is for background loops (reconciler) that must keep trying but back
// off while a dependency is down.
var Loop = Policy{
	InitialInterval: time.Second,
	MaxInterval:     time.Minute,
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0 // bounded by attempts or context, not wall clock

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op under the policy. Errors that are not retriable per the domain
// taxonomy abort immediately and are returned as-is.
func (p Policy) Do(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !domain.Retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, p.backoff(ctx))
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
