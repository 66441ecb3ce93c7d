// Package retry provides a configurable retry policy for API operations.
package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/opencode-client/internal/logging"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	// Linear grows the delay as initialDelay * attempt.
	Linear Strategy = "linear"
	// Exponential doubles the delay after every attempt.
	Exponential Strategy = "exponential"
)

// Defaults applied by Normalize.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultJitterRatio  = 0.1
)

// Policy decides whether and when a failed operation is retried.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// Strategy selects linear or exponential growth. Defaults to Exponential.
	Strategy Strategy
	// MaxDelay caps the computed delay. Zero means DefaultMaxDelay.
	MaxDelay time.Duration
	// JitterRatio is the symmetric jitter applied to the base delay.
	// Zero means DefaultJitterRatio; negative disables jitter.
	JitterRatio float64
	// Retryable reports whether an error is worth retrying.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
	// OnRetry is called before each scheduled retry. Best effort: panics are
	// swallowed and the retry proceeds.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Normalize fills in defaults and clamps nonsensical values.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.Strategy != Linear {
		p.Strategy = Exponential
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterRatio == 0 {
		p.JitterRatio = DefaultJitterRatio
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	return p
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts}.Normalize()
}

// Run invokes op, retrying per the policy until it succeeds, the attempts are
// exhausted, the error is not retryable, or ctx is done.
func (p Policy) Run(ctx context.Context, op func() error) error {
	p = p.Normalize()

	b := &policyBackOff{policy: p}
	attempt := 0

	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logging.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("retrying operation")
		if p.OnRetry == nil {
			return
		}
		func() {
			defer func() {
				_ = recover()
			}()
			p.OnRetry(attempt, err, delay)
		}()
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(b, ctx), notify)
}

// policyBackOff adapts a Policy to the backoff.BackOff interface.
type policyBackOff struct {
	policy  Policy
	retries int
}

func (b *policyBackOff) Reset() {
	b.retries = 0
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.retries++
	if b.retries >= b.policy.MaxAttempts {
		return backoff.Stop
	}

	var base time.Duration
	switch b.policy.Strategy {
	case Linear:
		base = b.policy.InitialDelay * time.Duration(b.retries)
	default:
		base = b.policy.InitialDelay << (b.retries - 1)
	}

	delay := base
	if b.policy.JitterRatio > 0 {
		delta := time.Duration(float64(base) * b.policy.JitterRatio)
		delay = base - delta + time.Duration(rand.Int63n(int64(2*delta)+1))
	}
	if delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}
	return delay
}

// retryableIndicators are matched case-insensitively against error text.
var retryableIndicators = []string{
	"timeout",
	"timed out",
	"econnreset",
	"econnrefused",
	"connection reset",
	"connection refused",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"overloaded",
}

// DefaultRetryable matches transient transport and rate-limit failures.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range retryableIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
