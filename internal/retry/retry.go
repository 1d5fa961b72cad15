// Package retry runs fallible operations under a backoff policy.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/campuslink/campuslink/internal/fault"
)

// Strategy selects how the delay between attempts grows.
type Strategy int

const (
	Immediate Strategy = iota
	FixedDelay
	ExponentialBackoff
	LinearBackoff
)

var strategyNames = map[Strategy]string{
	Immediate:          "immediate",
	FixedDelay:         "fixed",
	ExponentialBackoff: "exponential",
	LinearBackoff:      "linear",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return Immediate, fmt.Errorf("unknown retry strategy %q", name)
}

// Policy is an immutable retry configuration. Copy it freely.
type Policy struct {
	MaxAttempts     int
	Strategy        Strategy
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	Retryable       []fault.Kind
}

// DefaultPolicy retries transport failures and timeouts with jittered
// exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		Strategy:        ExponentialBackoff,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		Jitter:          true,
		Retryable:       []fault.Kind{fault.KindConnection, fault.KindTimeout},
	}
}

// WithRetryable returns a copy of p that additionally retries kinds.
func (p Policy) WithRetryable(kinds ...fault.Kind) Policy {
	out := slices.Clone(p.Retryable)
	for _, k := range kinds {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	p.Retryable = out
	return p
}

// IsRetryable reports whether err's kind is in the retryable set.
func (p Policy) IsRetryable(err error) bool {
	kind := fault.KindOf(err)
	return kind != "" && slices.Contains(p.Retryable, kind)
}

// Delay returns the un-jittered wait after the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	var d float64
	switch p.Strategy {
	case Immediate:
		return 0
	case FixedDelay:
		return p.BaseDelay
	case ExponentialBackoff:
		d = float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	case LinearBackoff:
		d = float64(p.BaseDelay) * float64(attempt+1)
	default:
		return 0
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Executor applies a Policy to operations.
type Executor struct {
	policy  Policy
	logger  zerolog.Logger
	timer   func() backoff.Timer
	jitter  func() float64
	onRetry func(attempt int, err error, delay time.Duration)
}

// NewExecutor creates an executor for the given policy.
func NewExecutor(p Policy, logger zerolog.Logger) *Executor {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return &Executor{
		policy: p,
		logger: logger,
		timer:  func() backoff.Timer { return &wallTimer{} },
		jitter: func() float64 { return 0.5 + rand.Float64()*0.5 },
	}
}

// OnRetry registers a hook invoked before every wait.
func (e *Executor) OnRetry(fn func(attempt int, err error, delay time.Duration)) *Executor {
	e.onRetry = fn
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Run calls op until it succeeds, fails with a non-retryable kind, or the
// attempt budget is spent. Cancelling ctx during a wait returns the last error.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		result   T
		lastErr  error
		attempts int
	)
	operation := func() error {
		attempts++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if !e.policy.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		e.logger.Debug().Err(err).
			Int("attempt", attempts).
			Int("max_attempts", e.policy.MaxAttempts).
			Dur("delay", delay).
			Msg("retrying")
		if e.onRetry != nil {
			e.onRetry(attempts, err, delay)
		}
	}

	// WithMaxRetries treats zero as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if e.policy.MaxAttempts > 1 {
		policy = backoff.WithMaxRetries(&policyBackOff{executor: e}, uint64(e.policy.MaxAttempts-1))
	}
	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(policy, ctx), notify, e.timer())
	if err == nil {
		return result, nil
	}
	var zero T
	if lastErr == nil {
		return zero, err
	}
	if attempts >= e.policy.MaxAttempts && e.policy.IsRetryable(lastErr) {
		e.logger.Warn().Err(lastErr).Int("attempts", attempts).Msg("retry budget exhausted")
	}
	return zero, lastErr
}

func (e *Executor) delay(attempt int) time.Duration {
	d := e.policy.Delay(attempt)
	if e.policy.Jitter && d > 0 {
		d = time.Duration(float64(d) * e.jitter())
	}
	return d
}

// policyBackOff adapts a Policy to backoff.BackOff. Attempt budgets are
// enforced by backoff.WithMaxRetries around it.
type policyBackOff struct {
	executor *Executor
	attempt  int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.executor.delay(b.attempt)
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

type wallTimer struct {
	timer *time.Timer
}

func (t *wallTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *wallTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *wallTimer) C() <-chan time.Time { return t.timer.C }
