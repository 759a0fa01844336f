package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// DefaultBackoffMultiplier applies when a retry policy leaves it unset.
const DefaultBackoffMultiplier = 2.0

// Classify maps an error to the failure class used for retry decisions.
// Typed errors carry their own class; other errors are classified by type
// and, as a last resort, by message.
func Classify(err error) schema.ErrorClass {
	if err == nil {
		return ""
	}
	if oe, ok := schema.AsOrchestratorError(err); ok {
		if oe.Class != "" {
			return oe.Class
		}
		switch oe.Code {
		case schema.ErrCodeTimeout:
			return schema.ClassTimeout
		case schema.ErrCodeBudgetExceeded:
			return schema.ClassBudget
		case schema.ErrCodeApprovalRejected:
			return schema.ClassRejected
		case schema.ErrCodeUnauthorized:
			return schema.ClassAuth
		case schema.ErrCodeCircuitOpen:
			return schema.ClassUnavailable
		case schema.ErrCodeValidation, schema.ErrCodeInvalidReference, schema.ErrCodePathNotFound,
			schema.ErrCodeStepNotYetExecuted, schema.ErrCodeDataUnavailable:
			return schema.ClassValidation
		}
		if oe.Cause != nil {
			return Classify(oe.Cause)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.ClassTimeout
		}
		return schema.ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, h := range messageHeuristics {
		for _, p := range h.patterns {
			if strings.Contains(msg, p) {
				return h.class
			}
		}
	}
	return schema.ClassInternal
}

var messageHeuristics = []struct {
	class    schema.ErrorClass
	patterns []string
}{
	{schema.ClassRateLimit, []string{"too many requests", "rate limit", "status 429"}},
	{schema.ClassUnavailable, []string{"service unavailable", "bad gateway", "gateway timeout", "status 503", "status 502"}},
	{schema.ClassTimeout, []string{"i/o timeout", "timed out", "deadline exceeded"}},
	{schema.ClassNetwork, []string{"connection refused", "connection reset", "broken pipe", "eof", "temporary failure", "no such host"}},
	{schema.ClassAuth, []string{"unauthorized", "forbidden", "permission denied"}},
}

// IsRetryable reports whether err may be retried under policy. Cancellation,
// lost step data, open circuits and pause signals never are.
func IsRetryable(policy *schema.RetryPolicy, err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, schema.ErrDataUnavailable) {
		return false
	}
	var p *pauseSignal
	if errors.As(err, &p) {
		return false
	}
	if oe, ok := schema.AsOrchestratorError(err); ok && oe.Code == schema.ErrCodeCircuitOpen {
		return false
	}

	kinds := schema.DefaultRetryableClasses
	if policy != nil && len(policy.RetryableKinds) > 0 {
		kinds = policy.RetryableKinds
	}
	class := Classify(err)
	for _, k := range kinds {
		if k == class {
			return true
		}
	}
	return false
}

// RetryDelay returns the wait before retry attempt n (from 0):
// baseDelay * multiplier^n, capped at maxDelay when one is set.
func RetryDelay(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BaseDelay <= 0 {
		return 0
	}
	d := float64(policy.BaseDelay.Std()) * math.Pow(multiplier(policy), float64(attempt))
	if max := policy.MaxDelay.Std(); max > 0 && d > float64(max) {
		return max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func multiplier(policy *schema.RetryPolicy) float64 {
	if policy.BackoffMultiplier > 0 {
		return policy.BackoffMultiplier
	}
	return DefaultBackoffMultiplier
}

// newBackOff builds the retry schedule for policy. Jitter is disabled so the
// schedule matches RetryDelay exactly.
func newBackOff(policy *schema.RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay.Std()
	b.Multiplier = multiplier(policy)
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	if max := policy.MaxDelay.Std(); max > 0 {
		b.MaxInterval = max
	}
	b.Reset()
	return b
}

// withRetry runs op until it succeeds, fails with a non-retryable error, or
// the policy's retries are spent. op receives the attempt number from 0.
// notify is called before each wait. It returns the number of attempts made.
func withRetry(ctx context.Context, policy *schema.RetryPolicy, op func(attempt int) error, notify func(err error, attempt int, wait time.Duration)) (int, error) {
	attempts := 0
	operation := func() error {
		err := op(attempts)
		attempts++
		if err == nil {
			return nil
		}
		if policy == nil || !IsRetryable(policy, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if policy == nil || policy.MaxRetries == 0 {
		err := operation()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return attempts, err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(policy), uint64(policy.MaxRetries)), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	})
	return attempts, err
}
