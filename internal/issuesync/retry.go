package issuesync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 20 * time.Second
)

// Store fault codes worth retrying. Everything else propagates immediately.
var retryableStoreCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"TransactionInProgressException":         true,
}

// Policy controls the shared retry behavior for store and source calls.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// retryBackoff computes base * 2^(attempt-1) plus uniform jitter in
// [0, computed], raised to a server-provided wait hint when one is set
// before the next delay is drawn. Implements backoff.BackOff so the
// cenkalti retry loop can drive it.
type retryBackoff struct {
	policy  Policy
	attempt int
	hint    time.Duration
	jitter  func(time.Duration) time.Duration
}

func newRetryBackoff(policy Policy) *retryBackoff {
	return &retryBackoff{
		policy: policy,
		jitter: func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d) + 1))
		},
	}
}

func (b *retryBackoff) NextBackOff() time.Duration {
	b.attempt++
	delay := b.policy.BaseDelay
	for i := 1; i < b.attempt; i++ {
		delay *= 2
		if delay >= b.policy.MaxDelay {
			delay = b.policy.MaxDelay
			break
		}
	}
	delay += b.jitter(delay)
	if b.hint > delay {
		delay = b.hint
	}
	b.hint = 0
	if delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}
	return delay
}

func (b *retryBackoff) Reset() {
	b.attempt = 0
	b.hint = 0
}

// Retry runs op until it succeeds, fails with a non-retryable fault, or the
// attempt budget is exhausted. The last fault is returned on exhaustion.
// Sleeps between attempts are interruptible through ctx.
func Retry(ctx context.Context, policy Policy, logger *slog.Logger, name string, op func() error) error {
	policy = policy.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	bo := newRetryBackoff(policy)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		bo.hint = retryHint(err)
		logger.Warn("retrying operation",
			"op", name,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"error", err)
		return err
	}

	budget := backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1))
	return backoff.Retry(wrapped, backoff.WithContext(budget, ctx))
}

// Retryable reports whether a fault is transient: network timeouts and
// connection-level errors, HTTP 429/5xx, and the store throttling codes.
// Authentication and validation faults are always fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableStoreCodes[apiErr.ErrorCode()]
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func retryHint(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}
