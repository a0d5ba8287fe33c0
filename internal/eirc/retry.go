package eirc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Retry budget and backoff schedule for portal calls. The portal rate
// limits aggressively and intermittently answers 400/500 for requests
// that succeed moments later, so every operation gets a bounded number
// of delayed retries before its error is surfaced.
const (
	maxAttempts       = 5
	initialBackoff    = 4 * time.Second
	backoffMultiplier = 2
	maxBackoff        = 60 * time.Second
)

// httpError carries a non-2xx portal response through the retry loop
// so the policy can classify it by status.
type httpError struct {
	status     int
	body       string
	retryAfter time.Duration // parsed Retry-After, 0 if absent
}

func (e *httpError) Error() string {
	return fmt.Sprintf("portal status %d: %s", e.status, e.body)
}

// retryPolicy decides, per HTTP outcome, between accepting the result,
// retrying after a delay, re-authenticating, and failing permanently.
// The sleep hook exists so tests can observe delays without waiting.
type retryPolicy struct {
	attempts   int
	initial    time.Duration
	multiplier int
	cap        time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts:   maxAttempts,
		initial:    initialBackoff,
		multiplier: backoffMultiplier,
		cap:        maxBackoff,
		sleep:      sleepCtx,
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryAfter extracts a delay from a 429 response's Retry-After header.
// Only the delta-seconds form is honored; HTTP-date values and garbage
// fall back to the exponential schedule.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// withRetry runs op under the retry policy. op is one logical portal
// operation; the attempt counter and backoff state are scoped to this
// call and shared with nothing else.
//
// Status classification:
//   - 429: delayed retry (server-supplied or exponential), against the
//     attempt budget; RateLimitedError once exhausted.
//   - 400: exactly one delayed retry, then ServerError with the second
//     response body. The portal emits stale-token 400s that clear on a
//     retry.
//   - 5xx: delayed retries against the budget, then ServerError.
//   - 401/403: token invalidation and a single re-authentication, then
//     one retry of the original request; a second auth failure is
//     AuthError. When the operation itself is the login (isAuth), the
//     status is AuthError immediately.
//   - anything else, including network errors: permanent on first
//     sight.
func (c *Client) withRetry(ctx context.Context, name string, isAuth bool, op func(ctx context.Context) error) error {
	backoff := c.policy.initial
	attempt := 1
	retried400 := false
	reauthed := false

	for {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				c.logger.Debug("portal call succeeded after retry",
					"op", name, "attempts", attempt)
			}
			return nil
		}

		var he *httpError
		if !errors.As(err, &he) {
			// Already classified (TransportError, TwoFactorRequiredError,
			// decode failures). Nothing to retry here.
			c.logger.Warn("portal call failed", "op", name, "attempt", attempt, "error", err)
			return err
		}

		switch {
		case he.status == http.StatusTooManyRequests:
			if attempt >= c.policy.attempts {
				c.logger.Error("portal rate limit budget exhausted",
					"op", name, "attempts", attempt)
				return &RateLimitedError{Attempts: attempt}
			}
			delay := he.retryAfter
			if delay == 0 {
				delay = backoff
			}
			if delay > c.policy.cap {
				delay = c.policy.cap
			}
			c.logger.Warn("portal rate limited, backing off",
				"op", name, "status", he.status, "attempt", attempt, "delay", delay.String())
			if err := c.policy.sleep(ctx, delay); err != nil {
				return &TransportError{Err: err}
			}

		case he.status == http.StatusBadRequest:
			if retried400 {
				c.logger.Error("portal kept answering 400",
					"op", name, "attempts", attempt, "body", he.body)
				return &ServerError{Status: he.status, Body: he.body, Attempts: attempt}
			}
			retried400 = true
			c.logger.Warn("portal answered 400, retrying once",
				"op", name, "attempt", attempt, "delay", backoff.String())
			if err := c.policy.sleep(ctx, backoff); err != nil {
				return &TransportError{Err: err}
			}

		case he.status >= 500:
			if attempt >= c.policy.attempts {
				c.logger.Error("portal server error budget exhausted",
					"op", name, "status", he.status, "attempts", attempt)
				return &ServerError{Status: he.status, Body: he.body, Attempts: attempt}
			}
			c.logger.Warn("portal server error, backing off",
				"op", name, "status", he.status, "attempt", attempt, "delay", backoff.String())
			if err := c.policy.sleep(ctx, backoff); err != nil {
				return &TransportError{Err: err}
			}

		case he.status == http.StatusUnauthorized || he.status == http.StatusForbidden:
			if isAuth || reauthed {
				return &AuthError{Status: he.status, Message: he.body}
			}
			reauthed = true
			c.logger.Warn("portal rejected token, re-authenticating",
				"op", name, "status", he.status, "attempt", attempt)
			c.tokenAuth = ""
			if err := c.authenticate(ctx); err != nil {
				// A pending two-factor challenge or definitive
				// credential rejection propagates as-is.
				return err
			}

		default:
			c.logger.Error("portal call failed permanently",
				"op", name, "status", he.status, "body", he.body)
			return &ServerError{Status: he.status, Body: he.body, Attempts: attempt}
		}

		attempt++
		next := backoff * time.Duration(c.policy.multiplier)
		if next > c.policy.cap {
			next = c.policy.cap
		}
		backoff = next
	}
}
