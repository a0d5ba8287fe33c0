package eirc

import (
	"errors"
	"fmt"
)

// AuthError indicates bad credentials or a definitively failed
// re-authentication. It is never retried and must be surfaced to the
// operator.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Message)
}

// TwoFactorRequiredError is returned when the portal demands email
// verification to complete a login (HTTP 424 on the auth endpoint).
// The transaction ID identifies the pending challenge; the operator
// completes it with RequestEmailCode + VerifyEmailCode.
type TwoFactorRequiredError struct {
	TransactionID string
	Methods       []string
}

func (e *TwoFactorRequiredError) Error() string {
	return fmt.Sprintf("two-factor verification required (transaction %s, methods %v)", e.TransactionID, e.Methods)
}

// RateLimitedError indicates the per-operation attempt budget was
// exhausted while the portal kept answering 429.
type RateLimitedError struct {
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by portal after %d attempts", e.Attempts)
}

// ServerError indicates the portal answered with a non-retryable
// status, or kept failing until the retry budget ran out. Body holds
// the final response body for diagnostics.
type ServerError struct {
	Status   int
	Body     string
	Attempts int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("portal error %d after %d attempts: %s", e.Status, e.Attempts, e.Body)
}

// ValidationError indicates a meter reading was rejected as
// implausible, either locally before any network call or by the
// portal. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "reading rejected: " + e.Reason
}

// TransportError indicates a network-level failure (timeout,
// connection reset, DNS). Transient dial errors are already retried
// inside the HTTP transport; whatever reaches this type is permanent
// for the current operation.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "portal unreachable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAuthProblem reports whether err requires operator action
// (credentials or a pending two-factor challenge) rather than waiting
// for the portal to recover.
func IsAuthProblem(err error) bool {
	var ae *AuthError
	var tfe *TwoFactorRequiredError
	return errors.As(err, &ae) || errors.As(err, &tfe)
}
