// Package eirc is a client for the EIRC housing and utility billing
// portal API. It owns authentication (including the email two-factor
// challenge), the per-operation retry policy, and the typed operations
// the rest of the bridge is built on: accounts, meters, balance, and
// meter reading submission.
package eirc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eircbridge/eircbridge/internal/httpkit"
)

// Endpoint paths relative to the API base URL. The portal versions
// endpoints independently; these are the versions the integration
// tracks.
const (
	pathAuth        = "/v8/users/auth"
	pathAccounts    = "/v8/accounts"
	pathBalance     = "/v7/accounts/%d/payments/at/current/amount/discretion"
	pathMeters      = "/v6/accounts/%d/meters/info"
	pathReading     = "/v8/accounts/%d/meters/%s/reading"
	pathCookie      = "/v6/users/manual/existence"
	pathEmailSend   = "/v7/users/%s/email/check/confirmation/send"
	pathEmailVerify = "/v7/users/%s/email/check/verification"
)

// sessionCookieName is the cookie the portal issues on the existence
// endpoint and expects back on every subsequent request.
const sessionCookieName = "session-cookie"

// Config configures a portal client.
type Config struct {
	// BaseURL is the API root, e.g. "https://ikus.pesc.ru/api".
	BaseURL string

	// Login and Password are the PHONE-type portal credentials.
	Login    string
	Password string

	// ProxyURL optionally routes portal traffic through an HTTP(S)
	// proxy.
	ProxyURL string

	// MaxReadingIncrease bounds how far a submitted reading may exceed
	// the last known reading before local validation rejects it.
	MaxReadingIncrease float64

	// Logger for structured logging.
	Logger *slog.Logger
}

// Client is an EIRC portal API client. All operations are safe for
// concurrent use; they serialize internally so a reading submission
// racing a poll cycle cannot hit the rate-limited upstream in
// parallel.
type Client struct {
	baseURL            string
	login              string
	password           string
	maxReadingIncrease float64
	httpClient         *http.Client
	logger             *slog.Logger
	policy             retryPolicy

	// mu serializes portal operations and guards the token state.
	mu            sync.Mutex
	sessionCookie string
	tokenAuth     string
	tokenVerify   string
}

// NewClient creates a portal client. It performs no I/O; the session
// is established lazily on the first authenticated call or explicitly
// via Authenticate.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:            cfg.BaseURL,
		login:              cfg.Login,
		password:           cfg.Password,
		maxReadingIncrease: cfg.MaxReadingIncrease,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithProxy(cfg.ProxyURL),
			httpkit.WithLogger(cfg.Logger),
		),
		logger: cfg.Logger,
		policy: defaultRetryPolicy(),
	}
}

// TokenState returns the current persistable authentication state.
func (c *Client) TokenState() TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TokenState{
		SessionCookie: c.sessionCookie,
		TokenAuth:     c.tokenAuth,
		TokenVerify:   c.tokenVerify,
	}
}

// SetTokenState restores authentication state persisted by a previous
// run. Restoring a complete state skips the login (and its potential
// two-factor challenge) entirely.
func (c *Client) SetTokenState(s TokenState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCookie = s.SessionCookie
	c.tokenAuth = s.TokenAuth
	c.tokenVerify = s.TokenVerify
}

// Authenticate establishes a session with the portal. If a complete
// token state is already present it is a no-op. A
// *TwoFactorRequiredError return means the portal sent an email
// challenge; complete it with RequestEmailCode and VerifyEmailCode.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withRetry(ctx, "authenticate", true, c.authenticate)
}

// RequestEmailCode asks the portal to send the verification email for
// a pending two-factor transaction.
func (c *Client) RequestEmailCode(ctx context.Context, transactionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withRetry(ctx, "request_email_code", true, func(ctx context.Context) error {
		_, _, err := c.do(ctx, http.MethodPost, fmt.Sprintf(pathEmailSend, transactionID), nil)
		return err
	})
}

// VerifyEmailCode completes a two-factor transaction with the code
// the user received by email, storing the resulting auth and
// verification tokens.
func (c *Client) VerifyEmailCode(ctx context.Context, transactionID, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withRetry(ctx, "verify_email_code", true, func(ctx context.Context) error {
		payload := map[string]string{"code": code}
		body, _, err := c.do(ctx, http.MethodPost, fmt.Sprintf(pathEmailVerify, transactionID), payload)
		if err != nil {
			return err
		}

		var resp authResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode verification response: %w", err)
		}
		if resp.Auth == "" || resp.Verified == "" {
			return &AuthError{Status: http.StatusOK, Message: "verification response missing tokens"}
		}

		c.tokenAuth = resp.Auth
		c.tokenVerify = resp.Verified
		c.logger.Info("two-factor verification complete, tokens stored")
		return nil
	})
}

// Accounts fetches the billing accounts visible to the session.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var accounts []Account
	err := c.withRetry(ctx, "accounts", false, func(ctx context.Context) error {
		if err := c.ensureAuthenticated(ctx); err != nil {
			return err
		}
		body, _, err := c.do(ctx, http.MethodGet, pathAccounts, nil)
		if err != nil {
			return err
		}
		accounts = nil
		return json.Unmarshal(body, &accounts)
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// Meters fetches meter info for an account.
func (c *Client) Meters(ctx context.Context, accountID int64) ([]Meter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var meters []Meter
	err := c.withRetry(ctx, "meters", false, func(ctx context.Context) error {
		if err := c.ensureAuthenticated(ctx); err != nil {
			return err
		}
		body, _, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathMeters, accountID), nil)
		if err != nil {
			return err
		}
		meters = nil
		return json.Unmarshal(body, &meters)
	})
	if err != nil {
		return nil, err
	}
	return meters, nil
}

// Balance fetches and aggregates the current balance for an account:
// the sum of accrued charges over the checked discretion items, plus
// the billing document ID when present.
func (c *Client) Balance(ctx context.Context, accountID int64) (Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var items []discretionItem
	err := c.withRetry(ctx, "balance", false, func(ctx context.Context) error {
		if err := c.ensureAuthenticated(ctx); err != nil {
			return err
		}
		body, _, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathBalance, accountID), nil)
		if err != nil {
			return err
		}
		items = nil
		return json.Unmarshal(body, &items)
	})
	if err != nil {
		return Balance{}, err
	}

	bal := Balance{AsOf: time.Now()}
	for _, item := range items {
		if !item.Checked {
			continue
		}
		bal.Amount += item.Charge.Accrued
		if bal.BillID == 0 {
			bal.BillID = item.Bill.ID
		}
	}
	c.logger.Debug("balance aggregated", "account_id", accountID, "amount", bal.Amount)
	return bal, nil
}

// SubmitReading submits a new value for one scale of a meter. The
// value is validated locally against the meter's last known reading
// before any network call: it must be monotonic non-decreasing and
// within the configured plausibility delta. A portal-side rejection
// surfaces as a ValidationError carrying the response body.
func (c *Client) SubmitReading(ctx context.Context, accountID int64, meter Meter, scaleID int64, value float64) error {
	if err := c.validateReading(meter, scaleID, value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	readings := []Reading{{ScaleID: scaleID, Value: value}}
	err := c.withRetry(ctx, "submit_reading", false, func(ctx context.Context) error {
		if err := c.ensureAuthenticated(ctx); err != nil {
			return err
		}
		path := fmt.Sprintf(pathReading, accountID, meter.ID.Registration)
		_, _, err := c.do(ctx, http.MethodPost, path, readings)
		return err
	})
	if err != nil {
		// The portal rejects implausible values with client errors;
		// distinguish those from outages so callers can surface them
		// immediately instead of reporting the portal as down.
		var se *ServerError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return &ValidationError{Reason: fmt.Sprintf("portal rejected reading (status %d): %s", se.Status, se.Body)}
		}
		return err
	}

	c.logger.Info("meter reading submitted",
		"account_id", accountID,
		"meter", meter.ID.Registration,
		"scale_id", scaleID,
		"value", value,
	)
	return nil
}

// validateReading applies the local plausibility checks.
func (c *Client) validateReading(meter Meter, scaleID int64, value float64) error {
	for _, ind := range meter.Indications {
		if ind.MeterScaleID != scaleID {
			continue
		}
		if value < ind.PreviousReading {
			return &ValidationError{Reason: fmt.Sprintf(
				"value %v is below the last known reading %v on scale %q",
				value, ind.PreviousReading, ind.ScaleName)}
		}
		if c.maxReadingIncrease > 0 && value > ind.PreviousReading+c.maxReadingIncrease {
			return &ValidationError{Reason: fmt.Sprintf(
				"value %v exceeds the last known reading %v by more than %v",
				value, ind.PreviousReading, c.maxReadingIncrease)}
		}
		return nil
	}
	return &ValidationError{Reason: fmt.Sprintf(
		"meter %s has no scale %d", meter.ID.Registration, scaleID)}
}

// Ping checks portal reachability via the unauthenticated existence
// endpoint. Used by connwatch for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathCookie, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal status %d", resp.StatusCode)
	}
	return nil
}

// --- internals (c.mu held) ---

// ensureAuthenticated establishes the session lazily before an
// authenticated call. With a complete restored token state it does
// nothing.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.tokenAuth != "" {
		return nil
	}
	return c.authenticate(ctx)
}

// authenticate runs the login request. HTTP 424 means the portal wants
// email verification; the parsed challenge is returned as a
// *TwoFactorRequiredError.
func (c *Client) authenticate(ctx context.Context) error {
	if c.sessionCookie != "" && c.tokenAuth != "" && c.tokenVerify != "" {
		c.logger.Debug("reusing stored session tokens")
		return nil
	}

	if c.sessionCookie == "" {
		if err := c.fetchSessionCookie(ctx); err != nil {
			return err
		}
	}

	payload := map[string]string{
		"type":     "PHONE",
		"login":    c.login,
		"password": c.password,
	}

	body, _, err := c.do(ctx, http.MethodPost, pathAuth, payload)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && he.status == http.StatusFailedDependency {
			var challenge challengeResponse
			if jsonErr := json.Unmarshal([]byte(he.body), &challenge); jsonErr != nil || challenge.TransactionID == "" {
				return &AuthError{Status: he.status, Message: "challenge response missing transactionId"}
			}
			c.logger.Warn("portal requires two-factor verification",
				"transaction_id", challenge.TransactionID,
				"methods", challenge.Types,
			)
			return &TwoFactorRequiredError{
				TransactionID: challenge.TransactionID,
				Methods:       challenge.Types,
			}
		}
		return err
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if resp.Auth == "" {
		return &AuthError{Status: http.StatusOK, Message: "auth response missing token"}
	}

	c.tokenAuth = resp.Auth
	c.logger.Debug("authentication successful")
	return nil
}

// fetchSessionCookie bootstraps the session cookie from the existence
// endpoint.
func (c *Client) fetchSessionCookie(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathCookie, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			c.sessionCookie = cookie.Value
			c.logger.Debug("session cookie acquired")
			return nil
		}
	}
	return &AuthError{
		Status:  resp.StatusCode,
		Message: fmt.Sprintf("no %s cookie in response from %s", sessionCookieName, pathCookie),
	}
}

// do executes one portal request with the session headers applied.
// Non-2xx responses come back as *httpError so the retry policy can
// classify them by status.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, http.Header, error) {
	var reqBody *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.sessionCookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: c.sessionCookie})
	}
	if c.tokenAuth != "" {
		req.Header.Set("Authorization", "Bearer "+c.tokenAuth)
	}
	if c.tokenVerify != "" {
		req.Header.Set("Auth-Verification", c.tokenVerify)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, resp.Header, &httpError{
			status:     resp.StatusCode,
			body:       body,
			retryAfter: retryAfter(resp.Header),
		}
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, resp.Header, fmt.Errorf("read response: %w", err)
	}
	return data, resp.Header, nil
}
