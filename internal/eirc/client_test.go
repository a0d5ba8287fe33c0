package eirc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakePortal is a scripted stand-in for the billing portal. Handlers
// are registered per method+path; every request is counted.
type fakePortal struct {
	mu       sync.Mutex
	counts   map[string]int
	handlers map[string]http.HandlerFunc
}

func newFakePortal() *fakePortal {
	p := &fakePortal{
		counts:   make(map[string]int),
		handlers: make(map[string]http.HandlerFunc),
	}
	p.handle(http.MethodGet, pathCookie, func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "sess-1"})
		w.WriteHeader(http.StatusOK)
	})
	p.handle(http.MethodPost, pathAuth, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"auth": "tok-auth"})
	})
	return p
}

func (p *fakePortal) handle(method, path string, h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method+" "+path] = h
}

func (p *fakePortal) count(method, path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[method+" "+path]
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	p.mu.Lock()
	p.counts[key]++
	h := p.handlers[key]
	p.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

// newTestClient builds a client against the fake portal with sleeps
// recorded instead of slept.
func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *[]time.Duration) {
	t.Helper()
	c := NewClient(Config{
		BaseURL:            srv.URL,
		Login:              "79990001122",
		Password:           "secret",
		MaxReadingIncrease: 100,
		Logger:             slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	var slept []time.Duration
	c.policy.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestAccountsRetriesRateLimit(t *testing.T) {
	portal := newFakePortal()
	attempts := 0
	portal.handle(http.MethodGet, pathAccounts, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[{"id":7,"alias":"flat","confirmed":true,"tenancy":{"register":"100-200"},"service":{"providerCode":"EIRC"}}]`)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, slept := newTestClient(t, srv)
	accounts, err := c.Accounts(context.Background())
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != 7 || accounts[0].Tenancy.Register != "100-200" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", *slept)
	}
	if (*slept)[0] != 4*time.Second || (*slept)[1] != 8*time.Second {
		t.Fatalf("unexpected backoff schedule: %v", *slept)
	}
}

func TestAccountsHonorsRetryAfter(t *testing.T) {
	portal := newFakePortal()
	attempts := 0
	portal.handle(http.MethodGet, pathAccounts, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "17")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, slept := newTestClient(t, srv)
	if _, err := c.Accounts(context.Background()); err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 17*time.Second {
		t.Fatalf("expected one 17s sleep from Retry-After, got %v", *slept)
	}
}

func TestRateLimitBudgetExhausted(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodGet, pathAccounts, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.Accounts(context.Background())
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.Attempts != maxAttempts {
		t.Fatalf("attempts = %d, want %d", rle.Attempts, maxAttempts)
	}
	if got := portal.count(http.MethodGet, pathAccounts); got != maxAttempts {
		t.Fatalf("portal saw %d requests, want %d", got, maxAttempts)
	}
}

func TestBadRequestRetriesExactlyOnce(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodGet, pathAccounts, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "bad request %d", portal.count(http.MethodGet, pathAccounts))
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.Accounts(context.Background())
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", se.Status)
	}
	if se.Body != "bad request 2" {
		t.Fatalf("body = %q, want the second response body", se.Body)
	}
	if got := portal.count(http.MethodGet, pathAccounts); got != 2 {
		t.Fatalf("portal saw %d requests, want 2", got)
	}
}

func TestServerErrorRetriesThenFails(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodGet, pathAccounts, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, slept := newTestClient(t, srv)
	_, err := c.Accounts(context.Background())
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.Status != http.StatusBadGateway || se.Attempts != maxAttempts {
		t.Fatalf("unexpected failure: %+v", se)
	}
	if len(*slept) != maxAttempts-1 {
		t.Fatalf("expected %d sleeps, got %v", maxAttempts-1, *slept)
	}
}

func TestUnauthorizedTriggersReauth(t *testing.T) {
	portal := newFakePortal()
	attempts := 0
	portal.handle(http.MethodGet, pathAccounts, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-auth" {
			t.Errorf("Authorization = %q after reauth", got)
		}
		fmt.Fprint(w, `[]`)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	// Simulate a stale restored token the portal no longer accepts.
	c.SetTokenState(TokenState{SessionCookie: "sess-old", TokenAuth: "tok-stale", TokenVerify: "tok-verify"})

	if _, err := c.Accounts(context.Background()); err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if got := portal.count(http.MethodPost, pathAuth); got != 1 {
		t.Fatalf("auth endpoint saw %d requests, want 1", got)
	}
}

func TestAuthTwoFactorChallenge(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodPost, pathAuth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFailedDependency)
		fmt.Fprint(w, `{"transactionId":"tx-42","types":["EMAIL"]}`)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	err := c.Authenticate(context.Background())
	var tfe *TwoFactorRequiredError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected TwoFactorRequiredError, got %v", err)
	}
	if tfe.TransactionID != "tx-42" {
		t.Fatalf("transaction = %q, want tx-42", tfe.TransactionID)
	}
	if len(tfe.Methods) != 1 || tfe.Methods[0] != "EMAIL" {
		t.Fatalf("methods = %v, want [EMAIL]", tfe.Methods)
	}
	if !IsAuthProblem(err) {
		t.Fatal("IsAuthProblem should report a pending challenge")
	}
}

func TestVerifyEmailCodeStoresTokens(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodPost, fmt.Sprintf(pathEmailVerify, "tx-42"), func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["code"] != "123456" {
			t.Errorf("unexpected verification payload: %v (%v)", body, err)
		}
		json.NewEncoder(w).Encode(map[string]string{"auth": "tok-new", "verified": "tok-ver"})
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	c.SetTokenState(TokenState{SessionCookie: "sess-1"})
	if err := c.VerifyEmailCode(context.Background(), "tx-42", "123456"); err != nil {
		t.Fatalf("VerifyEmailCode: %v", err)
	}

	state := c.TokenState()
	if state.TokenAuth != "tok-new" || state.TokenVerify != "tok-ver" {
		t.Fatalf("tokens not stored: %+v", state)
	}
	if !state.Complete() {
		t.Fatal("token state should be complete after verification")
	}
}

func TestSessionHeadersPropagate(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodGet, pathAccounts, func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(sessionCookieName); err != nil || cookie.Value != "sess-1" {
			t.Errorf("session cookie missing or wrong: %v", err)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-auth" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `[]`)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	if _, err := c.Accounts(context.Background()); err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if got := portal.count(http.MethodGet, pathCookie); got != 1 {
		t.Fatalf("cookie endpoint saw %d requests, want 1", got)
	}
}

func TestBalanceAggregatesCheckedItems(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodGet, fmt.Sprintf(pathBalance, int64(7)), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"checked":true,"charge":{"accrued":1200.50},"bill":{"id":9001}},
			{"checked":false,"charge":{"accrued":99.99},"bill":{"id":9002}},
			{"checked":true,"charge":{"accrued":300.25},"bill":{"id":9003}}
		]`)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	bal, err := c.Balance(context.Background(), 7)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Amount != 1500.75 {
		t.Fatalf("amount = %v, want 1500.75", bal.Amount)
	}
	if bal.BillID != 9001 {
		t.Fatalf("bill = %d, want first checked item's bill", bal.BillID)
	}
	if bal.AsOf.IsZero() {
		t.Fatal("AsOf not set")
	}
}

func TestMetersDecoding(t *testing.T) {
	portal := newFakePortal()
	portal.handle(http.MethodGet, fmt.Sprintf(pathMeters, int64(7)), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{
			"id":{"registration":"EL-555"},
			"name":"Electricity",
			"subserviceId":54179,
			"indications":[
				{"meterScaleId":1,"scaleName":"Day","unit":"kWh","previousReading":1500,"previousReadingDate":"2026-07-20"},
				{"meterScaleId":2,"scaleName":"Night","unit":"kWh","previousReading":800,"previousReadingDate":"2026-07-20"}
			]
		}]`)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	meters, err := c.Meters(context.Background(), 7)
	if err != nil {
		t.Fatalf("Meters: %v", err)
	}
	if len(meters) != 1 {
		t.Fatalf("got %d meters, want 1", len(meters))
	}
	m := meters[0]
	if m.ID.Registration != "EL-555" || m.Kind() != "electricity" {
		t.Fatalf("unexpected meter: %+v", m)
	}
	if len(m.Indications) != 2 || m.Indications[1].ScaleName != "Night" {
		t.Fatalf("unexpected indications: %+v", m.Indications)
	}
}

func submissionMeter() Meter {
	return Meter{
		ID:           MeterID{Registration: "EL-555"},
		SubserviceID: subserviceElectricity,
		Indications: []Indication{
			{MeterScaleID: 1, ScaleName: "Day", PreviousReading: 1500},
		},
	}
}

func TestSubmitReadingRejectsDecrease(t *testing.T) {
	portal := newFakePortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	err := c.SubmitReading(context.Background(), 7, submissionMeter(), 1, 1400)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// Local validation must reject before any network traffic.
	if got := portal.count(http.MethodGet, pathCookie); got != 0 {
		t.Fatalf("portal saw %d requests, want 0", got)
	}
}

func TestSubmitReadingRejectsImplausibleJump(t *testing.T) {
	portal := newFakePortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	// Max increase is 100 in the test config.
	err := c.SubmitReading(context.Background(), 7, submissionMeter(), 1, 1700)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitReadingUnknownScale(t *testing.T) {
	portal := newFakePortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	err := c.SubmitReading(context.Background(), 7, submissionMeter(), 99, 1501)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitReadingSuccess(t *testing.T) {
	portal := newFakePortal()
	path := fmt.Sprintf(pathReading, int64(7), "EL-555")
	portal.handle(http.MethodPost, path, func(w http.ResponseWriter, r *http.Request) {
		var readings []Reading
		if err := json.NewDecoder(r.Body).Decode(&readings); err != nil {
			t.Errorf("decode submission: %v", err)
			return
		}
		if len(readings) != 1 || readings[0].ScaleID != 1 || readings[0].Value != 1550 {
			t.Errorf("unexpected submission payload: %+v", readings)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	if err := c.SubmitReading(context.Background(), 7, submissionMeter(), 1, 1550); err != nil {
		t.Fatalf("SubmitReading: %v", err)
	}
	if got := portal.count(http.MethodPost, path); got != 1 {
		t.Fatalf("submission endpoint saw %d requests, want 1", got)
	}
}

func TestSubmitReadingPortalRejection(t *testing.T) {
	portal := newFakePortal()
	path := fmt.Sprintf(pathReading, int64(7), "EL-555")
	portal.handle(http.MethodPost, path, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "reading out of range", http.StatusUnprocessableEntity)
	})
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	err := c.SubmitReading(context.Background(), 7, submissionMeter(), 1, 1550)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError from portal rejection, got %v", err)
	}
}

func TestPing(t *testing.T) {
	portal := newFakePortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
		{"garbage", 0},
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.value != "" {
			h.Set("Retry-After", tc.value)
		}
		if got := retryAfter(h); got != tc.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
