package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eircbridge/eircbridge/internal/coordinator"
	"github.com/eircbridge/eircbridge/internal/eirc"
	"github.com/eircbridge/eircbridge/internal/state"
)

type mockBridge struct {
	snap       coordinator.Snapshot
	hasSnap    bool
	status     coordinator.Status
	refreshErr error
	submitErr  error
	submitted  []string
}

func (m *mockBridge) Snapshot() (coordinator.Snapshot, bool) { return m.snap, m.hasSnap }
func (m *mockBridge) Status() coordinator.Status             { return m.status }

func (m *mockBridge) Refresh(ctx context.Context) (coordinator.Snapshot, error) {
	if m.refreshErr != nil {
		return m.snap, m.refreshErr
	}
	m.snap.Version++
	m.hasSnap = true
	return m.snap, nil
}

func (m *mockBridge) SubmitReading(ctx context.Context, registration string, scaleID int64, value float64) error {
	m.submitted = append(m.submitted, registration)
	return m.submitErr
}

type mockSubmissionLog struct {
	subs []state.Submission
}

func (m *mockSubmissionLog) RecentSubmissions(limit int) ([]state.Submission, error) {
	if limit < len(m.subs) {
		return m.subs[:limit], nil
	}
	return m.subs, nil
}

func testSnapshot() coordinator.Snapshot {
	return coordinator.Snapshot{
		Version:   3,
		FetchedAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Accounts: map[string]coordinator.AccountData{
			"100-200": {
				Account: eirc.Account{
					ID:      7,
					Alias:   "Flat 12",
					Tenancy: eirc.Tenancy{Register: "100-200"},
					Service: eirc.Service{ProviderCode: "EIRC"},
				},
				Meters: []eirc.Meter{{
					ID:           eirc.MeterID{Registration: "EL-555"},
					Name:         "Electricity",
					SubserviceID: 54179,
					Indications: []eirc.Indication{
						{MeterScaleID: 1, ScaleName: "Day", Unit: "kWh", PreviousReading: 1500},
					},
				}},
				Balance: eirc.Balance{Amount: 1200.50, BillID: 9001},
			},
		},
	}
}

func testServer(bridge *mockBridge) *Server {
	return NewServer("127.0.0.1", 0, bridge, nil, slog.New(slog.DiscardHandler))
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthHealthy(t *testing.T) {
	bridge := &mockBridge{
		hasSnap: true,
		status:  coordinator.Status{HasSnapshot: true, Version: 3},
	}
	rec := doRequest(t, testServer(bridge), http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestHealthDegraded(t *testing.T) {
	bridge := &mockBridge{
		status: coordinator.Status{HasSnapshot: false, LastError: "portal down", ConsecutiveFailures: 3},
	}
	rec := doRequest(t, testServer(bridge), http.MethodGet, "/health", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["last_error"] != "portal down" {
		t.Errorf("last_error = %v", body["last_error"])
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	bridge := &mockBridge{snap: testSnapshot(), hasSnap: true}
	rec := doRequest(t, testServer(bridge), http.MethodGet, "/v1/snapshot", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Version != 3 {
		t.Errorf("version = %d, want 3", body.Version)
	}
	acct, ok := body.Accounts["100-200"]
	if !ok {
		t.Fatal("account missing from response")
	}
	if acct.Balance != 1200.50 || acct.BillID != 9001 {
		t.Errorf("balance fields wrong: %+v", acct)
	}
	if len(acct.Meters) != 1 || acct.Meters[0].Kind != "electricity" {
		t.Errorf("meters wrong: %+v", acct.Meters)
	}
	if len(acct.Meters[0].Scales) != 1 || acct.Meters[0].Scales[0].Reading != 1500 {
		t.Errorf("scales wrong: %+v", acct.Meters[0].Scales)
	}
}

func TestSnapshotBeforeFirstPoll(t *testing.T) {
	rec := doRequest(t, testServer(&mockBridge{}), http.MethodGet, "/v1/snapshot", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	bridge := &mockBridge{snap: testSnapshot(), hasSnap: true}
	rec := doRequest(t, testServer(bridge), http.MethodPost, "/v1/refresh", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["version"].(float64) != 4 {
		t.Errorf("version = %v, want 4 after refresh", body["version"])
	}
}

func TestRefreshRateLimited(t *testing.T) {
	bridge := &mockBridge{refreshErr: &eirc.RateLimitedError{Attempts: 5}}
	rec := doRequest(t, testServer(bridge), http.MethodPost, "/v1/refresh", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestSubmitReading(t *testing.T) {
	bridge := &mockBridge{snap: testSnapshot(), hasSnap: true}
	rec := doRequest(t, testServer(bridge), http.MethodPost, "/v1/readings",
		`{"registration":"EL-555","scale_id":1,"value":1550}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if len(bridge.submitted) != 1 || bridge.submitted[0] != "EL-555" {
		t.Errorf("submitted = %v", bridge.submitted)
	}
}

func TestSubmitReadingValidationError(t *testing.T) {
	bridge := &mockBridge{submitErr: &eirc.ValidationError{Reason: "below last reading"}}
	rec := doRequest(t, testServer(bridge), http.MethodPost, "/v1/readings",
		`{"registration":"EL-555","scale_id":1,"value":10}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitReadingAuthError(t *testing.T) {
	bridge := &mockBridge{submitErr: &eirc.TwoFactorRequiredError{TransactionID: "tx-1"}}
	rec := doRequest(t, testServer(bridge), http.MethodPost, "/v1/readings",
		`{"registration":"EL-555","scale_id":1,"value":1550}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSubmitReadingBadBody(t *testing.T) {
	bridge := &mockBridge{}
	rec := doRequest(t, testServer(bridge), http.MethodPost, "/v1/readings", `{"registration":}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(bridge.submitted) != 0 {
		t.Error("invalid body still reached the bridge")
	}

	rec = doRequest(t, testServer(bridge), http.MethodPost, "/v1/readings",
		`{"scale_id":1,"value":5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d for missing registration, want 400", rec.Code)
	}
}

func TestSubmissionsEndpoint(t *testing.T) {
	s := testServer(&mockBridge{})
	s.SetSubmissionLog(&mockSubmissionLog{subs: []state.Submission{
		{AccountID: 7, Registration: "EL-555", ScaleID: 1, Value: 1550},
		{AccountID: 7, Registration: "EL-555", ScaleID: 2, Value: 800},
	}})

	rec := doRequest(t, s, http.MethodGet, "/v1/submissions?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Submissions []struct {
			Registration string  `json:"registration"`
			Value        float64 `json:"value"`
		} `json:"submissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Submissions) != 1 {
		t.Fatalf("got %d submissions, want limit-bounded 1", len(body.Submissions))
	}
	if body.Submissions[0].Registration != "EL-555" || body.Submissions[0].Value != 1550 {
		t.Errorf("unexpected entry: %+v", body.Submissions[0])
	}
}

func TestSubmissionsNotConfigured(t *testing.T) {
	rec := doRequest(t, testServer(&mockBridge{}), http.MethodGet, "/v1/submissions", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	rec := doRequest(t, testServer(&mockBridge{}), http.MethodGet, "/v1/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["version"]; !ok {
		t.Error("version field missing")
	}
}
