// Package api implements the bridge's local HTTP API: health and
// snapshot inspection, forced refreshes, and meter reading submission
// for callers that don't go through MQTT.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eircbridge/eircbridge/internal/buildinfo"
	"github.com/eircbridge/eircbridge/internal/connwatch"
	"github.com/eircbridge/eircbridge/internal/coordinator"
	"github.com/eircbridge/eircbridge/internal/eirc"
	"github.com/eircbridge/eircbridge/internal/state"
)

// Bridge is the slice of the coordinator the API exposes.
type Bridge interface {
	Snapshot() (coordinator.Snapshot, bool)
	Status() coordinator.Status
	Refresh(ctx context.Context) (coordinator.Snapshot, error)
	SubmitReading(ctx context.Context, registration string, scaleID int64, value float64) error
}

// SubmissionLog reads the persisted reading submission audit trail.
type SubmissionLog interface {
	RecentSubmissions(limit int) ([]state.Submission, error)
}

// writeJSON encodes v as JSON to w. Errors here typically mean the
// client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the local HTTP API server.
type Server struct {
	address     string
	port        int
	bridge      Bridge
	watch       *connwatch.Manager
	submissions SubmissionLog
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates an API server.
func NewServer(address string, port int, bridge Bridge, watch *connwatch.Manager, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		bridge:  bridge,
		watch:   watch,
		logger:  logger,
	}
}

// SetSubmissionLog wires the audit log behind GET /v1/submissions.
func (s *Server) SetSubmissionLog(log SubmissionLog) {
	s.submissions = log
}

// Handler returns the configured route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/readings", s.handleSubmitReading)
	mux.HandleFunc("GET /v1/submissions", s.handleSubmissions)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // reading submission rides the portal retry budget
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "eircbridge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.bridge.Status()

	healthy := status.HasSnapshot && !status.AuthRequired
	body := map[string]any{
		"status":               "healthy",
		"has_snapshot":         status.HasSnapshot,
		"snapshot_version":     status.Version,
		"snapshot_fetched_at":  status.FetchedAt,
		"consecutive_failures": status.ConsecutiveFailures,
		"auth_required":        status.AuthRequired,
	}
	if status.LastError != "" {
		body["last_error"] = status.LastError
	}
	if s.watch != nil {
		body["services"] = s.watch.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		body["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, body, s.logger)
}

// --- Snapshot ---

type meterScaleResponse struct {
	ScaleID     int64   `json:"scale_id"`
	ScaleName   string  `json:"scale_name"`
	Unit        string  `json:"unit"`
	Reading     float64 `json:"reading"`
	ReadingDate string  `json:"reading_date,omitempty"`
}

type meterResponse struct {
	Registration string               `json:"registration"`
	Name         string               `json:"name"`
	Kind         string               `json:"kind"`
	Scales       []meterScaleResponse `json:"scales"`
}

type accountResponse struct {
	Tenancy   string          `json:"tenancy"`
	Alias     string          `json:"alias,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Balance   float64         `json:"balance"`
	BillID    int64           `json:"bill_id,omitempty"`
	BalanceAt time.Time       `json:"balance_at"`
	Stale     bool            `json:"stale,omitempty"`
	Meters    []meterResponse `json:"meters"`
}

type snapshotResponse struct {
	Version   uint64                     `json:"version"`
	FetchedAt time.Time                  `json:"fetched_at"`
	Accounts  map[string]accountResponse `json:"accounts"`
}

func snapshotToResponse(snap coordinator.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		Version:   snap.Version,
		FetchedAt: snap.FetchedAt,
		Accounts:  make(map[string]accountResponse, len(snap.Accounts)),
	}
	for tenancy, data := range snap.Accounts {
		acct := accountResponse{
			Tenancy:   tenancy,
			Alias:     data.Account.Alias,
			Provider:  data.Account.Service.ProviderCode,
			Balance:   data.Balance.Amount,
			BillID:    data.Balance.BillID,
			BalanceAt: data.Balance.AsOf,
			Stale:     data.Stale,
		}
		for _, m := range data.Meters {
			meter := meterResponse{
				Registration: m.ID.Registration,
				Name:         m.Name,
				Kind:         m.Kind(),
			}
			for _, ind := range m.Indications {
				meter.Scales = append(meter.Scales, meterScaleResponse{
					ScaleID:     ind.MeterScaleID,
					ScaleName:   ind.ScaleName,
					Unit:        ind.Unit,
					Reading:     ind.PreviousReading,
					ReadingDate: ind.PreviousReadingDate,
				})
			}
			acct.Meters = append(acct.Meters, meter)
		}
		resp.Accounts[tenancy] = acct
	}
	return resp
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.bridge.Snapshot()
	if !ok {
		s.errorResponse(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snapshotToResponse(snap), s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.bridge.Refresh(r.Context())
	if err != nil {
		s.portalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"version":    snap.Version,
		"fetched_at": snap.FetchedAt,
		"accounts":   len(snap.Accounts),
	}, s.logger)
}

// --- Reading submission ---

type submitReadingRequest struct {
	Registration string  `json:"registration"`
	ScaleID      int64   `json:"scale_id"`
	Value        float64 `json:"value"`
}

func (s *Server) handleSubmitReading(w http.ResponseWriter, r *http.Request) {
	var req submitReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Registration == "" {
		s.errorResponse(w, http.StatusBadRequest, "registration is required")
		return
	}

	if err := s.bridge.SubmitReading(r.Context(), req.Registration, req.ScaleID, req.Value); err != nil {
		s.portalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":       "submitted",
		"registration": req.Registration,
		"scale_id":     req.ScaleID,
		"value":        req.Value,
	}, s.logger)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	if s.submissions == nil {
		s.errorResponse(w, http.StatusNotFound, "submission log not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	subs, err := s.submissions.RecentSubmissions(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	type entry struct {
		AccountID    int64     `json:"account_id"`
		Registration string    `json:"registration"`
		ScaleID      int64     `json:"scale_id"`
		Value        float64   `json:"value"`
		SubmittedAt  time.Time `json:"submitted_at"`
	}
	out := make([]entry, 0, len(subs))
	for _, sub := range subs {
		out = append(out, entry{
			AccountID:    sub.AccountID,
			Registration: sub.Registration,
			ScaleID:      sub.ScaleID,
			Value:        sub.Value,
			SubmittedAt:  sub.SubmittedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"submissions": out}, s.logger)
}

// portalError maps the portal error taxonomy onto HTTP statuses.
func (s *Server) portalError(w http.ResponseWriter, err error) {
	var ve *eirc.ValidationError
	var rle *eirc.RateLimitedError
	switch {
	case errors.As(err, &ve):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rle):
		s.errorResponse(w, http.StatusTooManyRequests, err.Error())
	case eirc.IsAuthProblem(err):
		s.errorResponse(w, http.StatusUnauthorized, err.Error())
	default:
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}, s.logger)
}
