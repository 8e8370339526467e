// Package api exposes quoting, execution, coverages, the hedge ledger, and
// risk counters over HTTP, plus a WebSocket feed of audit events.
//
// All monetary values are shopspring/decimal strings on the wire.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/quote"
	"github.com/atmx/hedge-engine/internal/risk"
)

// Venues reports connector circuit breaker states.
type Venues interface {
	BreakerStates() map[string]string
}

// Server holds the handlers' dependencies.
type Server struct {
	quotes   *quote.Service
	ledger   *ledger.Ledger
	controls *config.Holder
	venues   Venues
	hub      *WSHub
	log      *slog.Logger
}

// NewServer creates the HTTP layer. venues and hub may be nil.
func NewServer(quotes *quote.Service, l *ledger.Ledger, controls *config.Holder, venues Venues, hub *WSHub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		quotes:   quotes,
		ledger:   l,
		controls: controls,
		venues:   venues,
		hub:      hub,
		log:      log.With("component", "api"),
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS for browser dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/quotes", s.CreateQuote)
		r.Post("/quotes/{quoteID}/execute", s.ExecuteQuote)

		r.Get("/coverages", s.ListCoverages)
		r.Get("/coverages/{coverageID}", s.GetCoverage)

		r.Get("/ledger", s.GetLedger)

		r.Get("/accounts/{accountID}/positions", s.GetPositions)
		r.Put("/accounts/{accountID}/positions", s.PutPositions)

		r.Get("/risk", s.GetRisk)
		r.Put("/controls", s.PutControls)
	})
	return r
}

// --- Request/Response types ---

// ExecuteRequest is the JSON body for POST /quotes/{quoteID}/execute.
type ExecuteRequest struct {
	AccountID string `json:"account_id"`
}

// RiskResponse is the body of GET /risk.
type RiskResponse struct {
	risk.State
	Venues map[string]string `json:"venues,omitempty"`
}

// --- HTTP Handlers ---

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"service":          "hedge-engine",
		"active_coverages": len(s.ledger.Active()),
	})
}

// CreateQuote handles POST /api/v1/quotes
func (s *Server) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quote.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := s.quotes.Quote(r.Context(), req)
	if err != nil {
		s.writeRejection(w, err)
		return
	}

	s.log.Info("quote issued",
		"quote_id", q.ID,
		"account", req.AccountID,
		"tier", string(req.Tier),
		"asset", req.Position.Asset,
		"status", string(q.Outcome.Status),
		"fee", q.Fee.String(),
		"premium", q.Premium.String(),
		"stale", q.Stale,
	)
	writeJSON(w, http.StatusCreated, q)
}

// ExecuteQuote handles POST /api/v1/quotes/{quoteID}/execute
func (s *Server) ExecuteQuote(w http.ResponseWriter, r *http.Request) {
	quoteID := chi.URLParam(r, "quoteID")

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	exec, err := s.quotes.Execute(r.Context(), quoteID, req.AccountID)
	if err != nil {
		s.writeRejection(w, err)
		return
	}

	s.log.Info("quote executed",
		"quote_id", quoteID,
		"coverage_id", exec.Coverage.ID,
		"account", req.AccountID,
		"filled", exec.FilledSize.String(),
		"requested", exec.RequestedSize.String(),
		"warnings", len(exec.Warnings),
	)
	writeJSON(w, http.StatusCreated, exec)
}

// ListCoverages handles GET /api/v1/coverages
// Optionally filtered by ?account_id= and ?status=.
func (s *Server) ListCoverages(w http.ResponseWriter, r *http.Request) {
	covs := s.ledger.Coverages(r.URL.Query().Get("account_id"))
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := covs[:0]
		for _, c := range covs {
			if c.Status == status {
				filtered = append(filtered, c)
			}
		}
		covs = filtered
	}
	if covs == nil {
		covs = []model.Coverage{}
	}
	writeJSON(w, http.StatusOK, covs)
}

// GetCoverage handles GET /api/v1/coverages/{coverageID}
func (s *Server) GetCoverage(w http.ResponseWriter, r *http.Request) {
	cov, err := s.ledger.Lookup(r.Context(), chi.URLParam(r, "coverageID"))
	switch {
	case errors.Is(err, ledger.ErrCoverageNotFound):
		writeError(w, "coverage not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("coverage lookup failed", "error", err)
		writeError(w, "coverage lookup failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, cov)
}

// GetLedger handles GET /api/v1/ledger
// Returns open hedge inventory and cumulative realized P&L.
func (s *Server) GetLedger(w http.ResponseWriter, _ *http.Request) {
	book := s.ledger.Hedges()
	if book.Entries == nil {
		book.Entries = []model.HedgeLedgerEntry{}
	}
	writeJSON(w, http.StatusOK, book)
}

// GetPositions handles GET /api/v1/accounts/{accountID}/positions
func (s *Server) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.quotes.Positions().Account(chi.URLParam(r, "accountID"))
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// PutPositions handles PUT /api/v1/accounts/{accountID}/positions
// The body replaces every position the account holds.
func (s *Server) PutPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var positions []model.Position
	if err := json.NewDecoder(r.Body).Decode(&positions); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Leverage is checked against the tier when a position is quoted.
	for _, p := range positions {
		if err := risk.ValidatePosition(p, decimal.Zero); err != nil {
			s.writeRejection(w, err)
			return
		}
	}

	s.quotes.Positions().Replace(accountID, positions)
	s.log.Info("positions replaced", "account", accountID, "count", len(positions))
	writeJSON(w, http.StatusOK, s.quotes.Positions().Account(accountID))
}

// GetRisk handles GET /api/v1/risk
func (s *Server) GetRisk(w http.ResponseWriter, _ *http.Request) {
	resp := RiskResponse{State: s.quotes.Tracker().State()}
	if s.venues != nil {
		resp.Venues = s.venues.BreakerStates()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PutControls handles PUT /api/v1/controls
// The YAML body is merged over defaults, validated, and swapped in whole.
func (s *Server) PutControls(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rc, err := config.Parse(data)
	if err == nil {
		err = s.controls.Swap(rc)
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info("risk controls reloaded", "tiers", len(rc.Tiers))
	writeJSON(w, http.StatusOK, rc)
}

// writeRejection renders structured rejections as {status, reason,
// suggestions}; anything else is an internal error.
func (s *Server) writeRejection(w http.ResponseWriter, err error) {
	payload, ok := hedgeerr.PayloadOf(err)
	if !ok {
		s.log.Error("request failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusFor(err), payload)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, hedgeerr.ErrInvalidPosition), errors.Is(err, hedgeerr.ErrLeverageExceeded):
		return http.StatusBadRequest
	case errors.Is(err, hedgeerr.ErrQuoteExpired):
		return http.StatusGone
	case errors.Is(err, hedgeerr.ErrQuoteDrift):
		return http.StatusConflict
	case errors.Is(err, hedgeerr.ErrNoLiquidity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
