// Package server exposes the engine over HTTP and a websocket live feed. It
// is a thin boundary: requests are decoded, validated and handed to the
// domain services, and domain errors are mapped onto status codes.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/jensholdgaard/dkp-auction-engine/internal/auction"
	"github.com/jensholdgaard/dkp-auction-engine/internal/ledger"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// Server routes API requests to the auction and ledger services.
type Server struct {
	registry  *auction.Registry
	processor *auction.Processor
	ledger    *ledger.Service
	hub       *Hub
	logger    *slog.Logger
	validate  *validator.Validate
	router    chi.Router
}

// New builds the API server. The hub may be nil when the live feed is
// disabled.
func New(registry *auction.Registry, processor *auction.Processor, ledgerSvc *ledger.Service, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		registry:  registry,
		processor: processor,
		ledger:    ledgerSvc,
		hub:       hub,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auctions", func(r chi.Router) {
			r.Post("/", s.handleCreateAuction)
			r.Get("/", s.handleListAuctions)
			r.Get("/{auctionID}", s.handleGetAuction)
			r.Delete("/{auctionID}", s.handleCancelAuction)
			r.Post("/{auctionID}/bids", s.handleSubmitBid)
		})
		r.Route("/members", func(r chi.Router) {
			r.Get("/", s.handleStandings)
			r.Put("/{memberID}", s.handleUpsertMember)
			r.Get("/{memberID}", s.handleGetBalance)
			r.Get("/{memberID}/transactions", s.handleTransactions)
			r.Post("/{memberID}/award", s.handleAward)
			r.Post("/{memberID}/spend", s.handleSpend)
			r.Post("/{memberID}/repair", s.handleRepair)
		})
		if s.hub != nil {
			r.Get("/ws", s.hub.handleWebsocket)
		}
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler { return s.router }

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error("encoding response failed", slog.Any("error", err))
		}
	}
}

// writeError maps a domain error onto a status code and a stable error code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, auction.ErrInvalidParameters), errors.Is(err, ledger.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_parameters"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, auction.ErrBidTooLow):
		status, code = http.StatusConflict, "bid_too_low"
	case errors.Is(err, store.ErrAuctionNotActive):
		status, code = http.StatusConflict, "auction_not_active"
	case errors.Is(err, store.ErrInsufficientBalance):
		status, code = http.StatusConflict, "insufficient_balance"
	case errors.Is(err, store.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}

	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	s.writeJSON(w, status, body)
}

// decode unmarshals and validates a JSON request body.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return auction.ErrInvalidParameters
	}
	if err := s.validate.Struct(v); err != nil {
		return auction.ErrInvalidParameters
	}
	return nil
}
