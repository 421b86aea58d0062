package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

type pointsRequest struct {
	Amount      int    `json:"amount" validate:"required,gt=0"`
	Reason      string `json:"reason" validate:"required"`
	PerformedBy string `json:"performed_by" validate:"required"`
}

type balanceResponse struct {
	MemberID       string    `json:"member_id"`
	CurrentPoints  int       `json:"current_points"`
	LifetimeGained int       `json:"lifetime_gained"`
	LifetimeSpent  int       `json:"lifetime_spent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type transactionResponse struct {
	ID               string    `json:"id"`
	Amount           int       `json:"amount"`
	Reason           string    `json:"reason"`
	PerformedBy      string    `json:"performed_by"`
	RelatedAuctionID *string   `json:"related_auction_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type awardResponse struct {
	Balance    balanceResponse `json:"balance"`
	ActualGain int             `json:"actual_gain"`
	WasCapped  bool            `json:"was_capped"`
}

func balanceView(b *store.Balance) balanceResponse {
	return balanceResponse{
		MemberID:       b.MemberID,
		CurrentPoints:  b.CurrentPoints,
		LifetimeGained: b.LifetimeGained,
		LifetimeSpent:  b.LifetimeSpent,
		UpdatedAt:      b.UpdatedAt,
	}
}

func transactionView(t *store.PointTransaction) transactionResponse {
	return transactionResponse{
		ID:               t.ID,
		Amount:           t.Amount,
		Reason:           t.Reason,
		PerformedBy:      t.PerformedBy,
		RelatedAuctionID: t.RelatedAuctionID,
		CreatedAt:        t.CreatedAt,
	}
}

func (s *Server) handleUpsertMember(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Register(r.Context(), chi.URLParam(r, "memberID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceView(b))
}

func (s *Server) handleStandings(w http.ResponseWriter, r *http.Request) {
	balances, err := s.ledger.Standings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]balanceResponse, 0, len(balances))
	for i := range balances {
		out = append(out, balanceView(&balances[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Balance(r.Context(), chi.URLParam(r, "memberID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceView(b))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.ledger.History(r.Context(), chi.URLParam(r, "memberID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(txns))
	for i := range txns {
		out = append(out, transactionView(&txns[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	memberID := chi.URLParam(r, "memberID")
	res, err := s.ledger.Award(r.Context(), memberID, req.Amount, req.Reason, req.PerformedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.ledger.Balance(r.Context(), memberID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, awardResponse{
		Balance:    balanceView(b),
		ActualGain: res.ActualGain,
		WasCapped:  res.WasCapped,
	})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	txn, err := s.ledger.Spend(r.Context(), chi.URLParam(r, "memberID"), req.Amount, req.Reason, req.PerformedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionView(txn))
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Repair(r.Context(), chi.URLParam(r, "memberID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceView(b))
}
