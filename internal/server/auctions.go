package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

type createAuctionRequest struct {
	ItemID          string `json:"item_id" validate:"required"`
	MinBid          int    `json:"min_bid" validate:"required,gt=0"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,gt=0"`
	CreatedBy       string `json:"created_by" validate:"required"`
}

type submitBidRequest struct {
	BidderID string `json:"bidder_id" validate:"required"`
	Amount   int    `json:"amount" validate:"required,gt=0"`
}

type cancelAuctionRequest struct {
	CancelledBy string `json:"cancelled_by" validate:"required"`
}

type auctionResponse struct {
	ID              string     `json:"id"`
	ItemID          string     `json:"item_id"`
	MinBid          int        `json:"min_bid"`
	Status          string     `json:"status"`
	CreatedBy       string     `json:"created_by"`
	WinnerID        *string    `json:"winner_id,omitempty"`
	WinningBid      *int       `json:"winning_bid,omitempty"`
	EndsAt          time.Time  `json:"ends_at"`
	DurationMinutes int        `json:"duration_minutes"`
	CreatedAt       time.Time  `json:"created_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Bids            []bidView  `json:"bids,omitempty"`
}

type bidView struct {
	ID        string    `json:"id"`
	BidderID  string    `json:"bidder_id"`
	Amount    int       `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type bidOutcomeResponse struct {
	Bid           bidView    `json:"bid"`
	NewFloor      int        `json:"new_floor"`
	ExtendedUntil *time.Time `json:"extended_until,omitempty"`
}

func auctionView(a *store.Auction, bids []store.Bid) auctionResponse {
	out := auctionResponse{
		ID:              a.ID,
		ItemID:          a.ItemID,
		MinBid:          a.MinBid,
		Status:          a.Status,
		CreatedBy:       a.CreatedBy,
		WinnerID:        a.WinnerID,
		WinningBid:      a.WinningBid,
		EndsAt:          a.EndsAt,
		DurationMinutes: a.DurationMinutes,
		CreatedAt:       a.CreatedAt,
		EndedAt:         a.EndedAt,
	}
	for _, b := range bids {
		out.Bids = append(out.Bids, bidView{ID: b.ID, BidderID: b.BidderID, Amount: b.Amount, CreatedAt: b.CreatedAt})
	}
	return out
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	a, err := s.registry.Create(r.Context(), req.ItemID, req.MinBid, req.DurationMinutes, req.CreatedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.hub != nil {
		s.hub.BroadcastAuctionOpened(a)
	}
	s.writeJSON(w, http.StatusCreated, auctionView(a, nil))
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	rows := s.registry.ListActive()
	out := make([]auctionResponse, 0, len(rows))
	for i := range rows {
		out = append(out, auctionView(&rows[i], nil))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	a, bids, err := s.registry.Fetch(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auctionView(a, bids))
}

func (s *Server) handleCancelAuction(w http.ResponseWriter, r *http.Request) {
	var req cancelAuctionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	a, err := s.registry.Cancel(r.Context(), chi.URLParam(r, "auctionID"), req.CancelledBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auctionView(a, nil))
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req submitBidRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	auctionID := chi.URLParam(r, "auctionID")
	outcome, err := s.processor.SubmitBid(r.Context(), auctionID, req.BidderID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.hub != nil {
		s.hub.BroadcastBidAccepted(outcome)
	}
	s.writeJSON(w, http.StatusCreated, bidOutcomeResponse{
		Bid: bidView{
			ID:        outcome.Bid.ID,
			BidderID:  outcome.Bid.BidderID,
			Amount:    outcome.Bid.Amount,
			CreatedAt: outcome.Bid.CreatedAt,
		},
		NewFloor:      outcome.NewFloor,
		ExtendedUntil: outcome.ExtendedUntil,
	})
}
