// Package auction implements the bidding engine: the in-memory registry of
// active auctions, bid validation and acceptance, and time-driven settlement.
package auction

import (
	"errors"
	"sync"
	"time"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// Errors returned by auction operations. Business rejections, not faults;
// the transport layer maps them to client responses.
var (
	ErrBidTooLow         = errors.New("bid does not exceed the current floor")
	ErrInvalidParameters = errors.New("invalid parameters")
)

// MinIncrement is the minimum amount by which a bid must exceed the floor.
const MinIncrement = 1

// SnipePolicy configures the anti-snipe deadline extension: a bid accepted
// within Window of the deadline pushes it out by Extension, at most once per
// accepted bid.
type SnipePolicy struct {
	Window    time.Duration
	Extension time.Duration
}

// BidOutcome reports an accepted bid back to the caller.
type BidOutcome struct {
	Bid           store.Bid
	NewFloor      int
	ExtendedUntil *time.Time
}

// Auction is the in-memory mirror of one active auction and its accepted
// bids. It is a cache over the durable rows: every mutation is committed to
// the store before being applied here, and the whole thing is rebuilt from
// the store on startup.
type Auction struct {
	mu   sync.Mutex
	row  store.Auction
	bids []store.Bid
}

func newAuction(row store.Auction, bids []store.Bid) *Auction {
	return &Auction{row: row, bids: bids}
}

// Snapshot returns copies of the auction row and its bids.
func (a *Auction) Snapshot() (store.Auction, []store.Bid) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bids := make([]store.Bid, len(a.bids))
	copy(bids, a.bids)
	return a.row, bids
}

// Floor returns the amount a new bid must exceed: the highest accepted bid,
// or the minimum bid if none exists.
func (a *Auction) Floor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.floorLocked()
}

// floorLocked requires a.mu to be held. Accepted bids are strictly
// increasing, so the last one is the highest.
func (a *Auction) floorLocked() int {
	if len(a.bids) == 0 {
		return a.row.MinBid
	}
	return a.bids[len(a.bids)-1].Amount
}

// validateBidLocked checks status and floor. Requires a.mu.
func (a *Auction) validateBidLocked(amount int) error {
	if a.row.Status != store.StatusActive {
		return store.ErrAuctionNotActive
	}
	if amount < a.floorLocked()+MinIncrement {
		return ErrBidTooLow
	}
	return nil
}

// extensionLocked returns the new deadline when a bid accepted at now falls
// inside the anti-snipe window, or nil. Requires a.mu.
func (a *Auction) extensionLocked(now time.Time, snipe SnipePolicy) *time.Time {
	if snipe.Window <= 0 || snipe.Extension <= 0 {
		return nil
	}
	if a.row.EndsAt.Sub(now) > snipe.Window {
		return nil
	}
	t := a.row.EndsAt.Add(snipe.Extension)
	return &t
}
