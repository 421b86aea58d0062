package auction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/dkp-auction-engine/internal/auction"
	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store/storetest"
)

var testSnipe = auction.SnipePolicy{Window: 30 * time.Second, Extension: 30 * time.Second}

func newTestRegistry(repo store.AuctionRepository, clk clock.Clock) *auction.Registry {
	return auction.NewRegistry(repo, clk, testSnipe, discardLogger(), noop.NewTracerProvider())
}

func TestRegistry_Create(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	clk := clock.NewMock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	registry := newTestRegistry(repo, clk)
	ctx := context.Background()

	a, err := registry.Create(ctx, "sword-of-bahamut", 10, 60, "gm")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Status != store.StatusActive {
		t.Errorf("Status = %q, want active", a.Status)
	}
	wantEnd := clk.Now().Add(time.Hour)
	if !a.EndsAt.Equal(wantEnd) {
		t.Errorf("EndsAt = %v, want %v", a.EndsAt, wantEnd)
	}

	// The row was committed before being mirrored.
	if _, err := repo.Get(ctx, a.ID); err != nil {
		t.Errorf("durable row missing: %v", err)
	}
	if got := registry.ListActive(); len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("ListActive = %+v", got)
	}
}

func TestRegistry_CreateRejectsBadParameters(t *testing.T) {
	registry := newTestRegistry(storetest.NewAuctionRepo(), clock.NewMock(time.Now()))
	ctx := context.Background()

	cases := []struct {
		name            string
		itemID          string
		minBid          int
		durationMinutes int
		createdBy       string
	}{
		{"missing item", "", 10, 60, "gm"},
		{"missing creator", "item", 10, 60, ""},
		{"zero min bid", "item", 0, 60, "gm"},
		{"negative min bid", "item", -5, 60, "gm"},
		{"zero duration", "item", 10, 0, "gm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Create(ctx, tc.itemID, tc.minBid, tc.durationMinutes, tc.createdBy)
			if !errors.Is(err, auction.ErrInvalidParameters) {
				t.Errorf("Create error = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestRegistry_RecordBidRaisesFloor(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	clk := clock.NewMock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	registry := newTestRegistry(repo, clk)
	ctx := context.Background()

	a, _ := registry.Create(ctx, "item", 10, 60, "gm")

	out, err := registry.RecordBid(ctx, a.ID, "alice", 15, nil)
	if err != nil {
		t.Fatalf("RecordBid: %v", err)
	}
	if out.NewFloor != 15 {
		t.Errorf("NewFloor = %d, want 15", out.NewFloor)
	}

	// Equal to the floor is not enough; it must exceed by the increment.
	if _, err := registry.RecordBid(ctx, a.ID, "bob", 15, nil); !errors.Is(err, auction.ErrBidTooLow) {
		t.Errorf("equal bid error = %v, want ErrBidTooLow", err)
	}
	if _, err := registry.RecordBid(ctx, a.ID, "bob", 16, nil); err != nil {
		t.Errorf("floor+1 bid rejected: %v", err)
	}
}

func TestRegistry_FirstBidMustExceedMinBid(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	registry := newTestRegistry(repo, clock.NewMock(time.Now().UTC()))
	ctx := context.Background()

	a, _ := registry.Create(ctx, "item", 10, 60, "gm")

	if _, err := registry.RecordBid(ctx, a.ID, "alice", 10, nil); !errors.Is(err, auction.ErrBidTooLow) {
		t.Errorf("bid at min error = %v, want ErrBidTooLow", err)
	}
	if _, err := registry.RecordBid(ctx, a.ID, "alice", 11, nil); err != nil {
		t.Errorf("bid above min rejected: %v", err)
	}
}

func TestRegistry_RecordBidUnknownAuction(t *testing.T) {
	registry := newTestRegistry(storetest.NewAuctionRepo(), clock.NewMock(time.Now().UTC()))

	_, err := registry.RecordBid(context.Background(), "no-such-auction", "alice", 15, nil)
	if !errors.Is(err, store.ErrAuctionNotActive) {
		t.Errorf("RecordBid error = %v, want ErrAuctionNotActive", err)
	}
}

func TestRegistry_AntiSnipeExtension(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	registry := newTestRegistry(repo, clk)
	ctx := context.Background()

	a, _ := registry.Create(ctx, "item", 10, 10, "gm")

	// Well outside the window: no extension.
	out, err := registry.RecordBid(ctx, a.ID, "alice", 11, nil)
	if err != nil {
		t.Fatalf("RecordBid: %v", err)
	}
	if out.ExtendedUntil != nil {
		t.Errorf("early bid extended deadline to %v", out.ExtendedUntil)
	}

	// Ten seconds before the deadline: the bid pushes it out by the
	// extension, measured from the old deadline.
	clk.Set(a.EndsAt.Add(-10 * time.Second))
	out, err = registry.RecordBid(ctx, a.ID, "bob", 12, nil)
	if err != nil {
		t.Fatalf("RecordBid in window: %v", err)
	}
	wantEnd := a.EndsAt.Add(30 * time.Second)
	if out.ExtendedUntil == nil || !out.ExtendedUntil.Equal(wantEnd) {
		t.Fatalf("ExtendedUntil = %v, want %v", out.ExtendedUntil, wantEnd)
	}

	// The durable row moved with it.
	row, _ := repo.Get(ctx, a.ID)
	if !row.EndsAt.Equal(wantEnd) {
		t.Errorf("durable EndsAt = %v, want %v", row.EndsAt, wantEnd)
	}

	// A later in-window bid extends again from the new deadline: once per
	// accepted bid, not once per auction.
	clk.Set(wantEnd.Add(-5 * time.Second))
	out, err = registry.RecordBid(ctx, a.ID, "alice", 13, nil)
	if err != nil {
		t.Fatalf("second in-window bid: %v", err)
	}
	if out.ExtendedUntil == nil || !out.ExtendedUntil.Equal(wantEnd.Add(30*time.Second)) {
		t.Errorf("second ExtendedUntil = %v, want %v", out.ExtendedUntil, wantEnd.Add(30*time.Second))
	}
}

func TestRegistry_RejectedBidLeavesStateUnchanged(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	clk := clock.NewMock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	registry := newTestRegistry(repo, clk)
	ctx := context.Background()

	a, _ := registry.Create(ctx, "item", 10, 10, "gm")
	if _, err := registry.RecordBid(ctx, a.ID, "alice", 15, nil); err != nil {
		t.Fatalf("RecordBid: %v", err)
	}

	// Rejected inside the anti-snipe window: the deadline must not move and
	// no bid row may be written.
	clk.Set(a.EndsAt.Add(-10 * time.Second))
	if _, err := registry.RecordBid(ctx, a.ID, "bob", 12, nil); !errors.Is(err, auction.ErrBidTooLow) {
		t.Fatalf("low bid error = %v, want ErrBidTooLow", err)
	}

	row, bids, err := registry.Fetch(ctx, a.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !row.EndsAt.Equal(a.EndsAt) {
		t.Errorf("EndsAt moved to %v after rejected bid", row.EndsAt)
	}
	if len(bids) != 1 {
		t.Errorf("bids = %+v, want the single accepted bid", bids)
	}
}

func TestRegistry_Cancel(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	registry := newTestRegistry(repo, clock.NewMock(time.Now().UTC()))
	ctx := context.Background()

	a, _ := registry.Create(ctx, "item", 10, 60, "gm")

	cancelled, err := registry.Cancel(ctx, a.ID, "gm")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != store.StatusCancelled || cancelled.EndedAt == nil {
		t.Errorf("cancelled = %+v", cancelled)
	}

	// Gone from the registry, and no further bids land.
	if got := registry.ListActive(); len(got) != 0 {
		t.Errorf("ListActive after cancel = %+v", got)
	}
	if _, err := registry.RecordBid(ctx, a.ID, "alice", 15, nil); !errors.Is(err, store.ErrAuctionNotActive) {
		t.Errorf("bid after cancel error = %v, want ErrAuctionNotActive", err)
	}
	if _, err := registry.Cancel(ctx, a.ID, "gm"); !errors.Is(err, store.ErrAuctionNotActive) {
		t.Errorf("double cancel error = %v, want ErrAuctionNotActive", err)
	}
}

func TestRegistry_FetchFallsBackToStore(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	registry := newTestRegistry(repo, clock.NewMock(time.Now().UTC()))
	ctx := context.Background()

	a, _ := registry.Create(ctx, "item", 10, 60, "gm")
	registry.RecordBid(ctx, a.ID, "alice", 15, nil)
	registry.Cancel(ctx, a.ID, "gm")

	row, bids, err := registry.Fetch(ctx, a.ID)
	if err != nil {
		t.Fatalf("Fetch settled auction: %v", err)
	}
	if row.Status != store.StatusCancelled || len(bids) != 1 {
		t.Errorf("Fetch = %+v with %d bids", row, len(bids))
	}

	if _, _, err := registry.Fetch(ctx, "no-such-auction"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Fetch unknown error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Due(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	registry := newTestRegistry(repo, clk)
	ctx := context.Background()

	short, _ := registry.Create(ctx, "short", 10, 1, "gm")
	registry.Create(ctx, "long", 10, 60, "gm")

	if due := registry.Due(clk.Now()); len(due) != 0 {
		t.Errorf("Due before deadline = %v", due)
	}

	clk.Advance(time.Minute)
	due := registry.Due(clk.Now())
	if len(due) != 1 || due[0] != short.ID {
		t.Errorf("Due = %v, want [%s]", due, short.ID)
	}
}

func TestRegistry_Recover(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	clk := clock.NewMock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// Seed durable state through a first registry, as if a previous process
	// wrote it.
	first := newTestRegistry(repo, clk)
	a, _ := first.Create(ctx, "item", 10, 60, "gm")
	first.RecordBid(ctx, a.ID, "alice", 15, nil)
	done, _ := first.Create(ctx, "sold", 10, 60, "gm")
	first.Cancel(ctx, done.ID, "gm")

	restarted := newTestRegistry(repo, clk)
	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover = %d, want 1", n)
	}

	// The recovered auction kept its floor: a bid below it still loses.
	if _, err := restarted.RecordBid(ctx, a.ID, "bob", 15, nil); !errors.Is(err, auction.ErrBidTooLow) {
		t.Errorf("bid at recovered floor error = %v, want ErrBidTooLow", err)
	}
	if _, err := restarted.RecordBid(ctx, a.ID, "bob", 16, nil); err != nil {
		t.Errorf("bid above recovered floor rejected: %v", err)
	}
}

func TestRegistry_RecoverFailsOnBidLoadError(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	clk := clock.NewMock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first := newTestRegistry(repo, clk)
	first.Create(ctx, "item", 10, 60, "gm")

	// An auction that cannot be rebuilt would be unreachable for bids and
	// for settlement, so recovery must fail rather than skip it.
	repo.BidsErr = store.Unavailablef("loading bids", errors.New("connection reset"))
	restarted := newTestRegistry(repo, clk)
	if _, err := restarted.Recover(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Recover error = %v, want ErrUnavailable", err)
	}
	if got := restarted.ListActive(); len(got) != 0 {
		t.Errorf("ListActive after failed recovery = %+v, want empty", got)
	}
}

func TestRegistry_CancelConcurrentWithList(t *testing.T) {
	repo := storetest.NewAuctionRepo()
	registry := newTestRegistry(repo, clock.NewMock(time.Now().UTC()))
	ctx := context.Background()

	a, _ := registry.Create(ctx, "item", 10, 60, "gm")

	// Park the cancel inside the store call while it holds the per-auction
	// lock, then list concurrently so the list blocks on that lock.
	inCancel := make(chan struct{})
	release := make(chan struct{})
	repo.CancelHook = func() {
		close(inCancel)
		<-release
	}

	cancelDone := make(chan error, 1)
	go func() {
		_, err := registry.Cancel(ctx, a.ID, "gm")
		cancelDone <- err
	}()
	<-inCancel

	listDone := make(chan struct{})
	go func() {
		registry.ListActive()
		close(listDone)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-listDone:
	case <-time.After(2 * time.Second):
		t.Fatal("ListActive never returned while a cancel was in flight")
	}
	select {
	case err := <-cancelDone:
		if err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel never returned while a list was in flight")
	}

	if got := registry.ListActive(); len(got) != 0 {
		t.Errorf("ListActive after cancel = %+v, want empty", got)
	}
}
