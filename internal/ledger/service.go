package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// ErrInvalidAmount rejects non-positive award/spend amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// Service handles point accounting on top of the atomic ledger store. All
// balance mutation in the system funnels through it (or, for settlement,
// through the same repository it wraps); nothing writes balance fields
// directly.
type Service struct {
	repo   store.LedgerRepository
	cap    int
	logger *slog.Logger
	tracer trace.Tracer
}

// NewService returns a ledger Service enforcing the given point cap.
func NewService(repo store.LedgerRepository, cap int, logger *slog.Logger, tp trace.TracerProvider) *Service {
	return &Service{
		repo:   repo,
		cap:    cap,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/dkp-auction-engine/internal/ledger"),
	}
}

// Register ensures a balance row exists for the member.
func (s *Service) Register(ctx context.Context, memberID string) (*store.Balance, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Register",
		trace.WithAttributes(attribute.String("member_id", memberID)),
	)
	defer span.End()

	if memberID == "" {
		return nil, errors.New("member id is required")
	}

	b, err := s.repo.Upsert(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("registering member: %w", err)
	}
	return b, nil
}

// Balance returns a member's current balance.
func (s *Service) Balance(ctx context.Context, memberID string) (*store.Balance, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Balance")
	defer span.End()

	return s.repo.Get(ctx, memberID)
}

// Standings returns all balances ordered by current points.
func (s *Service) Standings(ctx context.Context) ([]store.Balance, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Standings")
	defer span.End()

	return s.repo.List(ctx)
}

// Award credits points to a member, applying the cap. The result reports how
// much of the requested gain actually applied.
func (s *Service) Award(ctx context.Context, memberID string, amount int, reason, performedBy string) (*store.CreditResult, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Award",
		trace.WithAttributes(
			attribute.String("member_id", memberID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	res, err := s.repo.Credit(ctx, memberID, amount, s.cap, reason, performedBy)
	if err != nil {
		return nil, fmt.Errorf("awarding points: %w", err)
	}

	s.logger.InfoContext(ctx, "points awarded",
		slog.String("member_id", memberID),
		slog.Int("requested", amount),
		slog.Int("applied", res.ActualGain),
		slog.Bool("capped", res.WasCapped),
		slog.String("reason", reason),
	)
	return res, nil
}

// Spend debits points from a member. The cap does not apply; the only
// constraint is a non-negative resulting balance.
func (s *Service) Spend(ctx context.Context, memberID string, amount int, reason, performedBy string) (*store.PointTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Spend",
		trace.WithAttributes(
			attribute.String("member_id", memberID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	txn, err := s.repo.Debit(ctx, memberID, amount, reason, performedBy, nil)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("spending points: %w", err)
	}

	s.logger.InfoContext(ctx, "points spent",
		slog.String("member_id", memberID),
		slog.Int("amount", amount),
		slog.String("reason", reason),
	)
	return txn, nil
}

// History returns a member's transaction log, newest first.
func (s *Service) History(ctx context.Context, memberID string) ([]store.PointTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "Service.History")
	defer span.End()

	return s.repo.Transactions(ctx, memberID)
}

// Repair recomputes a member's balance from the append-only transaction log,
// restoring the current = gained - spent invariant after any drift.
func (s *Service) Repair(ctx context.Context, memberID string) (*store.Balance, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Repair",
		trace.WithAttributes(attribute.String("member_id", memberID)),
	)
	defer span.End()

	b, err := s.repo.Rebuild(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("repairing balance: %w", err)
	}

	s.logger.InfoContext(ctx, "balance rebuilt from transaction log",
		slog.String("member_id", memberID),
		slog.Int("current_points", b.CurrentPoints),
	)
	return b, nil
}
