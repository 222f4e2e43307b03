package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigflow/payment"
)

var (
	// ErrForbidden signals the actor is not a permitted party.
	ErrForbidden = errors.New("booking: forbidden")
	// ErrInvalidState signals the operation is not valid for the current status.
	ErrInvalidState = errors.New("booking: invalid state")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter appends business events inside the active transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, bookingID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues messages for downstream delivery.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the booking lifecycle: acceptance, completion, cancellation
// and the read side.
type Service struct {
	pool     TxBeginner
	repo     Repository
	gateway  payment.Gateway
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewService(pool TxBeginner, repo Repository, gateway payment.Gateway, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		gateway:  gateway,
		timeline: timeline,
		outbox:   outbox,
	}
}

// AcceptResult is what the client needs after accepting: the booking, the
// seeded milestone and the hold the client completes to fund it.
type AcceptResult struct {
	Booking     Booking
	MilestoneID string
	Hold        payment.Hold
}

// AcceptProposal converts a proposal into a booking. Everything happens in
// one transaction: the job is claimed with a status-guarded update so a
// concurrent acceptance loses cleanly, the booking and its first milestone
// are created, competing proposals are rejected, and a payment hold for the
// full bid is opened. A gateway failure rolls the whole acceptance back.
func (s *Service) AcceptProposal(ctx context.Context, params AcceptanceParams) (AcceptResult, error) {
	if params.JobID == "" || params.ProposalID == "" {
		return AcceptResult{}, fmt.Errorf("booking: job id and proposal id required")
	}
	if params.ActingClientID == "" {
		return AcceptResult{}, fmt.Errorf("booking: missing acting client id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.repo.BeginAcceptance(ctx, tx, params)
	if err != nil {
		return AcceptResult{}, err
	}
	b := acc.Booking

	hold, err := s.gateway.CreateHold(ctx, b.TotalAmount, b.Currency, "", map[string]string{
		"booking_id":   b.ID,
		"milestone_id": acc.MilestoneID,
	})
	if err != nil {
		return AcceptResult{}, err
	}
	if err := s.repo.SetMilestoneHold(ctx, tx, acc.MilestoneID, hold.ID); err != nil {
		return AcceptResult{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"job_id":       b.JobID,
			"proposal_id":  b.ProposalID,
			"total_amount": b.TotalAmount,
			"currency":     b.Currency,
		}
		if err := s.timeline.Append(ctx, tx, b.ID, "BOOKING_CREATED", &params.ActingClientID, payload); err != nil {
			return AcceptResult{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "booking.created", map[string]any{
			"booking_id": b.ID,
			"job_id":     b.JobID,
			"pro_id":     b.ProID,
			"client_id":  b.ClientID,
		}); err != nil {
			return AcceptResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("booking: commit acceptance: %w", err)
	}

	return AcceptResult{Booking: b, MilestoneID: acc.MilestoneID, Hold: hold}, nil
}

// Complete closes out an active booking. Either party may mark completion;
// remaining funded milestones stay releasable afterwards.
func (s *Service) Complete(ctx context.Context, bookingID, actorID string) (Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := s.repo.GetForUpdate(ctx, tx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if !b.PartyOf(actorID) {
		return Booking{}, ErrForbidden
	}
	applied, err := s.repo.MarkCompleted(ctx, tx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if !applied {
		return Booking{}, fmt.Errorf("%w: cannot complete booking in status %s", ErrInvalidState, b.Status)
	}

	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, b.ID, "BOOKING_CLOSED", &actorID, map[string]any{"outcome": "completed"}); err != nil {
			return Booking{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "booking.completed", map[string]any{"booking_id": b.ID}); err != nil {
			return Booking{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit completion: %w", err)
	}
	b.Status = StatusCompleted
	return b, nil
}

// Cancel ends a booking before completion. Either party may cancel while the
// booking is pending funding or active. Funded milestones are not refunded
// here; that remains an administrative follow-up.
func (s *Service) Cancel(ctx context.Context, bookingID, actorID string, reason *string) (Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := s.repo.GetForUpdate(ctx, tx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if !b.PartyOf(actorID) {
		return Booking{}, ErrForbidden
	}
	applied, err := s.repo.MarkCancelled(ctx, tx, bookingID, reason)
	if err != nil {
		return Booking{}, err
	}
	if !applied {
		return Booking{}, fmt.Errorf("%w: cannot cancel booking in status %s", ErrInvalidState, b.Status)
	}

	if s.timeline != nil {
		payload := map[string]any{"outcome": "cancelled"}
		if reason != nil {
			payload["reason"] = *reason
		}
		if err := s.timeline.Append(ctx, tx, b.ID, "BOOKING_CLOSED", &actorID, payload); err != nil {
			return Booking{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "booking.cancelled", map[string]any{"booking_id": b.ID}); err != nil {
			return Booking{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit cancellation: %w", err)
	}
	b.Status = StatusCancelled
	return b, nil
}

// Detail is the booking read model handed to its parties.
type Detail struct {
	Booking     Booking
	OpenDispute bool
}

// Get returns a booking to one of its parties.
func (s *Service) Get(ctx context.Context, bookingID, actorID string) (Detail, error) {
	b, err := s.repo.Get(ctx, bookingID)
	if err != nil {
		return Detail{}, err
	}
	if !b.PartyOf(actorID) {
		return Detail{}, ErrForbidden
	}
	open, err := s.repo.HasOpenDispute(ctx, bookingID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Booking: b, OpenDispute: open}, nil
}

// ListForUser returns the bookings the user is a party to, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Booking, error) {
	return s.repo.ListForUser(ctx, userID)
}
