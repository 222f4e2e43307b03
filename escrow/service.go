package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gigflow/payment"
)

var (
	// ErrForbidden signals the actor is not permitted to act on the milestone.
	ErrForbidden = errors.New("escrow: forbidden")
	// ErrInvalidState signals the operation is not valid for the current status.
	ErrInvalidState = errors.New("escrow: invalid milestone state")
	// ErrPayeeNotOnboarded signals the pro has not completed payout onboarding.
	ErrPayeeNotOnboarded = errors.New("escrow: payee has not completed payout onboarding")
	// ErrChargeNotFound signals no successful charge could be resolved for the hold.
	ErrChargeNotFound = errors.New("escrow: no successful charge for milestone hold")
	// ErrHoldNotSettled signals the provider has not confirmed the hold yet.
	ErrHoldNotSettled = errors.New("escrow: payment hold has not succeeded")
	// ErrBookingClosed signals the booking no longer accepts new milestones.
	ErrBookingClosed = errors.New("escrow: booking does not accept milestones")
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

// Service owns milestone status transitions and their payment orchestration.
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

// AddMilestoneParams describes a new payable unit of work on a booking.
type AddMilestoneParams struct {
	BookingID   string
	ActorID     string
	Description string
	Amount      float64
	Currency    string
	DueDate     *time.Time
}

// AddMilestone creates a further milestone on an open booking. Either party
// may propose one; amount and currency are immutable afterwards.
func (s *Service) AddMilestone(ctx context.Context, params AddMilestoneParams) (Milestone, error) {
	if params.Description == "" {
		return Milestone{}, fmt.Errorf("escrow: milestone description required")
	}
	if params.Amount <= 0 {
		return Milestone{}, fmt.Errorf("escrow: milestone amount must be positive")
	}
	if params.Currency == "" {
		params.Currency = "USD"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	bc, err := s.repo.BookingContext(ctx, tx, params.BookingID)
	if err != nil {
		return Milestone{}, err
	}
	if !bc.PartyOf(params.ActorID) {
		return Milestone{}, ErrForbidden
	}
	if bc.BookingStatus != "pending_funding" && bc.BookingStatus != "active" {
		return Milestone{}, ErrBookingClosed
	}

	m, err := s.repo.Insert(ctx, tx, InsertParams{
		BookingID:   params.BookingID,
		Description: params.Description,
		Amount:      params.Amount,
		Currency:    params.Currency,
		DueDate:     params.DueDate,
	})
	if err != nil {
		return Milestone{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"milestone_id": m.ID,
			"amount":       m.Amount,
			"currency":     m.Currency,
		}
		if err := s.timeline.Append(ctx, tx, m.BookingID, "MILESTONE_ADDED", &params.ActorID, payload); err != nil {
			return Milestone{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "milestone.added", map[string]any{
			"milestone_id": m.ID,
			"booking_id":   m.BookingID,
		}); err != nil {
			return Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("escrow: commit add milestone: %w", err)
	}
	return m, nil
}

// RequestFunding returns a payment hold the client can complete for a pending
// milestone. An existing hold is reused while it is still actionable, so
// repeated calls before confirmation hand back the same reference. The status
// flip to funded is driven by payment confirmation, never here.
func (s *Service) RequestFunding(ctx context.Context, milestoneID, actingClientID string) (payment.Hold, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return payment.Hold{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return payment.Hold{}, err
	}
	bc, err := s.repo.BookingContext(ctx, tx, m.BookingID)
	if err != nil {
		return payment.Hold{}, err
	}
	if actingClientID != bc.ClientID {
		return payment.Hold{}, ErrForbidden
	}
	if m.Status != StatusPending {
		return payment.Hold{}, fmt.Errorf("%w: cannot fund milestone in status %s", ErrInvalidState, m.Status)
	}
	if m.Amount <= 0 {
		return payment.Hold{}, fmt.Errorf("escrow: milestone amount must be positive")
	}

	if state, ok := m.Funding().(PendingConfirmation); ok {
		hold, err := s.gateway.RetrieveHold(ctx, state.HoldID)
		if err == nil && hold.Actionable() {
			if err := tx.Commit(ctx); err != nil {
				return payment.Hold{}, fmt.Errorf("escrow: commit funding request: %w", err)
			}
			return hold, nil
		}
		// Hold vanished or is no longer payable; fall through and replace it.
	}

	hold, err := s.gateway.CreateHold(ctx, m.Amount, m.Currency, "", map[string]string{
		"milestone_id": m.ID,
		"booking_id":   m.BookingID,
	})
	if err != nil {
		return payment.Hold{}, err
	}
	if err := s.repo.SetHold(ctx, tx, m.ID, hold.ID); err != nil {
		return payment.Hold{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"milestone_id": m.ID,
			"hold_id":      hold.ID,
			"amount":       m.Amount,
		}
		if err := s.timeline.Append(ctx, tx, m.BookingID, "MILESTONE_FUNDING_REQUESTED", &actingClientID, payload); err != nil {
			return payment.Hold{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return payment.Hold{}, fmt.Errorf("escrow: commit funding request: %w", err)
	}
	return hold, nil
}

// ConfirmFunding applies the pending -> funded transition on the client's
// report that payment went through. The claim is never trusted: the hold is
// re-read from the provider and must have succeeded before the flip applies.
// Only the booking's client may confirm. Idempotent: a replay after the
// provider webhook already funded the milestone no-ops without a gateway call.
func (s *Service) ConfirmFunding(ctx context.Context, milestoneID, actingClientID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	bc, err := s.repo.BookingContext(ctx, tx, m.BookingID)
	if err != nil {
		return err
	}
	if actingClientID != bc.ClientID {
		return ErrForbidden
	}
	if m.Status != StatusPending {
		// Already funded (or past funded); the race loser no-ops.
		return nil
	}
	if m.HoldID == nil || *m.HoldID == "" {
		return fmt.Errorf("%w: milestone has no payment hold", ErrInvalidState)
	}

	hold, err := s.gateway.RetrieveHold(ctx, *m.HoldID)
	if err != nil {
		return err
	}
	if hold.Status != payment.HoldSucceeded {
		return fmt.Errorf("%w: hold %s is %s", ErrHoldNotSettled, *m.HoldID, hold.Status)
	}

	applied, err := s.repo.MarkFunded(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	// The booking's first funded milestone opens it for work.
	if _, err := s.repo.ActivateBooking(ctx, tx, m.BookingID); err != nil {
		return err
	}

	if s.timeline != nil {
		payload := map[string]any{"milestone_id": m.ID, "amount": m.Amount, "hold_id": *m.HoldID}
		if err := s.timeline.Append(ctx, tx, m.BookingID, "MILESTONE_FUNDED", &actingClientID, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "milestone.funded", map[string]any{
			"milestone_id": m.ID,
			"booking_id":   m.BookingID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit funding confirmation: %w", err)
	}
	return nil
}

// Release pays a funded milestone out to the pro. The originating charge is
// resolved from the stored hold and the transfer is sourced on it. The row
// lock plus the status-guarded update guarantee a single transfer per
// milestone; a gateway failure leaves the milestone funded and retry-safe.
func (s *Service) Release(ctx context.Context, milestoneID, actingClientID string) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	bc, err := s.repo.BookingContext(ctx, tx, m.BookingID)
	if err != nil {
		return Milestone{}, err
	}
	if actingClientID != bc.ClientID {
		return Milestone{}, ErrForbidden
	}
	if m.Status != StatusFunded {
		return Milestone{}, fmt.Errorf("%w: cannot release milestone in status %s", ErrInvalidState, m.Status)
	}
	if !bc.PayoutReady || bc.PayoutAccountID == nil || *bc.PayoutAccountID == "" {
		return Milestone{}, ErrPayeeNotOnboarded
	}
	if m.HoldID == nil || *m.HoldID == "" {
		return Milestone{}, fmt.Errorf("%w: milestone has no payment hold", ErrInvalidState)
	}

	chargeID, err := s.gateway.ResolveCharge(ctx, *m.HoldID)
	if err != nil {
		if errors.Is(err, payment.ErrChargeNotFound) {
			return Milestone{}, ErrChargeNotFound
		}
		return Milestone{}, err
	}

	transfer, err := s.gateway.CreateTransfer(ctx, m.Amount, m.Currency, *bc.PayoutAccountID, chargeID, map[string]string{
		"milestone_id": m.ID,
		"booking_id":   m.BookingID,
	})
	if err != nil {
		return Milestone{}, err
	}

	applied, err := s.repo.MarkReleased(ctx, tx, m.ID, transfer.ID)
	if err != nil {
		return Milestone{}, err
	}
	if !applied {
		return Milestone{}, fmt.Errorf("%w: milestone already released", ErrInvalidState)
	}

	if s.timeline != nil {
		payload := map[string]any{
			"milestone_id": m.ID,
			"transfer_id":  transfer.ID,
			"charge_id":    chargeID,
			"amount":       m.Amount,
		}
		if err := s.timeline.Append(ctx, tx, m.BookingID, "MILESTONE_RELEASED", &actingClientID, payload); err != nil {
			return Milestone{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "milestone.released", map[string]any{
			"milestone_id": m.ID,
			"booking_id":   m.BookingID,
			"transfer_id":  transfer.ID,
		}); err != nil {
			return Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("escrow: commit release: %w", err)
	}

	m.Status = StatusReleased
	m.TransferID = &transfer.ID
	return m, nil
}

// Cancel administratively ends a milestone from any non-terminal state.
// Authorization to call this is the admin layer's concern.
func (s *Service) Cancel(ctx context.Context, milestoneID, actorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return fmt.Errorf("%w: milestone in status %s", ErrInvalidState, m.Status)
	}

	applied, err := s.repo.MarkCancelled(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: milestone in status %s", ErrInvalidState, m.Status)
	}

	if s.timeline != nil {
		payload := map[string]any{"milestone_id": m.ID, "previous_status": string(m.Status)}
		if err := s.timeline.Append(ctx, tx, m.BookingID, "MILESTONE_CANCELLED", &actorID, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit cancel: %w", err)
	}
	return nil
}
