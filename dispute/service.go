package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrForbidden signals the actor is not a permitted party.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrBadStatus signals an invalid status transition.
	ErrBadStatus = errors.New("dispute: invalid status transition")
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

type Service struct {
	pool     TxBeginner
	repo     Repository
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewService(pool TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{pool: pool, repo: repo, timeline: timeline, outbox: outbox}
}

type SubmitParams struct {
	BookingID      string
	PlaintiffID    string
	Reason         string
	DesiredOutcome string
}

// Submit opens a dispute on a booking. The defendant is inferred as the other
// party; the partial unique index keeps at most one open dispute per booking.
// Milestones stay operable while the dispute runs: funding and release are
// not frozen by an open dispute.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Record, error) {
	if strings.TrimSpace(params.Reason) == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	parties, err := s.repo.BookingParties(ctx, tx, params.BookingID)
	if err != nil {
		return Record{}, err
	}

	var defendantID string
	switch params.PlaintiffID {
	case parties.ClientID:
		defendantID = parties.ProID
	case parties.ProID:
		defendantID = parties.ClientID
	default:
		return Record{}, ErrForbidden
	}

	rec, err := s.repo.Insert(ctx, tx, Record{
		BookingID:      params.BookingID,
		PlaintiffID:    params.PlaintiffID,
		DefendantID:    defendantID,
		Reason:         strings.TrimSpace(params.Reason),
		DesiredOutcome: params.DesiredOutcome,
	})
	if err != nil {
		return Record{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"dispute_id": rec.ID,
			"plaintiff":  rec.PlaintiffID,
			"defendant":  rec.DefendantID,
		}
		if err := s.timeline.Append(ctx, tx, rec.BookingID, "DISPUTE_OPENED", &params.PlaintiffID, payload); err != nil {
			return Record{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "dispute.opened", map[string]any{
			"dispute_id": rec.ID,
			"booking_id": rec.BookingID,
		}); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit submit: %w", err)
	}
	return rec, nil
}

type ResolveParams struct {
	DisputeID  string
	AdminID    string
	Resolution string
	Close      bool
}

// Resolve closes out an open dispute with an admin's written resolution.
// Authorization as admin is the HTTP layer's concern.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if strings.TrimSpace(params.Resolution) == "" {
		return Record{}, fmt.Errorf("dispute: resolution required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if !rec.Status.Open() {
		return Record{}, ErrBadStatus
	}

	status := StatusResolved
	if params.Close {
		status = StatusClosed
	}
	applied, err := s.repo.Resolve(ctx, tx, params.DisputeID, status, params.Resolution, params.AdminID)
	if err != nil {
		return Record{}, err
	}
	if !applied {
		return Record{}, ErrBadStatus
	}

	if s.timeline != nil {
		payload := map[string]any{
			"dispute_id": rec.ID,
			"status":     string(status),
		}
		if err := s.timeline.Append(ctx, tx, rec.BookingID, "DISPUTE_RESOLVED", &params.AdminID, payload); err != nil {
			return Record{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", map[string]any{
			"dispute_id": rec.ID,
			"booking_id": rec.BookingID,
			"status":     string(status),
		}); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	rec.Status = status
	rec.Resolution = &params.Resolution
	rec.ResolvedBy = &params.AdminID
	return rec, nil
}

// ListForBooking returns a booking's disputes, newest first.
func (s *Service) ListForBooking(ctx context.Context, bookingID string) ([]Record, error) {
	return s.repo.ListForBooking(ctx, bookingID)
}
