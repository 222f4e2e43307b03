package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrChangeOrderPendingExists signals the booking already has a pending
	// change order; it must be decided before another can be opened.
	ErrChangeOrderPendingExists = errors.New("booking: a pending change order already exists")
	// ErrChangeOrderNotFound signals no change order row exists.
	ErrChangeOrderNotFound = errors.New("booking: change order not found")
	// ErrChangeOrderDecided signals the change order is no longer pending.
	ErrChangeOrderDecided = errors.New("booking: change order already decided")
)

// ChangeOrderRepository is the data access for booking amendments.
type ChangeOrderRepository interface {
	InsertChangeOrder(ctx context.Context, tx pgx.Tx, co ChangeOrder) (ChangeOrder, error)
	GetChangeOrderForUpdate(ctx context.Context, tx pgx.Tx, id string) (ChangeOrder, error)
	DecideChangeOrder(ctx context.Context, tx pgx.Tx, id string, status ChangeOrderStatus, comment *string) (bool, error)
	ListChangeOrders(ctx context.Context, bookingID string) ([]ChangeOrder, error)
}

const changeOrderColumns = `id, booking_id, created_by, requested_to, description, price_change, schedule_change_days, status::text, response_comment, responded_at, created_at, updated_at`

func (r *PGRepository) InsertChangeOrder(ctx context.Context, tx pgx.Tx, co ChangeOrder) (ChangeOrder, error) {
	query := `
INSERT INTO change_orders (booking_id, created_by, requested_to, description, price_change, schedule_change_days)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + changeOrderColumns
	created, err := scanChangeOrder(tx.QueryRow(ctx, query,
		co.BookingID, co.CreatedBy, co.RequestedTo, co.Description, co.PriceChange, co.ScheduleChangeDays))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ChangeOrder{}, ErrChangeOrderPendingExists
		}
		return ChangeOrder{}, fmt.Errorf("booking: insert change order: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetChangeOrderForUpdate(ctx context.Context, tx pgx.Tx, id string) (ChangeOrder, error) {
	query := `SELECT ` + changeOrderColumns + ` FROM change_orders WHERE id = $1 FOR UPDATE`
	co, err := scanChangeOrder(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeOrder{}, ErrChangeOrderNotFound
		}
		return ChangeOrder{}, fmt.Errorf("booking: get change order: %w", err)
	}
	return co, nil
}

// DecideChangeOrder flips a pending change order to its final status. The
// status guard makes concurrent decisions single-fire.
func (r *PGRepository) DecideChangeOrder(ctx context.Context, tx pgx.Tx, id string, status ChangeOrderStatus, comment *string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE change_orders
SET status = $2, response_comment = $3, responded_at = now()
WHERE id = $1 AND status = 'pending'
`, id, status, comment)
	if err != nil {
		return false, fmt.Errorf("booking: decide change order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) ListChangeOrders(ctx context.Context, bookingID string) ([]ChangeOrder, error) {
	query := `SELECT ` + changeOrderColumns + ` FROM change_orders WHERE booking_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking: list change orders: %w", err)
	}
	defer rows.Close()

	list := []ChangeOrder{}
	for rows.Next() {
		co, err := scanChangeOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan change order: %w", err)
		}
		list = append(list, co)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: iterate change orders: %w", err)
	}
	return list, nil
}

func scanChangeOrder(row pgx.Row) (ChangeOrder, error) {
	var co ChangeOrder
	return co, row.Scan(
		&co.ID,
		&co.BookingID,
		&co.CreatedBy,
		&co.RequestedTo,
		&co.Description,
		&co.PriceChange,
		&co.ScheduleChangeDays,
		&co.Status,
		&co.ResponseComment,
		&co.RespondedAt,
		&co.CreatedAt,
		&co.UpdatedAt,
	)
}

// ChangeOrderService manages amendments to a booking's price and schedule.
type ChangeOrderService struct {
	pool     TxBeginner
	bookings Repository
	repo     ChangeOrderRepository
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewChangeOrderService(pool TxBeginner, bookings Repository, repo ChangeOrderRepository, timeline TimelineWriter, outbox OutboxWriter) *ChangeOrderService {
	return &ChangeOrderService{
		pool:     pool,
		bookings: bookings,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
	}
}

type ChangeOrderParams struct {
	BookingID          string
	ActorID            string
	Description        string
	PriceChange        float64
	ScheduleChangeDays int
}

// Request opens a change order addressed to the other party. The partial
// unique index keeps at most one pending per booking, including under
// concurrent requests.
func (s *ChangeOrderService) Request(ctx context.Context, params ChangeOrderParams) (ChangeOrder, error) {
	if strings.TrimSpace(params.Description) == "" {
		return ChangeOrder{}, fmt.Errorf("booking: change order description required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ChangeOrder{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := s.bookings.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return ChangeOrder{}, err
	}
	if !b.PartyOf(params.ActorID) {
		return ChangeOrder{}, ErrForbidden
	}
	if b.Status != StatusActive && b.Status != StatusPendingFunding {
		return ChangeOrder{}, fmt.Errorf("%w: booking in status %s", ErrInvalidState, b.Status)
	}
	if params.PriceChange < 0 && b.TotalAmount+params.PriceChange < 0 {
		return ChangeOrder{}, fmt.Errorf("booking: price change would make total negative")
	}

	requestedTo := b.ProID
	if params.ActorID == b.ProID {
		requestedTo = b.ClientID
	}

	co, err := s.repo.InsertChangeOrder(ctx, tx, ChangeOrder{
		BookingID:          params.BookingID,
		CreatedBy:          params.ActorID,
		RequestedTo:        requestedTo,
		Description:        strings.TrimSpace(params.Description),
		PriceChange:        params.PriceChange,
		ScheduleChangeDays: params.ScheduleChangeDays,
	})
	if err != nil {
		return ChangeOrder{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"change_order_id": co.ID,
			"price_change":    co.PriceChange,
			"schedule_days":   co.ScheduleChangeDays,
		}
		if err := s.timeline.Append(ctx, tx, co.BookingID, "CHANGE_ORDER_OPENED", &params.ActorID, payload); err != nil {
			return ChangeOrder{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ChangeOrder{}, fmt.Errorf("booking: commit change order: %w", err)
	}
	return co, nil
}

// Respond decides a pending change order. Only the addressed party may
// decide it; an approval applies the price delta to the booking total in the
// same transaction.
func (s *ChangeOrderService) Respond(ctx context.Context, changeOrderID, actorID string, approve bool, comment *string) (ChangeOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ChangeOrder{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	co, err := s.repo.GetChangeOrderForUpdate(ctx, tx, changeOrderID)
	if err != nil {
		return ChangeOrder{}, err
	}
	if co.RequestedTo != actorID {
		return ChangeOrder{}, ErrForbidden
	}
	if co.Status != ChangeOrderPending {
		return ChangeOrder{}, ErrChangeOrderDecided
	}

	status := ChangeOrderRejected
	if approve {
		status = ChangeOrderApproved
	}
	applied, err := s.repo.DecideChangeOrder(ctx, tx, changeOrderID, status, comment)
	if err != nil {
		return ChangeOrder{}, err
	}
	if !applied {
		return ChangeOrder{}, ErrChangeOrderDecided
	}

	if approve && co.PriceChange != 0 {
		if err := s.bookings.ApplyPriceChange(ctx, tx, co.BookingID, co.PriceChange); err != nil {
			return ChangeOrder{}, err
		}
	}

	if s.timeline != nil {
		payload := map[string]any{
			"change_order_id": co.ID,
			"decision":        string(status),
			"price_change":    co.PriceChange,
		}
		if err := s.timeline.Append(ctx, tx, co.BookingID, "CHANGE_ORDER_CLOSED", &actorID, payload); err != nil {
			return ChangeOrder{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "change_order.decided", map[string]any{
			"change_order_id": co.ID,
			"booking_id":      co.BookingID,
			"decision":        string(status),
		}); err != nil {
			return ChangeOrder{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ChangeOrder{}, fmt.Errorf("booking: commit change order decision: %w", err)
	}
	co.Status = status
	co.ResponseComment = comment
	return co, nil
}

// Withdraw pulls back a pending change order. Only its creator may withdraw.
func (s *ChangeOrderService) Withdraw(ctx context.Context, changeOrderID, actorID string) (ChangeOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ChangeOrder{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	co, err := s.repo.GetChangeOrderForUpdate(ctx, tx, changeOrderID)
	if err != nil {
		return ChangeOrder{}, err
	}
	if co.CreatedBy != actorID {
		return ChangeOrder{}, ErrForbidden
	}
	if co.Status != ChangeOrderPending {
		return ChangeOrder{}, ErrChangeOrderDecided
	}

	applied, err := s.repo.DecideChangeOrder(ctx, tx, changeOrderID, ChangeOrderWithdrawn, nil)
	if err != nil {
		return ChangeOrder{}, err
	}
	if !applied {
		return ChangeOrder{}, ErrChangeOrderDecided
	}

	if err := tx.Commit(ctx); err != nil {
		return ChangeOrder{}, fmt.Errorf("booking: commit change order withdrawal: %w", err)
	}
	co.Status = ChangeOrderWithdrawn
	return co, nil
}

// List returns a booking's change orders, newest first.
func (s *ChangeOrderService) List(ctx context.Context, bookingID, actorID string) ([]ChangeOrder, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.PartyOf(actorID) {
		return nil, ErrForbidden
	}
	return s.repo.ListChangeOrders(ctx, bookingID)
}
