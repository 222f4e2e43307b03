package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no milestone row exists for the identifier.
	ErrNotFound = errors.New("escrow: milestone not found")
	// ErrBookingNotFound is returned when the referenced booking is absent.
	ErrBookingNotFound = errors.New("escrow: booking not found")
)

// Repository defines the transaction-scoped data access used by the Service.
type Repository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error)
	BookingContext(ctx context.Context, tx pgx.Tx, bookingID string) (BookingContext, error)
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Milestone, error)
	SetHold(ctx context.Context, tx pgx.Tx, milestoneID, holdID string) error
	MarkFunded(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error)
	ActivateBooking(ctx context.Context, tx pgx.Tx, bookingID string) (bool, error)
	MarkReleased(ctx context.Context, tx pgx.Tx, milestoneID, transferID string) (bool, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error)
}

// InsertParams contains write parameters for creating a milestone.
type InsertParams struct {
	BookingID   string
	Description string
	Amount      float64
	Currency    string
	DueDate     *time.Time
	HoldID      *string
}

const milestoneColumns = `id, booking_id, description, amount, currency, status::text, due_date, hold_id, transfer_id, funded_at, approved_at, released_at, created_at, updated_at`

// PGRepository implements Repository against PostgreSQL and additionally
// exposes the read-side queries used outside transitions.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1 FOR UPDATE`
	m, err := scanMilestone(tx.QueryRow(ctx, query, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: lock milestone: %w", err)
	}
	return m, nil
}

func (r *PGRepository) BookingContext(ctx context.Context, tx pgx.Tx, bookingID string) (BookingContext, error) {
	const query = `
SELECT b.id, b.client_id::text, b.pro_id::text, b.status::text,
       pro.payout_account_id, pro.payout_ready
FROM bookings b
JOIN users pro ON pro.id = b.pro_id
WHERE b.id = $1
`
	var bc BookingContext
	err := tx.QueryRow(ctx, query, bookingID).Scan(
		&bc.BookingID,
		&bc.ClientID,
		&bc.ProID,
		&bc.BookingStatus,
		&bc.PayoutAccountID,
		&bc.PayoutReady,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BookingContext{}, ErrBookingNotFound
		}
		return BookingContext{}, fmt.Errorf("escrow: load booking context: %w", err)
	}
	return bc, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Milestone, error) {
	query := `
INSERT INTO milestones (booking_id, description, amount, currency, due_date, hold_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + milestoneColumns
	m, err := scanMilestone(tx.QueryRow(ctx, query,
		params.BookingID,
		params.Description,
		params.Amount,
		params.Currency,
		params.DueDate,
		params.HoldID,
	))
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: insert milestone: %w", err)
	}
	return m, nil
}

func (r *PGRepository) SetHold(ctx context.Context, tx pgx.Tx, milestoneID, holdID string) error {
	tag, err := tx.Exec(ctx, `UPDATE milestones SET hold_id = $2 WHERE id = $1`, milestoneID, holdID)
	if err != nil {
		return fmt.Errorf("escrow: set hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFunded applies the pending -> funded transition. The status guard makes
// the client-confirmation and webhook paths race-safe: only one applies.
func (r *PGRepository) MarkFunded(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE milestones
SET status = 'funded', funded_at = now()
WHERE id = $1 AND status = 'pending'
`, milestoneID)
	if err != nil {
		return false, fmt.Errorf("escrow: mark funded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActivateBooking flips a booking awaiting its first funding to active.
// Bookings already past pending_funding are left alone.
func (r *PGRepository) ActivateBooking(ctx context.Context, tx pgx.Tx, bookingID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE bookings
SET status = 'active'
WHERE id = $1 AND status = 'pending_funding'
`, bookingID)
	if err != nil {
		return false, fmt.Errorf("escrow: activate booking: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReleased applies the funded -> released transition. The guard on status
// and transfer_id makes the transfer reference single-assignment.
func (r *PGRepository) MarkReleased(ctx context.Context, tx pgx.Tx, milestoneID, transferID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE milestones
SET status = 'released',
    transfer_id = $2,
    approved_at = COALESCE(approved_at, now()),
    released_at = now()
WHERE id = $1 AND status = 'funded' AND transfer_id IS NULL
`, milestoneID, transferID)
	if err != nil {
		return false, fmt.Errorf("escrow: mark released: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) MarkCancelled(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE milestones
SET status = 'cancelled'
WHERE id = $1 AND status NOT IN ('released','cancelled')
`, milestoneID)
	if err != nil {
		return false, fmt.Errorf("escrow: mark cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByBooking returns a booking's milestones oldest first.
func (r *PGRepository) ListByBooking(ctx context.Context, bookingID string) ([]Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE booking_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID,
		&m.BookingID,
		&m.Description,
		&m.Amount,
		&m.Currency,
		&m.Status,
		&m.DueDate,
		&m.HoldID,
		&m.TransferID,
		&m.FundedAt,
		&m.ApprovedAt,
		&m.ReleasedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}
	return m, nil
}
