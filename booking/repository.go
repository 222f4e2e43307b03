package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound         = errors.New("booking: not found")
	ErrJobNotFound      = errors.New("booking: job not found")
	ErrProposalNotFound = errors.New("booking: proposal not found")
	// ErrAlreadyBooked signals the job was claimed by a competing acceptance.
	ErrAlreadyBooked = errors.New("booking: job already booked")
	// ErrProposalNotAcceptable signals the proposal is not in an acceptable state.
	ErrProposalNotAcceptable = errors.New("booking: proposal is not acceptable")
	// ErrProposalJobMismatch signals the proposal belongs to a different job.
	ErrProposalJobMismatch = errors.New("booking: proposal does not belong to job")
)

// Repository defines the booking lifecycle data access used by the services.
type Repository interface {
	BeginAcceptance(ctx context.Context, tx pgx.Tx, params AcceptanceParams) (Acceptance, error)
	SetMilestoneHold(ctx context.Context, tx pgx.Tx, milestoneID, holdID string) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Booking, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) (bool, error)
	ApplyPriceChange(ctx context.Context, tx pgx.Tx, id string, delta float64) error
	Get(ctx context.Context, id string) (Booking, error)
	ListForUser(ctx context.Context, userID string) ([]Booking, error)
	HasOpenDispute(ctx context.Context, id string) (bool, error)
}

// AcceptanceParams identifies the proposal a client accepts.
type AcceptanceParams struct {
	JobID          string
	ProposalID     string
	ActingClientID string
}

// Acceptance is the projection of a successful acceptance: the new booking
// plus the seeded first milestone awaiting its payment hold.
type Acceptance struct {
	Booking     Booking
	MilestoneID string
}

const bookingColumns = `id, job_id, pro_id, client_id, proposal_id, total_amount, currency, status::text, completed_at, cancelled_at, cancellation_reason, created_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// BeginAcceptance projects an accepted proposal into a booking within the
// caller's transaction. Locks are taken on the proposal and job rows, and the
// job flip is status-guarded so exactly one concurrent acceptance wins.
func (r *PGRepository) BeginAcceptance(ctx context.Context, tx pgx.Tx, params AcceptanceParams) (Acceptance, error) {
	var (
		propJobID  string
		propProID  string
		propStatus string
		bidAmount  float64
		currency   string
	)
	const proposalSQL = `
SELECT job_id::text, pro_id::text, status::text, bid_amount, currency
FROM proposals
WHERE id = $1
FOR UPDATE
`
	if err := tx.QueryRow(ctx, proposalSQL, params.ProposalID).Scan(&propJobID, &propProID, &propStatus, &bidAmount, &currency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Acceptance{}, ErrProposalNotFound
		}
		return Acceptance{}, fmt.Errorf("booking: load proposal: %w", err)
	}
	if propJobID != params.JobID {
		return Acceptance{}, ErrProposalJobMismatch
	}
	if propStatus != "submitted" && propStatus != "viewed" {
		return Acceptance{}, ErrProposalNotAcceptable
	}

	var (
		jobClientID string
		jobStatus   string
	)
	const jobSQL = `
SELECT client_id::text, status::text
FROM jobs
WHERE id = $1
FOR UPDATE
`
	if err := tx.QueryRow(ctx, jobSQL, params.JobID).Scan(&jobClientID, &jobStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Acceptance{}, ErrJobNotFound
		}
		return Acceptance{}, fmt.Errorf("booking: load job: %w", err)
	}
	if jobClientID != params.ActingClientID {
		return Acceptance{}, ErrForbidden
	}

	// Single-fire: only one acceptance flips the job out of open.
	tag, err := tx.Exec(ctx, `
UPDATE jobs
SET status = 'in_progress', selected_proposal_id = $2
WHERE id = $1 AND status = 'open'
`, params.JobID, params.ProposalID)
	if err != nil {
		return Acceptance{}, fmt.Errorf("booking: claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Acceptance{}, ErrAlreadyBooked
	}

	const insertBookingSQL = `
INSERT INTO bookings (job_id, pro_id, client_id, proposal_id, total_amount, currency)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + bookingColumns
	b, err := scanBooking(tx.QueryRow(ctx, insertBookingSQL,
		params.JobID, propProID, jobClientID, params.ProposalID, bidAmount, currency))
	if err != nil {
		return Acceptance{}, fmt.Errorf("booking: insert booking: %w", err)
	}

	var milestoneID string
	const insertMilestoneSQL = `
INSERT INTO milestones (booking_id, description, amount, currency)
VALUES ($1, 'Project Funding', $2, $3)
RETURNING id
`
	if err := tx.QueryRow(ctx, insertMilestoneSQL, b.ID, bidAmount, currency).Scan(&milestoneID); err != nil {
		return Acceptance{}, fmt.Errorf("booking: seed milestone: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE proposals SET status = 'accepted' WHERE id = $1
`, params.ProposalID); err != nil {
		return Acceptance{}, fmt.Errorf("booking: accept proposal: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE proposals
SET status = 'rejected'
WHERE job_id = $1 AND id <> $2 AND status IN ('submitted','viewed')
`, params.JobID, params.ProposalID); err != nil {
		return Acceptance{}, fmt.Errorf("booking: reject competing proposals: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE jobs SET booking_id = $2 WHERE id = $1
`, params.JobID, b.ID); err != nil {
		return Acceptance{}, fmt.Errorf("booking: link booking to job: %w", err)
	}

	return Acceptance{Booking: b, MilestoneID: milestoneID}, nil
}

func (r *PGRepository) SetMilestoneHold(ctx context.Context, tx pgx.Tx, milestoneID, holdID string) error {
	tag, err := tx.Exec(ctx, `UPDATE milestones SET hold_id = $2 WHERE id = $1`, milestoneID, holdID)
	if err != nil {
		return fmt.Errorf("booking: set milestone hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`
	b, err := scanBooking(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: get for update: %w", err)
	}
	return b, nil
}

func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE bookings
SET status = 'completed', completed_at = now()
WHERE id = $1 AND status = 'active'
`, id)
	if err != nil {
		return false, fmt.Errorf("booking: mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE bookings
SET status = 'cancelled', cancelled_at = now(), cancellation_reason = $2
WHERE id = $1 AND status IN ('pending_funding','active')
`, id, reason)
	if err != nil {
		return false, fmt.Errorf("booking: mark cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) ApplyPriceChange(ctx context.Context, tx pgx.Tx, id string, delta float64) error {
	tag, err := tx.Exec(ctx, `
UPDATE bookings SET total_amount = total_amount + $2 WHERE id = $1
`, id, delta)
	if err != nil {
		return fmt.Errorf("booking: apply price change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	b, err := scanBooking(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: get: %w", err)
	}
	return b, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, userID string) ([]Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE client_id = $1 OR pro_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("booking: list for user: %w", err)
	}
	defer rows.Close()

	list := []Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan: %w", err)
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: iterate: %w", err)
	}
	return list, nil
}

func (r *PGRepository) HasOpenDispute(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM disputes WHERE booking_id = $1 AND status IN ('open','under_review'))
`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("booking: check open dispute: %w", err)
	}
	return exists, nil
}

func scanBooking(row pgx.Row) (Booking, error) {
	var b Booking
	return b, row.Scan(
		&b.ID,
		&b.JobID,
		&b.ProID,
		&b.ClientID,
		&b.ProposalID,
		&b.TotalAmount,
		&b.Currency,
		&b.Status,
		&b.CompletedAt,
		&b.CancelledAt,
		&b.CancellationReason,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
}
