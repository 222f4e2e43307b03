package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrBookingNotFound = errors.New("dispute: booking not found")
	// ErrOpenExists signals the booking already has an open dispute.
	ErrOpenExists = errors.New("dispute: an open dispute already exists for this booking")
)

// Parties identifies the two sides of a booking.
type Parties struct {
	ClientID string
	ProID    string
}

type Repository interface {
	BookingParties(ctx context.Context, tx pgx.Tx, bookingID string) (Parties, error)
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, id string, status Status, resolution, resolvedBy string) (bool, error)
	ListForBooking(ctx context.Context, bookingID string) ([]Record, error)
}

const disputeColumns = `id, booking_id, plaintiff_id, defendant_id, reason, desired_outcome, status::text, resolution, resolved_by, resolved_at, created_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) BookingParties(ctx context.Context, tx pgx.Tx, bookingID string) (Parties, error) {
	const query = `SELECT client_id::text, pro_id::text FROM bookings WHERE id = $1 FOR UPDATE`
	var p Parties
	if err := tx.QueryRow(ctx, query, bookingID).Scan(&p.ClientID, &p.ProID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Parties{}, ErrBookingNotFound
		}
		return Parties{}, fmt.Errorf("dispute: load booking parties: %w", err)
	}
	return p, nil
}

// Insert relies on the partial unique index over open disputes to keep at
// most one open per booking, including under concurrent submission.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	query := `
INSERT INTO disputes (booking_id, plaintiff_id, defendant_id, reason, desired_outcome)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + disputeColumns
	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.BookingID, rec.PlaintiffID, rec.DefendantID, rec.Reason, rec.DesiredOutcome))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrOpenExists
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// Resolve closes out an open dispute. The status guard makes concurrent
// resolutions single-fire.
func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, id string, status Status, resolution, resolvedBy string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE disputes
SET status = $2, resolution = $3, resolved_by = $4, resolved_at = now()
WHERE id = $1 AND status IN ('open','under_review')
`, id, status, resolution, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("dispute: resolve: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) ListForBooking(ctx context.Context, bookingID string) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE booking_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.BookingID,
		&rec.PlaintiffID,
		&rec.DefendantID,
		&rec.Reason,
		&rec.DesiredOutcome,
		&rec.Status,
		&rec.Resolution,
		&rec.ResolvedBy,
		&rec.ResolvedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
}
