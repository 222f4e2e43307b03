package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TimeEntryRepository is the data access for logged hours.
type TimeEntryRepository interface {
	InsertTimeEntry(ctx context.Context, tx pgx.Tx, entry TimeEntry) (TimeEntry, error)
	ListTimeEntries(ctx context.Context, bookingID string) ([]TimeEntry, error)
}

func (r *PGRepository) InsertTimeEntry(ctx context.Context, tx pgx.Tx, entry TimeEntry) (TimeEntry, error) {
	const query = `
INSERT INTO time_entries (booking_id, pro_id, hours, worked_on, description)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, booking_id, pro_id, hours, worked_on, description, created_at
`
	var created TimeEntry
	err := tx.QueryRow(ctx, query, entry.BookingID, entry.ProID, entry.Hours, entry.WorkedOn, entry.Description).Scan(
		&created.ID,
		&created.BookingID,
		&created.ProID,
		&created.Hours,
		&created.WorkedOn,
		&created.Description,
		&created.CreatedAt,
	)
	if err != nil {
		return TimeEntry{}, fmt.Errorf("booking: insert time entry: %w", err)
	}
	return created, nil
}

func (r *PGRepository) ListTimeEntries(ctx context.Context, bookingID string) ([]TimeEntry, error) {
	const query = `
SELECT id, booking_id, pro_id, hours, worked_on, description, created_at
FROM time_entries
WHERE booking_id = $1
ORDER BY worked_on DESC, created_at DESC
`
	rows, err := r.pool.Query(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking: list time entries: %w", err)
	}
	defer rows.Close()

	list := []TimeEntry{}
	for rows.Next() {
		var e TimeEntry
		if err := rows.Scan(&e.ID, &e.BookingID, &e.ProID, &e.Hours, &e.WorkedOn, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("booking: scan time entry: %w", err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: iterate time entries: %w", err)
	}
	return list, nil
}

// TimeLogService records a pro's hours against a booking.
type TimeLogService struct {
	pool     TxBeginner
	bookings Repository
	repo     TimeEntryRepository
}

func NewTimeLogService(pool TxBeginner, bookings Repository, repo TimeEntryRepository) *TimeLogService {
	return &TimeLogService{pool: pool, bookings: bookings, repo: repo}
}

type TimeEntryParams struct {
	BookingID   string
	ProID       string
	Hours       float64
	WorkedOn    time.Time
	Description string
}

// Log records hours worked. Only the booked pro may log, and only while the
// booking is active.
func (s *TimeLogService) Log(ctx context.Context, params TimeEntryParams) (TimeEntry, error) {
	if params.Hours <= 0 || params.Hours > 24 {
		return TimeEntry{}, fmt.Errorf("booking: hours must be between 0 and 24")
	}
	if params.WorkedOn.IsZero() {
		params.WorkedOn = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TimeEntry{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := s.bookings.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return TimeEntry{}, err
	}
	if b.ProID != params.ProID {
		return TimeEntry{}, ErrForbidden
	}
	if b.Status != StatusActive {
		return TimeEntry{}, fmt.Errorf("%w: booking in status %s", ErrInvalidState, b.Status)
	}

	entry, err := s.repo.InsertTimeEntry(ctx, tx, TimeEntry{
		BookingID:   params.BookingID,
		ProID:       params.ProID,
		Hours:       params.Hours,
		WorkedOn:    params.WorkedOn,
		Description: params.Description,
	})
	if err != nil {
		return TimeEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TimeEntry{}, fmt.Errorf("booking: commit time entry: %w", err)
	}
	return entry, nil
}

// List returns a booking's time entries to one of its parties.
func (s *TimeLogService) List(ctx context.Context, bookingID, actorID string) ([]TimeEntry, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.PartyOf(actorID) {
		return nil, ErrForbidden
	}
	return s.repo.ListTimeEntries(ctx, bookingID)
}
