package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Acceptor races other acceptors to book the same proposal. Only the goroutine
// that wins the conditional job claim gets to create the booking.
func Acceptor(ctx context.Context, pool *pgxpool.Pool, jobID, proposalID, clientID, proID string, bid float64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `UPDATE jobs SET status='in_progress', selected_proposal_id=$2 WHERE id=$1 AND status='open'`, jobID, proposalID)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("acceptor claim: %w", err)
		}
		if tag.RowsAffected() == 1 {
			var bookingID string
			err = tx.QueryRow(ctx, `INSERT INTO bookings (job_id, pro_id, client_id, proposal_id, total_amount, status)
                                     VALUES ($1,$2,$3,$4,$5,'pending_funding') RETURNING id`,
				jobID, proID, clientID, proposalID, bid).Scan(&bookingID)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO milestones (booking_id, description, amount) VALUES ($1,'Project Funding',$2)`, bookingID, bid)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE proposals SET status='accepted' WHERE id=$1`, proposalID)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE jobs SET booking_id=$2 WHERE id=$1`, jobID, bookingID)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('booking.created', jsonb_build_object('booking_id',$1::text))`, bookingID)
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
			if err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("acceptor book: %w", err)
			}
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Funder attaches holds to pending milestones and flips them funded with the
// same single-fire update the service uses, so replays are harmless.
func Funder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var msID string
		err := pool.QueryRow(ctx, `SELECT id FROM milestones WHERE status='pending' ORDER BY created_at LIMIT 1`).Scan(&msID)
		if err == nil {
			_, _ = pool.Exec(ctx, `UPDATE milestones SET hold_id = COALESCE(hold_id, 'pi_stress_'||$1) WHERE id=$1`, msID)
			_, _ = pool.Exec(ctx, `UPDATE milestones SET status='funded', funded_at=now() WHERE id=$1 AND status='pending' AND hold_id IS NOT NULL`, msID)
			_, _ = pool.Exec(ctx, `UPDATE bookings SET status='active' WHERE status='pending_funding' AND id=(SELECT booking_id FROM milestones WHERE id=$1)`, msID)
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("funder: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Releaser races to release funded milestones. The transfer_id IS NULL guard
// means at most one release writes a transfer.
func Releaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var msID string
		err := pool.QueryRow(ctx, `SELECT id FROM milestones WHERE status='funded' ORDER BY created_at LIMIT 1`).Scan(&msID)
		if err == nil {
			_, _ = pool.Exec(ctx, `UPDATE milestones SET status='released', transfer_id='tr_stress_'||id, released_at=now()
                                    WHERE id=$1 AND status='funded' AND transfer_id IS NULL`, msID)
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// WebhookReplayer simulates provider retries: the same event key is claimed
// over and over, and only the first claim applies the funded flip.
func WebhookReplayer(ctx context.Context, pool *pgxpool.Pool, eventKey string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`, eventKey)
		if err == nil && tag.RowsAffected() == 1 {
			_, _ = tx.Exec(ctx, `UPDATE milestones SET status='funded', funded_at=now()
                                  WHERE status='pending' AND hold_id IS NOT NULL
                                  AND id = (SELECT id FROM milestones WHERE status='pending' AND hold_id IS NOT NULL LIMIT 1)`)
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED, randomly failing
// some deliveries to exercise the retry path.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at LIMIT 10 FOR UPDATE SKIP LOCKED`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='dispatched', attempts=attempts+1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Disputer opens disputes against whatever bookings exist and resolves them.
// The partial unique index rejects the second open dispute on a booking.
func Disputer(ctx context.Context, pool *pgxpool.Pool, clientID, proID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var bookingID string
		err := pool.QueryRow(ctx, `SELECT id FROM bookings ORDER BY created_at LIMIT 1`).Scan(&bookingID)
		if err == nil {
			var dispID string
			err = pool.QueryRow(ctx, `INSERT INTO disputes (booking_id, plaintiff_id, defendant_id, reason)
                                       VALUES ($1,$2,$3,'stress disagreement') RETURNING id`,
				bookingID, clientID, proID).Scan(&dispID)
			if err != nil && !isUniqueViolation(err) {
				return fmt.Errorf("disputer insert: %w", err)
			}
			if dispID != "" && rand.Intn(2) == 0 {
				_, _ = pool.Exec(ctx, `UPDATE disputes SET status='resolved', resolution='settled', resolved_at=now()
                                        WHERE id=$1 AND status IN ('open','under_review')`, dispID)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("disputer: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// ChangeOrderer opens pending change orders and approves them, applying the
// price delta to the booking in the same transaction.
func ChangeOrderer(ctx context.Context, pool *pgxpool.Pool, clientID, proID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var bookingID string
		err := pool.QueryRow(ctx, `SELECT id FROM bookings ORDER BY created_at LIMIT 1`).Scan(&bookingID)
		if err == nil {
			delta := float64(rand.Intn(200) - 50)
			var coID string
			err = pool.QueryRow(ctx, `INSERT INTO change_orders (booking_id, created_by, requested_to, description, price_change)
                                       VALUES ($1,$2,$3,'stress scope change',$4) RETURNING id`,
				bookingID, proID, clientID, delta).Scan(&coID)
			if err != nil && !isUniqueViolation(err) {
				return fmt.Errorf("change orderer insert: %w", err)
			}
			if coID != "" {
				tx, err := pool.Begin(ctx)
				if err != nil {
					return err
				}
				tag, err := tx.Exec(ctx, `UPDATE change_orders SET status='approved', responded_at=now() WHERE id=$1 AND status='pending'`, coID)
				if err == nil && tag.RowsAffected() == 1 {
					_, err = tx.Exec(ctx, `UPDATE bookings SET total_amount = GREATEST(total_amount + $2, 0) WHERE id=$1`, bookingID, delta)
				}
				if err == nil {
					_ = tx.Commit(ctx)
				} else {
					_ = tx.Rollback(ctx)
				}
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("change orderer: %w", err)
		}
		time.Sleep(150 * time.Millisecond)
	}
}

// TimeLogger appends time entries to exercise unrelated write traffic.
func TimeLogger(ctx context.Context, pool *pgxpool.Pool, proID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var bookingID string
		err := pool.QueryRow(ctx, `SELECT id FROM bookings ORDER BY created_at LIMIT 1`).Scan(&bookingID)
		if err == nil {
			_, _ = pool.Exec(ctx, `INSERT INTO time_entries (booking_id, pro_id, hours, worked_on, description)
                                    VALUES ($1,$2,$3,current_date,'stress work')`,
				bookingID, proID, float64(1+rand.Intn(8)))
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("time logger: %w", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}
