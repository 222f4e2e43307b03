package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the database while actors
// hammer it. Each query returns rows only when the invariant is violated.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_booking_per_job",
			SQL: `SELECT job_id, COUNT(*) FROM bookings
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_accepted_proposal",
			SQL: `SELECT job_id, COUNT(*) FROM proposals
                  WHERE status = 'accepted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_booked_job_left_open",
			SQL: `SELECT j.id FROM jobs j
                  JOIN bookings b ON b.job_id = j.id
                  WHERE j.status = 'open'`,
		},
		{
			Name: "O4_release_without_transfer",
			SQL: `SELECT id FROM milestones
                  WHERE status = 'released' AND (transfer_id IS NULL OR hold_id IS NULL)`,
		},
		{
			Name: "O5_funded_without_hold",
			SQL:  `SELECT id FROM milestones WHERE status = 'funded' AND hold_id IS NULL`,
		},
		{
			Name: "O6_multiple_pending_change_orders",
			SQL: `SELECT booking_id, COUNT(*) FROM change_orders
                  WHERE status = 'pending'
                  GROUP BY booking_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_multiple_open_disputes",
			SQL: `SELECT booking_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY booking_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_outbox_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_negative_booking_total",
			SQL:  `SELECT id, total_amount FROM bookings WHERE total_amount < 0`,
		},
		{
			Name: "O10_paid_invoice_without_hold",
			SQL:  `SELECT id FROM invoices WHERE status = 'paid' AND hold_id IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
