package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Event is a provider webhook notification after verification and decoding.
type Event struct {
	ID     string
	Type   string
	HoldID string
}

// Provider event types the consumer acts on.
const (
	EventHoldSucceeded = "payment_intent.succeeded"
)

// ErrNoTarget signals the hold is not attached to any milestone or invoice.
var ErrNoTarget = errors.New("payment: hold has no funding target")

// WebhookRepository is the data access the webhook consumer needs. All writes
// happen in the caller's transaction so the replay guard and the status flip
// commit atomically.
type WebhookRepository interface {
	// InsertEventKey records the event id, returning false if it was already
	// processed.
	InsertEventKey(ctx context.Context, tx pgx.Tx, key string) (bool, error)
	FindMilestoneByHold(ctx context.Context, tx pgx.Tx, holdID string) (milestoneID, bookingID string, err error)
	MarkMilestoneFunded(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error)
	ActivateBooking(ctx context.Context, tx pgx.Tx, bookingID string) (bool, error)
	FindInvoiceByHold(ctx context.Context, tx pgx.Tx, holdID string) (invoiceID, bookingID string, err error)
	MarkInvoicePaid(ctx context.Context, tx pgx.Tx, invoiceID string) (bool, error)
}

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

// WebhookService applies provider events to milestones and invoices. Each
// event is processed exactly once: the event id is claimed in the same
// transaction as the status flip, so replays and client-confirmation races
// both collapse to no-ops.
type WebhookService struct {
	pool     TxBeginner
	repo     WebhookRepository
	timeline TimelineWriter
	outbox   OutboxWriter
	logger   *zap.Logger
}

func NewWebhookService(pool TxBeginner, repo WebhookRepository, timeline TimelineWriter, outbox OutboxWriter, logger *zap.Logger) *WebhookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookService{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		logger:   logger,
	}
}

// HandleEvent processes one provider event. Unknown event types are consumed
// without effect so the provider stops retrying them.
func (s *WebhookService) HandleEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("payment: webhook event missing id")
	}
	if ev.Type != EventHoldSucceeded {
		s.logger.Debug("ignoring webhook event", zap.String("type", ev.Type), zap.String("event_id", ev.ID))
		return nil
	}
	if ev.HoldID == "" {
		return fmt.Errorf("payment: webhook event %s missing hold id", ev.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	fresh, err := s.repo.InsertEventKey(ctx, tx, ev.ID)
	if err != nil {
		return err
	}
	if !fresh {
		s.logger.Info("duplicate webhook event", zap.String("event_id", ev.ID))
		return nil
	}

	if err := s.applyHoldSucceeded(ctx, tx, ev.HoldID); err != nil {
		if errors.Is(err, ErrNoTarget) {
			// Consume the event anyway: holds for abandoned checkouts have no
			// row to update and retrying will never help.
			s.logger.Warn("webhook hold has no target", zap.String("hold_id", ev.HoldID))
		} else {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit webhook event: %w", err)
	}
	return nil
}

func (s *WebhookService) applyHoldSucceeded(ctx context.Context, tx pgx.Tx, holdID string) error {
	milestoneID, bookingID, err := s.repo.FindMilestoneByHold(ctx, tx, holdID)
	switch {
	case err == nil:
		applied, err := s.repo.MarkMilestoneFunded(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		// The booking's first funded milestone opens it for work.
		if _, err := s.repo.ActivateBooking(ctx, tx, bookingID); err != nil {
			return err
		}
		if s.timeline != nil {
			payload := map[string]any{"milestone_id": milestoneID, "hold_id": holdID, "source": "webhook"}
			if err := s.timeline.Append(ctx, tx, bookingID, "MILESTONE_FUNDED", nil, payload); err != nil {
				return err
			}
		}
		if s.outbox != nil {
			return s.outbox.Enqueue(ctx, tx, "milestone.funded", map[string]any{
				"milestone_id": milestoneID,
				"booking_id":   bookingID,
			})
		}
		return nil
	case !errors.Is(err, ErrNoTarget):
		return err
	}

	invoiceID, bookingID, err := s.repo.FindInvoiceByHold(ctx, tx, holdID)
	if err != nil {
		return err
	}
	applied, err := s.repo.MarkInvoicePaid(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if s.timeline != nil {
		payload := map[string]any{"invoice_id": invoiceID, "hold_id": holdID, "source": "webhook"}
		if err := s.timeline.Append(ctx, tx, bookingID, "INVOICE_PAID", nil, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		return s.outbox.Enqueue(ctx, tx, "invoice.paid", map[string]any{
			"invoice_id": invoiceID,
			"booking_id": bookingID,
		})
	}
	return nil
}

// PGWebhookRepository implements WebhookRepository against PostgreSQL.
type PGWebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *PGWebhookRepository {
	return &PGWebhookRepository{pool: pool}
}

func (r *PGWebhookRepository) InsertEventKey(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("payment: insert event key: %w", err)
	}
	return true, nil
}

func (r *PGWebhookRepository) FindMilestoneByHold(ctx context.Context, tx pgx.Tx, holdID string) (string, string, error) {
	const query = `SELECT id, booking_id FROM milestones WHERE hold_id = $1 FOR UPDATE`
	var milestoneID, bookingID string
	if err := tx.QueryRow(ctx, query, holdID).Scan(&milestoneID, &bookingID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNoTarget
		}
		return "", "", fmt.Errorf("payment: find milestone by hold: %w", err)
	}
	return milestoneID, bookingID, nil
}

func (r *PGWebhookRepository) MarkMilestoneFunded(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE milestones
SET status = 'funded', funded_at = now()
WHERE id = $1 AND status = 'pending'
`, milestoneID)
	if err != nil {
		return false, fmt.Errorf("payment: mark milestone funded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActivateBooking flips a booking awaiting its first funding to active.
func (r *PGWebhookRepository) ActivateBooking(ctx context.Context, tx pgx.Tx, bookingID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE bookings
SET status = 'active'
WHERE id = $1 AND status = 'pending_funding'
`, bookingID)
	if err != nil {
		return false, fmt.Errorf("payment: activate booking: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGWebhookRepository) FindInvoiceByHold(ctx context.Context, tx pgx.Tx, holdID string) (string, string, error) {
	const query = `SELECT id, booking_id FROM invoices WHERE hold_id = $1 FOR UPDATE`
	var invoiceID, bookingID string
	if err := tx.QueryRow(ctx, query, holdID).Scan(&invoiceID, &bookingID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNoTarget
		}
		return "", "", fmt.Errorf("payment: find invoice by hold: %w", err)
	}
	return invoiceID, bookingID, nil
}

func (r *PGWebhookRepository) MarkInvoicePaid(ctx context.Context, tx pgx.Tx, invoiceID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE invoices
SET status = 'paid', paid_at = now()
WHERE id = $1 AND status IN ('sent','overdue')
`, invoiceID)
	if err != nil {
		return false, fmt.Errorf("payment: mark invoice paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
