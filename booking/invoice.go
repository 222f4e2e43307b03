package booking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"gigflow/payment"
)

var (
	// ErrInvoiceNotFound signals no invoice row exists.
	ErrInvoiceNotFound = errors.New("booking: invoice not found")
	// ErrInvoiceNotPayable signals the invoice is not in a payable status.
	ErrInvoiceNotPayable = errors.New("booking: invoice is not payable")
	// ErrInvoiceDecided signals the invoice already reached a final status.
	ErrInvoiceDecided = errors.New("booking: invoice already finalized")
	// ErrHoldNotSettled signals the provider has not confirmed the hold yet.
	ErrHoldNotSettled = errors.New("booking: payment hold has not succeeded")
)

// InvoiceRepository is the data access for invoicing.
type InvoiceRepository interface {
	InsertInvoice(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	SetInvoiceHold(ctx context.Context, tx pgx.Tx, id, holdID string) error
	MarkInvoicePaid(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	MarkInvoiceVoid(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	ListInvoices(ctx context.Context, bookingID string) ([]Invoice, error)
}

const invoiceColumns = `id, booking_id, client_id, pro_id, sub_total, total_amount, currency, status::text, due_date, hold_id, paid_at, notes, created_at, updated_at`

func (r *PGRepository) InsertInvoice(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error) {
	query := `
INSERT INTO invoices (booking_id, client_id, pro_id, sub_total, total_amount, currency, status, due_date, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + invoiceColumns
	created, err := scanInvoice(tx.QueryRow(ctx, query,
		inv.BookingID, inv.ClientID, inv.ProID, inv.SubTotal, inv.TotalAmount,
		inv.Currency, inv.Status, inv.DueDate, inv.Notes))
	if err != nil {
		return Invoice{}, fmt.Errorf("booking: insert invoice: %w", err)
	}

	const itemSQL = `
INSERT INTO invoice_items (invoice_id, description, quantity, unit_price, position)
VALUES ($1, $2, $3, $4, $5)
`
	for i, item := range inv.Items {
		if _, err := tx.Exec(ctx, itemSQL, created.ID, item.Description, item.Quantity, item.UnitPrice, i); err != nil {
			return Invoice{}, fmt.Errorf("booking: insert invoice item: %w", err)
		}
	}
	created.Items = inv.Items
	return created, nil
}

func (r *PGRepository) GetInvoiceForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	inv, err := scanInvoice(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, fmt.Errorf("booking: get invoice: %w", err)
	}
	return inv, nil
}

func (r *PGRepository) SetInvoiceHold(ctx context.Context, tx pgx.Tx, id, holdID string) error {
	tag, err := tx.Exec(ctx, `UPDATE invoices SET hold_id = $2 WHERE id = $1`, id, holdID)
	if err != nil {
		return fmt.Errorf("booking: set invoice hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// MarkInvoicePaid flips a payable invoice to paid. The status guard makes the
// client-confirmation and webhook paths race-safe.
func (r *PGRepository) MarkInvoicePaid(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE invoices
SET status = 'paid', paid_at = now()
WHERE id = $1 AND status IN ('sent','overdue')
`, id)
	if err != nil {
		return false, fmt.Errorf("booking: mark invoice paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) MarkInvoiceVoid(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE invoices
SET status = 'void'
WHERE id = $1 AND status IN ('draft','sent','overdue')
`, id)
	if err != nil {
		return false, fmt.Errorf("booking: void invoice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) ListInvoices(ctx context.Context, bookingID string) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE booking_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking: list invoices: %w", err)
	}
	defer rows.Close()

	list := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan invoice: %w", err)
		}
		list = append(list, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: iterate invoices: %w", err)
	}
	return list, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	return inv, row.Scan(
		&inv.ID,
		&inv.BookingID,
		&inv.ClientID,
		&inv.ProID,
		&inv.SubTotal,
		&inv.TotalAmount,
		&inv.Currency,
		&inv.Status,
		&inv.DueDate,
		&inv.HoldID,
		&inv.PaidAt,
		&inv.Notes,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
}

// InvoiceService bills clients outside the milestone flow.
type InvoiceService struct {
	pool     TxBeginner
	bookings Repository
	repo     InvoiceRepository
	gateway  payment.Gateway
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewInvoiceService(pool TxBeginner, bookings Repository, repo InvoiceRepository, gateway payment.Gateway, timeline TimelineWriter, outbox OutboxWriter) *InvoiceService {
	return &InvoiceService{
		pool:     pool,
		bookings: bookings,
		repo:     repo,
		gateway:  gateway,
		timeline: timeline,
		outbox:   outbox,
	}
}

type InvoiceParams struct {
	BookingID string
	ProID     string
	DueDate   time.Time
	Notes     string
	Items     []InvoiceItem
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// Create issues an invoice on a booking. Totals are computed from the items
// here; any totals supplied by the caller are ignored.
func (s *InvoiceService) Create(ctx context.Context, params InvoiceParams) (Invoice, error) {
	if len(params.Items) == 0 {
		return Invoice{}, fmt.Errorf("booking: invoice requires at least one item")
	}
	for _, item := range params.Items {
		if strings.TrimSpace(item.Description) == "" {
			return Invoice{}, fmt.Errorf("booking: invoice item description required")
		}
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			return Invoice{}, fmt.Errorf("booking: invoice item quantity and price must be positive")
		}
	}
	if params.DueDate.IsZero() {
		params.DueDate = time.Now().AddDate(0, 0, 14)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := s.bookings.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return Invoice{}, err
	}
	if b.ProID != params.ProID {
		return Invoice{}, ErrForbidden
	}
	if b.Status.Terminal() {
		return Invoice{}, fmt.Errorf("%w: booking in status %s", ErrInvalidState, b.Status)
	}

	var subTotal float64
	for _, item := range params.Items {
		subTotal += item.Amount()
	}
	subTotal = roundMoney(subTotal)

	inv, err := s.repo.InsertInvoice(ctx, tx, Invoice{
		BookingID:   params.BookingID,
		ClientID:    b.ClientID,
		ProID:       b.ProID,
		SubTotal:    subTotal,
		TotalAmount: subTotal,
		Currency:    b.Currency,
		Status:      InvoiceSent,
		DueDate:     params.DueDate,
		Notes:       params.Notes,
		Items:       params.Items,
	})
	if err != nil {
		return Invoice{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"invoice_id": inv.ID,
			"total":      inv.TotalAmount,
			"currency":   inv.Currency,
		}
		if err := s.timeline.Append(ctx, tx, inv.BookingID, "INVOICE_ISSUED", &params.ProID, payload); err != nil {
			return Invoice{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "invoice.issued", map[string]any{
			"invoice_id": inv.ID,
			"booking_id": inv.BookingID,
		}); err != nil {
			return Invoice{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("booking: commit invoice: %w", err)
	}
	return inv, nil
}

// RequestPayment returns a payment hold for a payable invoice, reusing an
// existing hold while it is still actionable.
func (s *InvoiceService) RequestPayment(ctx context.Context, invoiceID, actingClientID string) (payment.Hold, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return payment.Hold{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return payment.Hold{}, err
	}
	if inv.ClientID != actingClientID {
		return payment.Hold{}, ErrForbidden
	}
	if inv.Status != InvoiceSent && inv.Status != InvoiceOverdue {
		return payment.Hold{}, ErrInvoiceNotPayable
	}

	if inv.HoldID != nil && *inv.HoldID != "" {
		hold, err := s.gateway.RetrieveHold(ctx, *inv.HoldID)
		if err == nil && hold.Actionable() {
			if err := tx.Commit(ctx); err != nil {
				return payment.Hold{}, fmt.Errorf("booking: commit invoice payment request: %w", err)
			}
			return hold, nil
		}
	}

	hold, err := s.gateway.CreateHold(ctx, inv.TotalAmount, inv.Currency, "", map[string]string{
		"invoice_id": inv.ID,
		"booking_id": inv.BookingID,
	})
	if err != nil {
		return payment.Hold{}, err
	}
	if err := s.repo.SetInvoiceHold(ctx, tx, inv.ID, hold.ID); err != nil {
		return payment.Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return payment.Hold{}, fmt.Errorf("booking: commit invoice payment request: %w", err)
	}
	return hold, nil
}

// ConfirmPayment applies the sent/overdue -> paid transition on the client's
// report that payment went through. The hold is re-read from the provider and
// must have succeeded before the flip applies; only the billed client may
// confirm. Idempotent: a replay after the webhook already paid the invoice
// no-ops without a gateway call.
func (s *InvoiceService) ConfirmPayment(ctx context.Context, invoiceID, actingClientID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if inv.ClientID != actingClientID {
		return ErrForbidden
	}
	if inv.Status == InvoicePaid {
		// Webhook won the race; nothing left to do.
		return nil
	}
	if inv.Status != InvoiceSent && inv.Status != InvoiceOverdue {
		return ErrInvoiceNotPayable
	}
	if inv.HoldID == nil || *inv.HoldID == "" {
		return fmt.Errorf("%w: invoice has no payment hold", ErrInvoiceNotPayable)
	}

	hold, err := s.gateway.RetrieveHold(ctx, *inv.HoldID)
	if err != nil {
		return err
	}
	if hold.Status != payment.HoldSucceeded {
		return fmt.Errorf("%w: hold %s is %s", ErrHoldNotSettled, *inv.HoldID, hold.Status)
	}

	applied, err := s.repo.MarkInvoicePaid(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if s.timeline != nil {
		payload := map[string]any{"invoice_id": inv.ID, "total": inv.TotalAmount, "hold_id": *inv.HoldID}
		if err := s.timeline.Append(ctx, tx, inv.BookingID, "INVOICE_PAID", &actingClientID, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "invoice.paid", map[string]any{
			"invoice_id": inv.ID,
			"booking_id": inv.BookingID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit invoice payment: %w", err)
	}
	return nil
}

// Void cancels an unpaid invoice. Only the issuing pro may void it.
func (s *InvoiceService) Void(ctx context.Context, invoiceID, actingProID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if inv.ProID != actingProID {
		return ErrForbidden
	}

	applied, err := s.repo.MarkInvoiceVoid(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !applied {
		return ErrInvoiceDecided
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit invoice void: %w", err)
	}
	return nil
}

// List returns a booking's invoices to one of its parties, newest first.
func (s *InvoiceService) List(ctx context.Context, bookingID, actorID string) ([]Invoice, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.PartyOf(actorID) {
		return nil, ErrForbidden
	}
	return s.repo.ListInvoices(ctx, bookingID)
}
