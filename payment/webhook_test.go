package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestHandleEvent_FundsMilestoneOnce(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeWebhookRepo{
		milestoneID:     "ms-1",
		bookingID:       "bk-1",
		milestoneStatus: "pending",
		bookingStatus:   "pending_funding",
	}
	svc := NewWebhookService(pool, repo, nil, nil, nil)

	ev := Event{ID: "evt_1", Type: EventHoldSucceeded, HoldID: "hold_1"}
	if err := svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if repo.milestoneStatus != "funded" {
		t.Fatalf("expected funded, got %s", repo.milestoneStatus)
	}
	if repo.bookingStatus != "active" {
		t.Fatalf("expected first funding to activate the booking, got %s", repo.bookingStatus)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}

	// Replay with the same event id is consumed without a second flip.
	repo.milestoneStatus = "pending"
	if err := svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if repo.milestoneStatus != "pending" {
		t.Fatal("expected replay to leave milestone untouched")
	}
}

func TestHandleEvent_RaceLoserNoOps(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeWebhookRepo{
		milestoneID:     "ms-1",
		bookingID:       "bk-1",
		milestoneStatus: "funded",
	}
	svc := NewWebhookService(pool, repo, nil, nil, nil)

	err := svc.HandleEvent(context.Background(), Event{ID: "evt_2", Type: EventHoldSucceeded, HoldID: "hold_1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !pool.tx.committed {
		t.Fatal("expected event key to be committed even when the flip no-ops")
	}
}

func TestHandleEvent_PaysInvoice(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeWebhookRepo{
		invoiceID:     "inv-1",
		bookingID:     "bk-1",
		invoiceStatus: "sent",
	}
	svc := NewWebhookService(pool, repo, nil, nil, nil)

	err := svc.HandleEvent(context.Background(), Event{ID: "evt_3", Type: EventHoldSucceeded, HoldID: "hold_inv"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if repo.invoiceStatus != "paid" {
		t.Fatalf("expected paid, got %s", repo.invoiceStatus)
	}
}

func TestHandleEvent_UnmatchedHoldConsumed(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeWebhookRepo{}
	svc := NewWebhookService(pool, repo, nil, nil, nil)

	err := svc.HandleEvent(context.Background(), Event{ID: "evt_4", Type: EventHoldSucceeded, HoldID: "hold_ghost"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !pool.tx.committed {
		t.Fatal("expected event key committed for unmatched hold")
	}
}

func TestHandleEvent_IgnoresOtherTypes(t *testing.T) {
	pool := &fakePool{}
	svc := NewWebhookService(pool, &fakeWebhookRepo{}, nil, nil, nil)

	if err := svc.HandleEvent(context.Background(), Event{ID: "evt_5", Type: "charge.refunded"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pool.tx != nil {
		t.Fatal("expected no transaction for ignored event types")
	}
}

// --- fakes ---

type fakeWebhookRepo struct {
	seen map[string]bool

	milestoneID     string
	milestoneStatus string
	invoiceID       string
	invoiceStatus   string
	bookingID       string
	bookingStatus   string
}

func (f *fakeWebhookRepo) InsertEventKey(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeWebhookRepo) FindMilestoneByHold(ctx context.Context, tx pgx.Tx, holdID string) (string, string, error) {
	if f.milestoneID == "" {
		return "", "", ErrNoTarget
	}
	return f.milestoneID, f.bookingID, nil
}

func (f *fakeWebhookRepo) MarkMilestoneFunded(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error) {
	if f.milestoneStatus != "pending" {
		return false, nil
	}
	f.milestoneStatus = "funded"
	return true, nil
}

func (f *fakeWebhookRepo) ActivateBooking(ctx context.Context, tx pgx.Tx, bookingID string) (bool, error) {
	if f.bookingStatus != "pending_funding" {
		return false, nil
	}
	f.bookingStatus = "active"
	return true, nil
}

func (f *fakeWebhookRepo) FindInvoiceByHold(ctx context.Context, tx pgx.Tx, holdID string) (string, string, error) {
	if f.invoiceID == "" {
		return "", "", ErrNoTarget
	}
	return f.invoiceID, f.bookingID, nil
}

func (f *fakeWebhookRepo) MarkInvoicePaid(ctx context.Context, tx pgx.Tx, invoiceID string) (bool, error) {
	if f.invoiceStatus != "sent" && f.invoiceStatus != "overdue" {
		return false, nil
	}
	f.invoiceStatus = "paid"
	return true, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
