package booking

import (
	"context"
	"errors"
	"testing"

	"gigflow/payment"
)

func TestInvoiceCreate_TotalsComputedFromItems(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	repo.booking.Status = StatusActive
	svc := NewInvoiceService(pool, repo, repo, &fakeGateway{}, nil, nil)

	inv, err := svc.Create(context.Background(), InvoiceParams{
		BookingID: "bk-1",
		ProID:     "pro-1",
		Items: []InvoiceItem{
			{Description: "Consulting", Quantity: 3, UnitPrice: 150},
			{Description: "Hosting", Quantity: 1, UnitPrice: 49.99},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.SubTotal != 499.99 {
		t.Fatalf("expected sub total 499.99, got %v", inv.SubTotal)
	}
	if inv.TotalAmount != inv.SubTotal {
		t.Fatalf("expected total to match sub total, got %v", inv.TotalAmount)
	}
	if inv.Status != InvoiceSent {
		t.Fatalf("expected sent, got %s", inv.Status)
	}
	if inv.Currency != "USD" {
		t.Fatalf("expected booking currency, got %q", inv.Currency)
	}
}

func TestInvoiceCreate_RequiresItems(t *testing.T) {
	repo := newFakeRepo()
	svc := NewInvoiceService(&fakePool{}, repo, repo, &fakeGateway{}, nil, nil)

	if _, err := svc.Create(context.Background(), InvoiceParams{BookingID: "bk-1", ProID: "pro-1"}); err == nil {
		t.Fatal("expected error for empty invoice")
	}
}

func TestInvoiceCreate_ProOnly(t *testing.T) {
	repo := newFakeRepo()
	svc := NewInvoiceService(&fakePool{}, repo, repo, &fakeGateway{}, nil, nil)

	_, err := svc.Create(context.Background(), InvoiceParams{
		BookingID: "bk-1",
		ProID:     "client-1",
		Items:     []InvoiceItem{{Description: "X", Quantity: 1, UnitPrice: 10}},
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestInvoiceRequestPayment_ReusesActionableHold(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	holdID := "hold_inv"
	repo.invoice = Invoice{
		ID:          "inv-1",
		BookingID:   "bk-1",
		ClientID:    "client-1",
		ProID:       "pro-1",
		TotalAmount: 499.99,
		Currency:    "USD",
		Status:      InvoiceSent,
		HoldID:      &holdID,
	}
	gw := &fakeGateway{retrieved: payment.Hold{ID: holdID, Status: payment.HoldRequiresConfirmation}}
	svc := NewInvoiceService(pool, repo, repo, gw, nil, nil)

	hold, err := svc.RequestPayment(context.Background(), "inv-1", "client-1")
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if hold.ID != holdID {
		t.Fatalf("expected reused hold, got %q", hold.ID)
	}
	if gw.createCalls != 0 {
		t.Fatalf("expected no new hold, got %d", gw.createCalls)
	}
}

func TestInvoiceRequestPayment_PaidInvoiceRejected(t *testing.T) {
	repo := newFakeRepo()
	repo.invoice = Invoice{ID: "inv-1", BookingID: "bk-1", ClientID: "client-1", Status: InvoicePaid}
	svc := NewInvoiceService(&fakePool{}, repo, repo, &fakeGateway{}, nil, nil)

	if _, err := svc.RequestPayment(context.Background(), "inv-1", "client-1"); !errors.Is(err, ErrInvoiceNotPayable) {
		t.Fatalf("expected ErrInvoiceNotPayable, got %v", err)
	}
}

func TestInvoiceConfirmPayment_VerifiesHoldThenIdempotent(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	holdID := "hold_inv"
	repo.invoice = Invoice{ID: "inv-1", BookingID: "bk-1", ClientID: "client-1", Status: InvoiceSent, HoldID: &holdID}
	gw := &fakeGateway{retrieved: payment.Hold{ID: holdID, Status: payment.HoldSucceeded}}
	svc := NewInvoiceService(pool, repo, repo, gw, nil, nil)

	if err := svc.ConfirmPayment(context.Background(), "inv-1", "client-1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if repo.invoice.Status != InvoicePaid {
		t.Fatalf("expected paid, got %s", repo.invoice.Status)
	}
	if gw.retrieveCalls != 1 {
		t.Fatalf("expected one hold lookup, got %d", gw.retrieveCalls)
	}
	if !pool.tx.committed {
		t.Fatal("expected first confirmation to commit")
	}

	// Replay: already paid, so nothing hits the gateway and nothing commits.
	if err := svc.ConfirmPayment(context.Background(), "inv-1", "client-1"); err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if gw.retrieveCalls != 1 {
		t.Fatalf("expected replay to skip the gateway, got %d lookups", gw.retrieveCalls)
	}
	if pool.tx.committed {
		t.Error("expected replay to no-op without commit")
	}
}

func TestInvoiceConfirmPayment_RejectsUnsettledHold(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	holdID := "hold_inv"
	repo.invoice = Invoice{ID: "inv-1", BookingID: "bk-1", ClientID: "client-1", Status: InvoiceSent, HoldID: &holdID}
	gw := &fakeGateway{retrieved: payment.Hold{ID: holdID, Status: payment.HoldRequiresPaymentMethod}}
	svc := NewInvoiceService(pool, repo, repo, gw, nil, nil)

	err := svc.ConfirmPayment(context.Background(), "inv-1", "client-1")
	if !errors.Is(err, ErrHoldNotSettled) {
		t.Fatalf("expected ErrHoldNotSettled, got %v", err)
	}
	if repo.invoice.Status != InvoiceSent {
		t.Fatalf("expected invoice to stay sent, got %s", repo.invoice.Status)
	}
	if pool.tx.committed {
		t.Error("expected rollback, got commit")
	}
}

func TestInvoiceConfirmPayment_ClientOnly(t *testing.T) {
	repo := newFakeRepo()
	holdID := "hold_inv"
	repo.invoice = Invoice{ID: "inv-1", BookingID: "bk-1", ClientID: "client-1", Status: InvoiceSent, HoldID: &holdID}
	gw := &fakeGateway{retrieved: payment.Hold{ID: holdID, Status: payment.HoldSucceeded}}
	svc := NewInvoiceService(&fakePool{}, repo, repo, gw, nil, nil)

	if err := svc.ConfirmPayment(context.Background(), "inv-1", "pro-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if gw.retrieveCalls != 0 {
		t.Fatalf("expected no gateway calls, got %d", gw.retrieveCalls)
	}
}

func TestInvoiceConfirmPayment_NoHoldToVerify(t *testing.T) {
	repo := newFakeRepo()
	repo.invoice = Invoice{ID: "inv-1", BookingID: "bk-1", ClientID: "client-1", Status: InvoiceSent}
	svc := NewInvoiceService(&fakePool{}, repo, repo, &fakeGateway{}, nil, nil)

	if err := svc.ConfirmPayment(context.Background(), "inv-1", "client-1"); !errors.Is(err, ErrInvoiceNotPayable) {
		t.Fatalf("expected ErrInvoiceNotPayable, got %v", err)
	}
}

func TestInvoiceVoid_PaidInvoiceRejected(t *testing.T) {
	repo := newFakeRepo()
	repo.invoice = Invoice{ID: "inv-1", BookingID: "bk-1", ProID: "pro-1", Status: InvoicePaid}
	svc := NewInvoiceService(&fakePool{}, repo, repo, &fakeGateway{}, nil, nil)

	if err := svc.Void(context.Background(), "inv-1", "pro-1"); !errors.Is(err, ErrInvoiceDecided) {
		t.Fatalf("expected ErrInvoiceDecided, got %v", err)
	}
}
