package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gigflow/payment"
)

func strPtr(s string) *string { return &s }

func fundedMilestone() Milestone {
	return Milestone{
		ID:          "ms-1",
		BookingID:   "bk-1",
		Description: "Project Funding",
		Amount:      500,
		Currency:    "USD",
		Status:      StatusFunded,
		HoldID:      strPtr("hold_123"),
	}
}

func onboardedContext() BookingContext {
	return BookingContext{
		BookingID:       "bk-1",
		ClientID:        "client-1",
		ProID:           "pro-1",
		BookingStatus:   "active",
		PayoutAccountID: strPtr("acct_9"),
		PayoutReady:     true,
	}
}

func TestRelease_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{milestone: fundedMilestone(), bookingCtx: onboardedContext()}
	gw := &fakeGateway{chargeID: "ch_55", transfer: payment.Transfer{ID: "tr_99"}}
	svc := NewService(pool, repo, gw, nil, nil)

	m, err := svc.Release(context.Background(), "ms-1", "client-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Status != StatusReleased {
		t.Fatalf("expected released, got %s", m.Status)
	}
	if m.TransferID == nil || *m.TransferID != "tr_99" {
		t.Fatalf("expected transfer reference tr_99, got %v", m.TransferID)
	}
	if repo.releasedWith != "tr_99" {
		t.Fatalf("expected conditional update with tr_99, got %q", repo.releasedWith)
	}
	if gw.transferCalls != 1 {
		t.Fatalf("expected exactly one transfer, got %d", gw.transferCalls)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestRelease_NotFundedMakesNoGatewayCall(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: onboardedContext()}
	gw := &fakeGateway{}
	svc := NewService(pool, repo, gw, nil, nil)

	_, err := svc.Release(context.Background(), "ms-1", "client-1")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if gw.resolveCalls != 0 || gw.transferCalls != 0 {
		t.Fatalf("expected no gateway calls, got resolve=%d transfer=%d", gw.resolveCalls, gw.transferCalls)
	}
	if pool.tx.committed {
		t.Error("expected no commit")
	}
}

func TestRelease_Forbidden(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{milestone: fundedMilestone(), bookingCtx: onboardedContext()}
	svc := NewService(pool, repo, &fakeGateway{}, nil, nil)

	if _, err := svc.Release(context.Background(), "ms-1", "pro-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRelease_PayeeNotOnboarded(t *testing.T) {
	bc := onboardedContext()
	bc.PayoutReady = false
	pool := &fakePool{}
	repo := &fakeRepo{milestone: fundedMilestone(), bookingCtx: bc}
	gw := &fakeGateway{}
	svc := NewService(pool, repo, gw, nil, nil)

	if _, err := svc.Release(context.Background(), "ms-1", "client-1"); !errors.Is(err, ErrPayeeNotOnboarded) {
		t.Fatalf("expected ErrPayeeNotOnboarded, got %v", err)
	}
	if gw.transferCalls != 0 {
		t.Fatalf("expected no transfer, got %d", gw.transferCalls)
	}
}

func TestRelease_ChargeNotFound(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{milestone: fundedMilestone(), bookingCtx: onboardedContext()}
	gw := &fakeGateway{resolveErr: payment.ErrChargeNotFound}
	svc := NewService(pool, repo, gw, nil, nil)

	if _, err := svc.Release(context.Background(), "ms-1", "client-1"); !errors.Is(err, ErrChargeNotFound) {
		t.Fatalf("expected ErrChargeNotFound, got %v", err)
	}
}

func TestRelease_TransferFailureLeavesMilestoneFunded(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{milestone: fundedMilestone(), bookingCtx: onboardedContext()}
	gwErr := &payment.GatewayError{Op: "create_transfer", StatusCode: 502, Err: errors.New("bad gateway")}
	gw := &fakeGateway{chargeID: "ch_55", transferErr: gwErr}
	svc := NewService(pool, repo, gw, nil, nil)

	_, err := svc.Release(context.Background(), "ms-1", "client-1")
	var wrapped *payment.GatewayError
	if !errors.As(err, &wrapped) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if repo.releasedWith != "" {
		t.Fatal("expected no release write after gateway failure")
	}
	if pool.tx.committed {
		t.Error("expected rollback, got commit")
	}
}

func TestRequestFunding_ReusesActionableHold(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: onboardedContext()}
	gw := &fakeGateway{retrieved: payment.Hold{ID: "hold_123", Status: payment.HoldRequiresPaymentMethod, ClientSecret: "sec_1"}}
	svc := NewService(pool, repo, gw, nil, nil)

	first, err := svc.RequestFunding(context.Background(), "ms-1", "client-1")
	if err != nil {
		t.Fatalf("request funding: %v", err)
	}
	second, err := svc.RequestFunding(context.Background(), "ms-1", "client-1")
	if err != nil {
		t.Fatalf("repeat request funding: %v", err)
	}
	if first.ID != "hold_123" || second.ID != first.ID {
		t.Fatalf("expected same hold both times, got %q and %q", first.ID, second.ID)
	}
	if gw.createCalls != 0 {
		t.Fatalf("expected no new holds, got %d", gw.createCalls)
	}
}

func TestRequestFunding_ReplacesDeadHold(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: onboardedContext()}
	gw := &fakeGateway{
		retrieved: payment.Hold{ID: "hold_123", Status: "canceled"},
		created:   payment.Hold{ID: "hold_456", Status: payment.HoldRequiresPaymentMethod, ClientSecret: "sec_2"},
	}
	svc := NewService(pool, repo, gw, nil, nil)

	hold, err := svc.RequestFunding(context.Background(), "ms-1", "client-1")
	if err != nil {
		t.Fatalf("request funding: %v", err)
	}
	if hold.ID != "hold_456" {
		t.Fatalf("expected replacement hold, got %q", hold.ID)
	}
	if repo.heldWith != "hold_456" {
		t.Fatalf("expected new hold persisted, got %q", repo.heldWith)
	}
}

func TestRequestFunding_CreatesHoldWhenUnfunded(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	m.HoldID = nil
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: onboardedContext()}
	gw := &fakeGateway{created: payment.Hold{ID: "hold_789", Status: payment.HoldRequiresPaymentMethod}}
	svc := NewService(pool, repo, gw, nil, nil)

	hold, err := svc.RequestFunding(context.Background(), "ms-1", "client-1")
	if err != nil {
		t.Fatalf("request funding: %v", err)
	}
	if hold.ID != "hold_789" {
		t.Fatalf("expected new hold, got %q", hold.ID)
	}
	if gw.createCalls != 1 {
		t.Fatalf("expected one hold creation, got %d", gw.createCalls)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestRequestFunding_RejectsNonPending(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{milestone: fundedMilestone(), bookingCtx: onboardedContext()}
	gw := &fakeGateway{}
	svc := NewService(pool, repo, gw, nil, nil)

	if _, err := svc.RequestFunding(context.Background(), "ms-1", "client-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if gw.createCalls != 0 {
		t.Fatalf("expected no hold creation, got %d", gw.createCalls)
	}
}

func TestConfirmFunding_VerifiesHoldThenActivatesBooking(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	bc := onboardedContext()
	bc.BookingStatus = "pending_funding"
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: bc}
	gw := &fakeGateway{retrieved: payment.Hold{ID: "hold_123", Status: payment.HoldSucceeded}}
	svc := NewService(pool, repo, gw, nil, nil)

	if err := svc.ConfirmFunding(context.Background(), "ms-1", "client-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if repo.milestone.Status != StatusFunded {
		t.Fatalf("expected funded, got %s", repo.milestone.Status)
	}
	if gw.retrieveCalls != 1 {
		t.Fatalf("expected one hold lookup, got %d", gw.retrieveCalls)
	}
	if !repo.bookingActivated {
		t.Fatal("expected first funding to activate the booking")
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}

	// Replay: the milestone left pending, so nothing hits the gateway and
	// nothing commits.
	if err := svc.ConfirmFunding(context.Background(), "ms-1", "client-1"); err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if gw.retrieveCalls != 1 {
		t.Fatalf("expected replay to skip the gateway, got %d lookups", gw.retrieveCalls)
	}
	if pool.tx.committed {
		t.Error("expected replay to no-op without commit")
	}
}

func TestConfirmFunding_RejectsUnsettledHold(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: onboardedContext()}
	gw := &fakeGateway{retrieved: payment.Hold{ID: "hold_123", Status: payment.HoldRequiresPaymentMethod}}
	svc := NewService(pool, repo, gw, nil, nil)

	err := svc.ConfirmFunding(context.Background(), "ms-1", "client-1")
	if !errors.Is(err, ErrHoldNotSettled) {
		t.Fatalf("expected ErrHoldNotSettled, got %v", err)
	}
	if repo.milestone.Status != StatusPending {
		t.Fatalf("expected milestone to stay pending, got %s", repo.milestone.Status)
	}
	if pool.tx.committed {
		t.Error("expected rollback, got commit")
	}
}

func TestConfirmFunding_Forbidden(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: onboardedContext()}
	gw := &fakeGateway{retrieved: payment.Hold{ID: "hold_123", Status: payment.HoldSucceeded}}
	svc := NewService(pool, repo, gw, nil, nil)

	if err := svc.ConfirmFunding(context.Background(), "ms-1", "pro-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if gw.retrieveCalls != 0 {
		t.Fatalf("expected no gateway calls, got %d", gw.retrieveCalls)
	}
	if repo.milestone.Status != StatusPending {
		t.Fatalf("expected milestone to stay pending, got %s", repo.milestone.Status)
	}
}

func TestConfirmFunding_NoHoldToVerify(t *testing.T) {
	m := fundedMilestone()
	m.Status = StatusPending
	m.HoldID = nil
	pool := &fakePool{}
	repo := &fakeRepo{milestone: m, bookingCtx: onboardedContext()}
	svc := NewService(pool, repo, &fakeGateway{}, nil, nil)

	if err := svc.ConfirmFunding(context.Background(), "ms-1", "client-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// --- fakes ---

type fakeRepo struct {
	milestone  Milestone
	bookingCtx BookingContext

	heldWith         string
	releasedWith     string
	bookingActivated bool
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	if id != f.milestone.ID {
		return Milestone{}, ErrNotFound
	}
	return f.milestone, nil
}

func (f *fakeRepo) BookingContext(ctx context.Context, tx pgx.Tx, bookingID string) (BookingContext, error) {
	return f.bookingCtx, nil
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Milestone, error) {
	return Milestone{
		ID:          "ms-new",
		BookingID:   params.BookingID,
		Description: params.Description,
		Amount:      params.Amount,
		Currency:    params.Currency,
		Status:      StatusPending,
	}, nil
}

func (f *fakeRepo) SetHold(ctx context.Context, tx pgx.Tx, id, holdID string) error {
	f.heldWith = holdID
	f.milestone.HoldID = &holdID
	return nil
}

func (f *fakeRepo) MarkFunded(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	if f.milestone.Status != StatusPending {
		return false, nil
	}
	f.milestone.Status = StatusFunded
	return true, nil
}

func (f *fakeRepo) ActivateBooking(ctx context.Context, tx pgx.Tx, bookingID string) (bool, error) {
	if f.bookingCtx.BookingStatus != "pending_funding" {
		return false, nil
	}
	f.bookingCtx.BookingStatus = "active"
	f.bookingActivated = true
	return true, nil
}

func (f *fakeRepo) MarkReleased(ctx context.Context, tx pgx.Tx, id, transferID string) (bool, error) {
	if f.milestone.Status != StatusFunded || f.releasedWith != "" {
		return false, nil
	}
	f.releasedWith = transferID
	f.milestone.Status = StatusReleased
	return true, nil
}

func (f *fakeRepo) MarkCancelled(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	if f.milestone.Status.Terminal() {
		return false, nil
	}
	f.milestone.Status = StatusCancelled
	return true, nil
}

type fakeGateway struct {
	created   payment.Hold
	retrieved payment.Hold
	chargeID  string
	transfer  payment.Transfer

	retrieveErr error
	resolveErr  error
	transferErr error

	createCalls   int
	retrieveCalls int
	resolveCalls  int
	transferCalls int
}

func (f *fakeGateway) CreateHold(ctx context.Context, amount float64, currency, payerRef string, metadata map[string]string) (payment.Hold, error) {
	f.createCalls++
	return f.created, nil
}

func (f *fakeGateway) RetrieveHold(ctx context.Context, holdID string) (payment.Hold, error) {
	f.retrieveCalls++
	if f.retrieveErr != nil {
		return payment.Hold{}, f.retrieveErr
	}
	return f.retrieved, nil
}

func (f *fakeGateway) ConfirmHold(ctx context.Context, holdID string) (payment.Hold, error) {
	return f.retrieved, nil
}

func (f *fakeGateway) ResolveCharge(ctx context.Context, holdID string) (string, error) {
	f.resolveCalls++
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.chargeID, nil
}

func (f *fakeGateway) CreateTransfer(ctx context.Context, amount float64, currency, payoutAccountID, sourceChargeID string, metadata map[string]string) (payment.Transfer, error) {
	f.transferCalls++
	if f.transferErr != nil {
		return payment.Transfer{}, f.transferErr
	}
	return f.transfer, nil
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
