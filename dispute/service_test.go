package dispute

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestSubmit_InfersDefendant(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{parties: Parties{ClientID: "client-1", ProID: "pro-1"}}
	svc := NewService(pool, repo, nil, nil)

	rec, err := svc.Submit(context.Background(), SubmitParams{
		BookingID:   "bk-1",
		PlaintiffID: "pro-1",
		Reason:      "Client unresponsive after delivery",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.DefendantID != "client-1" {
		t.Fatalf("expected defendant client-1, got %q", rec.DefendantID)
	}
	if rec.Status != StatusOpen {
		t.Fatalf("expected open, got %s", rec.Status)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestSubmit_StrangerForbidden(t *testing.T) {
	repo := &fakeRepo{parties: Parties{ClientID: "client-1", ProID: "pro-1"}}
	svc := NewService(&fakePool{}, repo, nil, nil)

	_, err := svc.Submit(context.Background(), SubmitParams{
		BookingID:   "bk-1",
		PlaintiffID: "stranger",
		Reason:      "n/a",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSubmit_SecondOpenDisputeRejected(t *testing.T) {
	repo := &fakeRepo{
		parties:   Parties{ClientID: "client-1", ProID: "pro-1"},
		insertErr: ErrOpenExists,
	}
	svc := NewService(&fakePool{}, repo, nil, nil)

	_, err := svc.Submit(context.Background(), SubmitParams{
		BookingID:   "bk-1",
		PlaintiffID: "client-1",
		Reason:      "Work not delivered",
	})
	if !errors.Is(err, ErrOpenExists) {
		t.Fatalf("expected ErrOpenExists, got %v", err)
	}
}

func TestResolve_ClosesOpenDispute(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{record: Record{ID: "d-1", BookingID: "bk-1", Status: StatusOpen}}
	svc := NewService(pool, repo, nil, nil)

	rec, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:  "d-1",
		AdminID:    "admin-1",
		Resolution: "Refund half, release half",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", rec.Status)
	}
	if rec.ResolvedBy == nil || *rec.ResolvedBy != "admin-1" {
		t.Fatalf("expected resolver recorded, got %v", rec.ResolvedBy)
	}
}

func TestResolve_AlreadyResolved(t *testing.T) {
	repo := &fakeRepo{record: Record{ID: "d-1", BookingID: "bk-1", Status: StatusResolved}}
	svc := NewService(&fakePool{}, repo, nil, nil)

	_, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:  "d-1",
		AdminID:    "admin-1",
		Resolution: "again",
	})
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
}

// --- fakes ---

type fakeRepo struct {
	parties   Parties
	record    Record
	insertErr error
}

func (f *fakeRepo) BookingParties(ctx context.Context, tx pgx.Tx, bookingID string) (Parties, error) {
	return f.parties, nil
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if f.insertErr != nil {
		return Record{}, f.insertErr
	}
	rec.ID = "d-new"
	rec.Status = StatusOpen
	return rec, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	if id != f.record.ID {
		return Record{}, ErrNotFound
	}
	return f.record, nil
}

func (f *fakeRepo) Resolve(ctx context.Context, tx pgx.Tx, id string, status Status, resolution, resolvedBy string) (bool, error) {
	if !f.record.Status.Open() {
		return false, nil
	}
	f.record.Status = status
	return true, nil
}

func (f *fakeRepo) ListForBooking(ctx context.Context, bookingID string) ([]Record, error) {
	return []Record{f.record}, nil
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
