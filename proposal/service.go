package proposal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrJobNotOpen signals the job no longer accepts bids.
	ErrJobNotOpen = errors.New("proposal: job is not open for proposals")
	// ErrOwnJob signals a client trying to bid on their own job.
	ErrOwnJob = errors.New("proposal: cannot bid on own job")
	// ErrNotAPro signals the bidder does not hold the pro role.
	ErrNotAPro = errors.New("proposal: only pros may submit proposals")
	// ErrComplianceNotApproved signals the pro's verification is incomplete.
	ErrComplianceNotApproved = errors.New("proposal: compliance verification not approved")
	// ErrWithdrawForbidden signals the actor does not own the proposal.
	ErrWithdrawForbidden = errors.New("proposal: withdraw forbidden")
	// ErrWithdrawInvalidState signals the proposal has already been decided.
	ErrWithdrawInvalidState = errors.New("proposal: withdraw invalid state")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool TxBeginner
	repo Repository
}

func NewService(pool TxBeginner, repo Repository) *Service {
	return &Service{pool: pool, repo: repo}
}

type SubmitParams struct {
	ProID       string
	JobID       string
	BidAmount   float64
	Currency    string
	CoverLetter string
	Milestones  []PlanItem
}

// Submit records a pro's bid on an open job. Compliance must be approved
// before a pro may bid, and the unique constraint keeps a pro to one proposal
// per job even under concurrent submission.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Proposal, error) {
	if params.ProID == "" {
		return Proposal{}, fmt.Errorf("proposal: missing pro id")
	}
	if params.JobID == "" {
		return Proposal{}, fmt.Errorf("proposal: missing job id")
	}
	if params.BidAmount <= 0 {
		return Proposal{}, fmt.Errorf("proposal: bid amount must be positive")
	}
	if params.Currency == "" {
		params.Currency = "USD"
	}
	for _, item := range params.Milestones {
		if strings.TrimSpace(item.Description) == "" {
			return Proposal{}, fmt.Errorf("proposal: plan item description required")
		}
		if item.Amount <= 0 {
			return Proposal{}, fmt.Errorf("proposal: plan item amount must be positive")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sc, err := s.repo.LoadSubmitContext(ctx, tx, params.JobID, params.ProID)
	if err != nil {
		return Proposal{}, err
	}
	if sc.ProRole != "pro" {
		return Proposal{}, ErrNotAPro
	}
	if sc.ProCompliance != "approved" {
		return Proposal{}, ErrComplianceNotApproved
	}
	if sc.JobClientID == params.ProID {
		return Proposal{}, ErrOwnJob
	}
	if sc.JobStatus != "open" {
		return Proposal{}, ErrJobNotOpen
	}

	created, err := s.repo.Create(ctx, tx, Proposal{
		ProID:       params.ProID,
		JobID:       params.JobID,
		BidAmount:   params.BidAmount,
		Currency:    params.Currency,
		CoverLetter: params.CoverLetter,
	})
	if err != nil {
		return Proposal{}, err
	}

	if len(params.Milestones) > 0 {
		if err := s.repo.InsertPlanItems(ctx, tx, created.ID, params.Milestones); err != nil {
			return Proposal{}, err
		}
		created.Milestones = params.Milestones
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("proposal: commit tx: %w", err)
	}
	return created, nil
}

// Withdraw pulls an undecided proposal back. Accepted or rejected proposals
// stay as the record of the decision.
func (s *Service) Withdraw(ctx context.Context, proposalID, actingProID string) (Proposal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if p.ProID != actingProID {
		return Proposal{}, ErrWithdrawForbidden
	}
	if p.Status != StatusSubmitted && p.Status != StatusViewed {
		return Proposal{}, ErrWithdrawInvalidState
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, proposalID, StatusWithdrawn)
	if err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("proposal: withdraw commit: %w", err)
	}
	return updated, nil
}

// ListForJob returns a job's proposals with their milestone plans. Visibility
// is the HTTP layer's concern.
func (s *Service) ListForJob(ctx context.Context, jobID string) ([]Proposal, error) {
	return s.repo.ListForJob(ctx, jobID)
}
