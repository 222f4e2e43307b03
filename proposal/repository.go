package proposal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("proposal: not found")
	// ErrDuplicate is returned when the pro already has a proposal on the job.
	ErrDuplicate = errors.New("proposal: already submitted for this job")
)

// SubmitContext carries the job and bidder rows a submission is validated
// against, read under lock so an acceptance cannot slip in between.
type SubmitContext struct {
	JobStatus     string
	JobClientID   string
	ProRole       string
	ProCompliance string
}

type Repository interface {
	LoadSubmitContext(ctx context.Context, tx pgx.Tx, jobID, proID string) (SubmitContext, error)
	Create(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error)
	InsertPlanItems(ctx context.Context, tx pgx.Tx, proposalID string, items []PlanItem) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Proposal, error)
	ListForJob(ctx context.Context, jobID string) ([]Proposal, error)
}

const proposalColumns = `id, pro_id, job_id, bid_amount, currency, cover_letter, status::text, created_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) LoadSubmitContext(ctx context.Context, tx pgx.Tx, jobID, proID string) (SubmitContext, error) {
	const query = `
SELECT j.status::text, j.client_id::text, u.role::text, u.compliance_status
FROM jobs j
JOIN users u ON u.id = $2
WHERE j.id = $1
FOR UPDATE OF j
`
	var sc SubmitContext
	err := tx.QueryRow(ctx, query, jobID, proID).Scan(
		&sc.JobStatus,
		&sc.JobClientID,
		&sc.ProRole,
		&sc.ProCompliance,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SubmitContext{}, ErrNotFound
		}
		return SubmitContext{}, fmt.Errorf("proposal: load submit context: %w", err)
	}
	return sc, nil
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error) {
	query := `
        INSERT INTO proposals (pro_id, job_id, bid_amount, currency, cover_letter)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING ` + proposalColumns

	created, err := scanProposal(tx.QueryRow(ctx, query,
		p.ProID,
		p.JobID,
		p.BidAmount,
		p.Currency,
		p.CoverLetter,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Proposal{}, ErrDuplicate
		}
		return Proposal{}, fmt.Errorf("proposal: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) InsertPlanItems(ctx context.Context, tx pgx.Tx, proposalID string, items []PlanItem) error {
	const query = `
        INSERT INTO proposal_milestones (proposal_id, description, due_date, amount, position)
        VALUES ($1, $2, $3, $4, $5)
    `
	for i, item := range items {
		if _, err := tx.Exec(ctx, query, proposalID, item.Description, item.DueDate, item.Amount, i); err != nil {
			return fmt.Errorf("proposal: insert plan item: %w", err)
		}
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1 FOR UPDATE`
	p, err := scanProposal(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("proposal: get for update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Proposal, error) {
	query := `
		UPDATE proposals
		SET status = $2
		WHERE id = $1
		RETURNING ` + proposalColumns
	p, err := scanProposal(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal: update status: %w", err)
	}
	return p, nil
}

func (r *PGRepository) ListForJob(ctx context.Context, jobID string) ([]Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE job_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("proposal: list for job: %w", err)
	}
	defer rows.Close()

	list := []Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("proposal: scan: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal: iterate: %w", err)
	}

	if err := r.attachPlans(ctx, jobID, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *PGRepository) attachPlans(ctx context.Context, jobID string, proposals []Proposal) error {
	if len(proposals) == 0 {
		return nil
	}
	const query = `
        SELECT pm.id, pm.proposal_id, pm.description, pm.due_date, pm.amount, pm.position
        FROM proposal_milestones pm
        JOIN proposals p ON p.id = pm.proposal_id
        WHERE p.job_id = $1
        ORDER BY pm.proposal_id, pm.position
    `
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("proposal: load plans: %w", err)
	}
	defer rows.Close()

	byProposal := make(map[string][]PlanItem)
	for rows.Next() {
		var item PlanItem
		if err := rows.Scan(&item.ID, &item.ProposalID, &item.Description, &item.DueDate, &item.Amount, &item.Position); err != nil {
			return fmt.Errorf("proposal: scan plan item: %w", err)
		}
		byProposal[item.ProposalID] = append(byProposal[item.ProposalID], item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("proposal: iterate plans: %w", err)
	}
	for i := range proposals {
		proposals[i].Milestones = byProposal[proposals[i].ID]
	}
	return nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	return p, row.Scan(
		&p.ID,
		&p.ProID,
		&p.JobID,
		&p.BidAmount,
		&p.Currency,
		&p.CoverLetter,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}
