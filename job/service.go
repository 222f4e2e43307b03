package job

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	ErrCancelForbidden    = errors.New("job: cancel forbidden")
	ErrCancelInvalidState = errors.New("job: cancel invalid state")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool TxBeginner
	repo Repository
}

type CreateParams struct {
	ClientID    string
	Title       string
	Description string
	Budget      float64
	Currency    string
}

type ListResult struct {
	Items []Job
	Total int
}

func NewService(pool TxBeginner, repo Repository) *Service {
	return &Service{pool: pool, repo: repo}
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Job, error) {
	if params.ClientID == "" {
		return Job{}, fmt.Errorf("job: missing client id")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Job{}, fmt.Errorf("job: title required")
	}
	if strings.TrimSpace(params.Description) == "" {
		return Job{}, fmt.Errorf("job: description required")
	}
	if params.Budget <= 0 {
		return Job{}, fmt.Errorf("job: budget must be positive")
	}
	if params.Currency == "" {
		params.Currency = "USD"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Job{
		ClientID:    params.ClientID,
		Title:       strings.TrimSpace(params.Title),
		Description: strings.TrimSpace(params.Description),
		Budget:      params.Budget,
		Currency:    params.Currency,
	})
	if err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit tx: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

type CancelParams struct {
	JobID     string
	ActorID   string
	ActorRole string
}

// Cancel closes a job that has not yet been booked. Only the owning client or
// an admin may cancel, and only while the job is still open.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Job, error) {
	if params.JobID == "" {
		return Job{}, fmt.Errorf("job: cancel missing job id")
	}
	if params.ActorID == "" {
		return Job{}, fmt.Errorf("job: cancel missing actor id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := s.repo.GetForUpdate(ctx, tx, params.JobID)
	if err != nil {
		return Job{}, err
	}

	actorRole := strings.ToLower(params.ActorRole)
	if actorRole != "admin" && j.ClientID != params.ActorID {
		return Job{}, ErrCancelForbidden
	}
	if j.Status != StatusOpen {
		return Job{}, ErrCancelInvalidState
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, params.JobID, StatusCancelled)
	if err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: cancel commit: %w", err)
	}
	return updated, nil
}
