package job

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("job: not found")

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, j Job) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, filters Filters) ([]Job, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Job, error)
}

const jobColumns = `id, client_id, title, description, budget, currency, status::text, selected_proposal_id, booking_id, created_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, j Job) (Job, error) {
	query := `
        INSERT INTO jobs (client_id, title, description, budget, currency)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING ` + jobColumns

	row := tx.QueryRow(ctx, query,
		j.ClientID,
		j.Title,
		j.Description,
		j.Budget,
		j.Currency,
	)
	return scanJob(row)
}

func (r *PGRepository) Get(ctx context.Context, id string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get: %w", err)
	}
	return j, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Job, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	base := `SELECT ` + jobColumns + ` FROM jobs`
	where := []string{"1=1"}
	args := []any{}

	if filters.ClientID != "" {
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("job: query list: %w", err)
	}
	defer rows.Close()

	list := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("job: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM jobs%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("job: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get for update: %w", err)
	}
	return j, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Job, error) {
	query := `
		UPDATE jobs
		SET status = $2
		WHERE id = $1
		RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Job{}, fmt.Errorf("job: update status: %w", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	return j, row.Scan(
		&j.ID,
		&j.ClientID,
		&j.Title,
		&j.Description,
		&j.Budget,
		&j.Currency,
		&j.Status,
		&j.SelectedProposalID,
		&j.BookingID,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "budget":
		return "budget"
	case "status":
		return "status"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
