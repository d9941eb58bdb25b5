package requester

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that no requester exists for the identification.
	ErrNotFound = errors.New("requester: not found")
	// ErrDuplicate signals the identification is already registered.
	ErrDuplicate = errors.New("requester: identification already registered")
	// ErrInvalidRole signals an unknown role value.
	ErrInvalidRole = errors.New("requester: invalid role")
)

const requesterColumns = `identification, first_name, middle_name, last_name, second_last_name,
	email, phone, role::text, eligibility::text, created_at, updated_at`

// Repository provides data access for the requester registry.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create registers a new requester. Eligibility starts at 'apto'.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Requester, error) {
	if params.Identification == "" {
		return Requester{}, fmt.Errorf("requester: identification required")
	}
	if params.FirstName == "" || params.LastName == "" {
		return Requester{}, fmt.Errorf("requester: first and last name required")
	}
	if !ValidRole(params.Role) {
		return Requester{}, ErrInvalidRole
	}

	const insertSQL = `
		INSERT INTO requesters (identification, first_name, middle_name, last_name, second_last_name, email, phone, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::requester_role)
		RETURNING ` + requesterColumns

	req, err := scanRequester(r.pool.QueryRow(ctx, insertSQL,
		params.Identification,
		params.FirstName,
		params.MiddleName,
		params.LastName,
		params.SecondLastName,
		params.Email,
		params.Phone,
		params.Role,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Requester{}, ErrDuplicate
		}
		return Requester{}, fmt.Errorf("requester: create: %w", err)
	}
	return req, nil
}

// GetByID fetches a requester by identification.
func (r *Repository) GetByID(ctx context.Context, identification string) (Requester, error) {
	const query = `SELECT ` + requesterColumns + ` FROM requesters WHERE identification = $1`

	req, err := scanRequester(r.pool.QueryRow(ctx, query, identification))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requester{}, ErrNotFound
		}
		return Requester{}, fmt.Errorf("requester: get by id: %w", err)
	}
	return req, nil
}

// List fetches up to limit requesters ordered by last name.
func (r *Repository) List(ctx context.Context, limit int) ([]Requester, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	const query = `
		SELECT ` + requesterColumns + `
		FROM requesters
		ORDER BY last_name ASC, first_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("requester: list: %w", err)
	}
	defer rows.Close()

	out := make([]Requester, 0, limit)
	for rows.Next() {
		req, err := scanRequester(rows)
		if err != nil {
			return nil, fmt.Errorf("requester: scan: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requester: iterate: %w", err)
	}
	return out, nil
}

// SetEligibility updates the eligibility flag directly. The sanction engine
// re-derives this inside its own transactions; this entry point exists for
// administrative corrections.
func (r *Repository) SetEligibility(ctx context.Context, identification string, state Eligibility) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE requesters
		SET eligibility = $2::eligibility_state,
		    updated_at = now()
		WHERE identification = $1
	`, identification, state)
	if err != nil {
		return fmt.Errorf("requester: set eligibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRequester(row pgx.Row) (Requester, error) {
	var req Requester
	return req, row.Scan(
		&req.Identification,
		&req.FirstName,
		&req.MiddleName,
		&req.LastName,
		&req.SecondLastName,
		&req.Email,
		&req.Phone,
		&req.Role,
		&req.Eligibility,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}
