package loan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lendflow/product"
	"lendflow/requester"
)

var (
	// ErrLoanNotFound is returned when no loan row exists for the identifier.
	ErrLoanNotFound = errors.New("loan: not found")
	// ErrRequestNotFound is returned when no request row exists.
	ErrRequestNotFound = errors.New("loan: request not found")
	// ErrDuplicateProduct signals the same product was linked twice.
	ErrDuplicateProduct = errors.New("loan: product linked twice")
)

// Repository defines the transactional data access the lifecycle service
// requires. All mutating methods run inside the caller's transaction so each
// logical operation commits or rolls back as one unit.
type Repository interface {
	GetRequesterForUpdate(ctx context.Context, tx pgx.Tx, identification string) (*requester.Requester, error)
	CountActiveRequests(ctx context.Context, tx pgx.Tx, requesterID string) (int, error)
	CountActiveComputerItems(ctx context.Context, tx pgx.Tx, requesterID string) (int, error)
	CountComputerItems(ctx context.Context, tx pgx.Tx, productIDs []string) (int, error)
	LockProducts(ctx context.Context, tx pgx.Tx, productIDs []string) ([]ProductState, error)
	InsertRequest(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	LinkProducts(ctx context.Context, tx pgx.Tx, requestID string, productIDs []string) error
	InsertLoan(ctx context.Context, tx pgx.Tx, ln Loan) (Loan, error)
	SetProductsAvailability(ctx context.Context, tx pgx.Tx, requestID string, state product.Availability) error
	GetLoanForUpdate(ctx context.Context, tx pgx.Tx, loanID string) (Detail, error)
	GetRequestForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Request, error)
	GetLoanByRequest(ctx context.Context, tx pgx.Tx, requestID string) (Loan, error)
	ApplyExtension(ctx context.Context, tx pgx.Tx, loanID string, extraDays int, extendedOn time.Time) (Loan, error)
	UpdateRequestStatus(ctx context.Context, tx pgx.Tx, requestID string, status RequestStatus) error
	DeleteLoan(ctx context.Context, tx pgx.Tx, loanID string) error

	GetView(ctx context.Context, loanID string) (View, error)
	List(ctx context.Context, limit int) ([]View, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed loan repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requesterColumns = `identification, first_name, middle_name, last_name, second_last_name,
	email, phone, role::text, eligibility::text, created_at, updated_at`

// GetRequesterForUpdate locks the requester row for the duration of the
// transaction, serializing concurrent admissions for the same requester.
// Returns nil without error when the requester does not exist.
func (r *PGRepository) GetRequesterForUpdate(ctx context.Context, tx pgx.Tx, identification string) (*requester.Requester, error) {
	const query = `SELECT ` + requesterColumns + ` FROM requesters WHERE identification = $1 FOR UPDATE`

	var req requester.Requester
	err := tx.QueryRow(ctx, query, identification).Scan(
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
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loan: lock requester: %w", err)
	}
	return &req, nil
}

func (r *PGRepository) CountActiveRequests(ctx context.Context, tx pgx.Tx, requesterID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM requests
		WHERE requester_id = $1 AND status IN ('pendiente', 'aprobado')
	`
	var n int
	if err := tx.QueryRow(ctx, query, requesterID).Scan(&n); err != nil {
		return 0, fmt.Errorf("loan: count active requests: %w", err)
	}
	return n, nil
}

func (r *PGRepository) CountActiveComputerItems(ctx context.Context, tx pgx.Tx, requesterID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM request_products rp
		JOIN requests q ON q.id = rp.request_id
		JOIN products p ON p.id = rp.product_id
		JOIN product_types t ON t.id = p.type_id
		WHERE q.requester_id = $1
		  AND q.status IN ('pendiente', 'aprobado')
		  AND t.name = $2
	`
	var n int
	if err := tx.QueryRow(ctx, query, requesterID, product.TypeComputerEquipment).Scan(&n); err != nil {
		return 0, fmt.Errorf("loan: count held computer items: %w", err)
	}
	return n, nil
}

func (r *PGRepository) CountComputerItems(ctx context.Context, tx pgx.Tx, productIDs []string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM products p
		JOIN product_types t ON t.id = p.type_id
		WHERE p.id = ANY($1) AND t.name = $2
	`
	var n int
	if err := tx.QueryRow(ctx, query, productIDs, product.TypeComputerEquipment).Scan(&n); err != nil {
		return 0, fmt.Errorf("loan: count requested computer items: %w", err)
	}
	return n, nil
}

// LockProducts locks the requested product rows in a stable order and
// returns their availability snapshots. Missing ids are absent from the
// result.
func (r *PGRepository) LockProducts(ctx context.Context, tx pgx.Tx, productIDs []string) ([]ProductState, error) {
	const query = `
		SELECT id, availability::text
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`

	rows, err := tx.Query(ctx, query, productIDs)
	if err != nil {
		return nil, fmt.Errorf("loan: lock products: %w", err)
	}
	defer rows.Close()

	out := make([]ProductState, 0, len(productIDs))
	for rows.Next() {
		var ps ProductState
		if err := rows.Scan(&ps.ID, &ps.Availability); err != nil {
			return nil, fmt.Errorf("loan: scan product state: %w", err)
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loan: iterate product states: %w", err)
	}
	return out, nil
}

func (r *PGRepository) InsertRequest(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const query = `
		INSERT INTO requests (id, requester_id, registered_on, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4::request_status)
		RETURNING id, requester_id, registered_on, status::text, created_at, updated_at
	`

	row := tx.QueryRow(ctx, query, req.ID, req.RequesterID, req.RegisteredOn, req.Status)
	return scanRequest(row)
}

func (r *PGRepository) LinkProducts(ctx context.Context, tx pgx.Tx, requestID string, productIDs []string) error {
	for _, productID := range productIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO request_products (request_id, product_id) VALUES ($1, $2)
		`, requestID, productID); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrDuplicateProduct
			}
			return fmt.Errorf("loan: link product %s: %w", productID, err)
		}
	}
	return nil
}

func (r *PGRepository) InsertLoan(ctx context.Context, tx pgx.Tx, ln Loan) (Loan, error) {
	const query = `
		INSERT INTO loans (id, request_id, registered_on, due_on)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4)
		RETURNING id, request_id, registered_on, due_on, extended_on, created_at, updated_at
	`

	row := tx.QueryRow(ctx, query, ln.ID, ln.RequestID, ln.RegisteredOn, ln.DueOn)
	return scanLoan(row)
}

// SetProductsAvailability flips every product linked to the request. It runs
// in the same transaction as the request status change, keeping the two
// consistent.
func (r *PGRepository) SetProductsAvailability(ctx context.Context, tx pgx.Tx, requestID string, state product.Availability) error {
	if _, err := tx.Exec(ctx, `
		UPDATE products
		SET availability = $2::product_availability,
		    updated_at = now()
		WHERE id IN (SELECT product_id FROM request_products WHERE request_id = $1)
	`, requestID, state); err != nil {
		return fmt.Errorf("loan: flip product availability: %w", err)
	}
	return nil
}

// GetLoanForUpdate locks the loan and its request rows and returns the
// joined detail the lifecycle checks need.
func (r *PGRepository) GetLoanForUpdate(ctx context.Context, tx pgx.Tx, loanID string) (Detail, error) {
	const query = `
		SELECT l.id, l.request_id, l.registered_on, l.due_on, l.extended_on, l.created_at, l.updated_at,
		       q.status::text, q.requester_id, s.role::text
		FROM loans l
		JOIN requests q ON q.id = l.request_id
		JOIN requesters s ON s.identification = q.requester_id
		WHERE l.id = $1
		FOR UPDATE OF l, q
	`

	var d Detail
	err := tx.QueryRow(ctx, query, loanID).Scan(
		&d.ID,
		&d.RequestID,
		&d.RegisteredOn,
		&d.DueOn,
		&d.ExtendedOn,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.RequestStatus,
		&d.RequesterID,
		&d.RequesterRole,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, ErrLoanNotFound
		}
		return Detail{}, fmt.Errorf("loan: get for update: %w", err)
	}
	return d, nil
}

// ApplyExtension moves the due date and stamps the extension inside the
// caller's transaction. The row is already locked by GetLoanForUpdate, so
// the single-extension check cannot race.
func (r *PGRepository) ApplyExtension(ctx context.Context, tx pgx.Tx, loanID string, extraDays int, extendedOn time.Time) (Loan, error) {
	const query = `
		UPDATE loans
		SET due_on = due_on + $2::int,
		    extended_on = $3,
		    updated_at = now()
		WHERE id = $1 AND extended_on IS NULL
		RETURNING id, request_id, registered_on, due_on, extended_on, created_at, updated_at
	`

	ln, err := scanLoan(tx.QueryRow(ctx, query, loanID, extraDays, extendedOn))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Loan{}, ErrAlreadyExtended
		}
		return Loan{}, fmt.Errorf("loan: apply extension: %w", err)
	}
	return ln, nil
}

// GetRequestForUpdate locks the request row so a status transition cannot
// race a concurrent return or admission.
func (r *PGRepository) GetRequestForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	const query = `
		SELECT id, requester_id, registered_on, status::text, created_at, updated_at
		FROM requests
		WHERE id = $1
		FOR UPDATE
	`

	req, err := scanRequest(tx.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("loan: get request for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetLoanByRequest(ctx context.Context, tx pgx.Tx, requestID string) (Loan, error) {
	const query = `
		SELECT id, request_id, registered_on, due_on, extended_on, created_at, updated_at
		FROM loans
		WHERE request_id = $1
	`

	ln, err := scanLoan(tx.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Loan{}, ErrLoanNotFound
		}
		return Loan{}, fmt.Errorf("loan: get by request: %w", err)
	}
	return ln, nil
}

func (r *PGRepository) UpdateRequestStatus(ctx context.Context, tx pgx.Tx, requestID string, status RequestStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE requests
		SET status = $2::request_status,
		    updated_at = now()
		WHERE id = $1
	`, requestID, status)
	if err != nil {
		return fmt.Errorf("loan: update request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// DeleteLoan removes the loan row only. Linked products and the request are
// deliberately untouched; this is the administrative bypass.
func (r *PGRepository) DeleteLoan(ctx context.Context, tx pgx.Tx, loanID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM loans WHERE id = $1`, loanID)
	if err != nil {
		return fmt.Errorf("loan: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// GetView fetches a loan with its request and linked product ids.
func (r *PGRepository) GetView(ctx context.Context, loanID string) (View, error) {
	const query = `
		SELECT l.id, l.request_id, l.registered_on, l.due_on, l.extended_on, l.created_at, l.updated_at,
		       q.id, q.requester_id, q.registered_on, q.status::text, q.created_at, q.updated_at
		FROM loans l
		JOIN requests q ON q.id = l.request_id
		WHERE l.id = $1
	`

	var v View
	err := r.pool.QueryRow(ctx, query, loanID).Scan(
		&v.Loan.ID,
		&v.Loan.RequestID,
		&v.Loan.RegisteredOn,
		&v.Loan.DueOn,
		&v.Loan.ExtendedOn,
		&v.Loan.CreatedAt,
		&v.Loan.UpdatedAt,
		&v.Request.ID,
		&v.Request.RequesterID,
		&v.Request.RegisteredOn,
		&v.Request.Status,
		&v.Request.CreatedAt,
		&v.Request.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return View{}, ErrLoanNotFound
		}
		return View{}, fmt.Errorf("loan: get view: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT product_id FROM request_products WHERE request_id = $1 ORDER BY id`, v.Request.ID)
	if err != nil {
		return View{}, fmt.Errorf("loan: list view products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return View{}, fmt.Errorf("loan: scan view product: %w", err)
		}
		v.ProductIDs = append(v.ProductIDs, id)
	}
	if err := rows.Err(); err != nil {
		return View{}, fmt.Errorf("loan: iterate view products: %w", err)
	}
	return v, nil
}

// List fetches up to limit loans ordered by due date ascending.
func (r *PGRepository) List(ctx context.Context, limit int) ([]View, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	const query = `
		SELECT l.id, l.request_id, l.registered_on, l.due_on, l.extended_on, l.created_at, l.updated_at,
		       q.id, q.requester_id, q.registered_on, q.status::text, q.created_at, q.updated_at
		FROM loans l
		JOIN requests q ON q.id = l.request_id
		ORDER BY l.due_on ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("loan: list: %w", err)
	}
	defer rows.Close()

	out := make([]View, 0, limit)
	for rows.Next() {
		var v View
		if err := rows.Scan(
			&v.Loan.ID,
			&v.Loan.RequestID,
			&v.Loan.RegisteredOn,
			&v.Loan.DueOn,
			&v.Loan.ExtendedOn,
			&v.Loan.CreatedAt,
			&v.Loan.UpdatedAt,
			&v.Request.ID,
			&v.Request.RequesterID,
			&v.Request.RegisteredOn,
			&v.Request.Status,
			&v.Request.CreatedAt,
			&v.Request.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("loan: scan list row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loan: iterate list: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.RegisteredOn,
		&req.Status,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}

func scanLoan(row pgx.Row) (Loan, error) {
	var ln Loan
	return ln, row.Scan(
		&ln.ID,
		&ln.RequestID,
		&ln.RegisteredOn,
		&ln.DueOn,
		&ln.ExtendedOn,
		&ln.CreatedAt,
		&ln.UpdatedAt,
	)
}
