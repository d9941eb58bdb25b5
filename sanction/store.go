package sanction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lendflow/requester"
)

var (
	// ErrNotFound is returned when no sanction row exists for the identifier.
	ErrNotFound = errors.New("sanction: not found")
	// ErrLoanNotFound is returned when the referenced loan does not exist.
	ErrLoanNotFound = errors.New("sanction: loan not found")
)

// Store defines the data access the engine requires. Mutating methods run
// inside the caller's transaction.
type Store interface {
	GetLoanInfo(ctx context.Context, tx pgx.Tx, loanID string) (LoanInfo, error)
	Insert(ctx context.Context, tx pgx.Tx, s Sanction) (Sanction, bool, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Sanction, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	CountActiveByRequester(ctx context.Context, tx pgx.Tx, requesterID string) (int, error)
	SetRequesterEligibility(ctx context.Context, tx pgx.Tx, requesterID string, state requester.Eligibility) error
	ListOverdueActiveLoans(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]LoanInfo, error)
	ListExpiredActive(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]Sanction, error)

	Get(ctx context.Context, id string) (Sanction, error)
	List(ctx context.Context, status *Status, limit int) ([]Sanction, error)
	ListByRequester(ctx context.Context, requesterID string) ([]Sanction, error)
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed sanction store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const sanctionColumns = `id, requester_id, loan_id, starts_on, ends_on, day_count, reason, status::text, created_at, updated_at`

func (s *PGStore) GetLoanInfo(ctx context.Context, tx pgx.Tx, loanID string) (LoanInfo, error) {
	const query = `
		SELECT l.id, l.request_id, q.requester_id, l.due_on
		FROM loans l
		JOIN requests q ON q.id = l.request_id
		WHERE l.id = $1
	`

	var info LoanInfo
	err := tx.QueryRow(ctx, query, loanID).Scan(&info.LoanID, &info.RequestID, &info.RequesterID, &info.DueOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LoanInfo{}, ErrLoanNotFound
		}
		return LoanInfo{}, fmt.Errorf("sanction: get loan info: %w", err)
	}
	return info, nil
}

// Insert persists a new sanction. When the loan already carries one, the
// conflict clause turns the insert into a no-op and Insert reports
// created=false; the surrounding transaction stays usable, so a late return
// of an already-sanctioned loan can still close the request in the same tx.
func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, sa Sanction) (Sanction, bool, error) {
	const query = `
		INSERT INTO sanctions (id, requester_id, loan_id, starts_on, ends_on, day_count, reason)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		ON CONFLICT (loan_id) DO NOTHING
		RETURNING ` + sanctionColumns

	out, err := scanSanction(tx.QueryRow(ctx, query, sa.ID, sa.RequesterID, sa.LoanID, sa.StartsOn, sa.EndsOn, sa.DayCount, sa.Reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sanction{}, false, nil
		}
		return Sanction{}, false, fmt.Errorf("sanction: insert: %w", err)
	}
	return out, true, nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Sanction, error) {
	const query = `SELECT ` + sanctionColumns + ` FROM sanctions WHERE id = $1 FOR UPDATE`

	sa, err := scanSanction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sanction{}, ErrNotFound
		}
		return Sanction{}, fmt.Errorf("sanction: get for update: %w", err)
	}
	return sa, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE sanctions
		SET status = $2::sanction_status,
		    updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("sanction: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CountActiveByRequester(ctx context.Context, tx pgx.Tx, requesterID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM sanctions WHERE requester_id = $1 AND status = 'activa'
	`, requesterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sanction: count active: %w", err)
	}
	return n, nil
}

func (s *PGStore) SetRequesterEligibility(ctx context.Context, tx pgx.Tx, requesterID string, state requester.Eligibility) error {
	tag, err := tx.Exec(ctx, `
		UPDATE requesters
		SET eligibility = $2::eligibility_state,
		    updated_at = now()
		WHERE identification = $1
	`, requesterID, state)
	if err != nil {
		return fmt.Errorf("sanction: set eligibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sanction: requester %s not found", requesterID)
	}
	return nil
}

// ListOverdueActiveLoans returns loans past due whose request is still open
// and that carry no sanction yet. Rows are locked so a concurrent return
// cannot slip between the scan and the insert.
func (s *PGStore) ListOverdueActiveLoans(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]LoanInfo, error) {
	const query = `
		SELECT l.id, l.request_id, q.requester_id, l.due_on
		FROM loans l
		JOIN requests q ON q.id = l.request_id
		LEFT JOIN sanctions sa ON sa.loan_id = l.id
		WHERE q.status IN ('pendiente', 'aprobado')
		  AND l.due_on < $1::date
		  AND sa.id IS NULL
		ORDER BY l.due_on
		FOR UPDATE OF l, q
	`

	rows, err := tx.Query(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("sanction: list overdue loans: %w", err)
	}
	defer rows.Close()

	var out []LoanInfo
	for rows.Next() {
		var info LoanInfo
		if err := rows.Scan(&info.LoanID, &info.RequestID, &info.RequesterID, &info.DueOn); err != nil {
			return nil, fmt.Errorf("sanction: scan overdue loan: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sanction: iterate overdue loans: %w", err)
	}
	return out, nil
}

// ListExpiredActive returns active sanctions whose end date is already past.
func (s *PGStore) ListExpiredActive(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]Sanction, error) {
	const query = `
		SELECT ` + sanctionColumns + `
		FROM sanctions
		WHERE status = 'activa' AND ends_on < $1::date
		ORDER BY ends_on
		FOR UPDATE
	`

	rows, err := tx.Query(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("sanction: list expired: %w", err)
	}
	defer rows.Close()

	var out []Sanction
	for rows.Next() {
		sa, err := scanSanctionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sanction: scan expired: %w", err)
		}
		out = append(out, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sanction: iterate expired: %w", err)
	}
	return out, nil
}

// Get fetches one sanction outside any transaction.
func (s *PGStore) Get(ctx context.Context, id string) (Sanction, error) {
	const query = `SELECT ` + sanctionColumns + ` FROM sanctions WHERE id = $1`

	sa, err := scanSanction(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sanction{}, ErrNotFound
		}
		return Sanction{}, fmt.Errorf("sanction: get: %w", err)
	}
	return sa, nil
}

// List fetches sanctions, optionally filtered by status, newest first.
func (s *PGStore) List(ctx context.Context, status *Status, limit int) ([]Sanction, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	query := `SELECT ` + sanctionColumns + ` FROM sanctions`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1::sanction_status`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sanction: list: %w", err)
	}
	defer rows.Close()

	out := make([]Sanction, 0, limit)
	for rows.Next() {
		sa, err := scanSanctionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sanction: scan list row: %w", err)
		}
		out = append(out, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sanction: iterate list: %w", err)
	}
	return out, nil
}

// ListByRequester fetches a requester's full sanction history, newest first.
func (s *PGStore) ListByRequester(ctx context.Context, requesterID string) ([]Sanction, error) {
	const query = `SELECT ` + sanctionColumns + ` FROM sanctions WHERE requester_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, requesterID)
	if err != nil {
		return nil, fmt.Errorf("sanction: list by requester: %w", err)
	}
	defer rows.Close()

	var out []Sanction
	for rows.Next() {
		sa, err := scanSanctionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sanction: scan history row: %w", err)
		}
		out = append(out, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sanction: iterate history: %w", err)
	}
	return out, nil
}

func scanSanction(row pgx.Row) (Sanction, error) {
	var sa Sanction
	return sa, row.Scan(
		&sa.ID,
		&sa.RequesterID,
		&sa.LoanID,
		&sa.StartsOn,
		&sa.EndsOn,
		&sa.DayCount,
		&sa.Reason,
		&sa.Status,
		&sa.CreatedAt,
		&sa.UpdatedAt,
	)
}

func scanSanctionRows(rows pgx.Rows) (Sanction, error) {
	var sa Sanction
	return sa, rows.Scan(
		&sa.ID,
		&sa.RequesterID,
		&sa.LoanID,
		&sa.StartsOn,
		&sa.EndsOn,
		&sa.DayCount,
		&sa.Reason,
		&sa.Status,
		&sa.CreatedAt,
		&sa.UpdatedAt,
	)
}
