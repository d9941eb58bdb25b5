package loan_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lendflow/loan"
	"lendflow/sanction"
)

// TestLoanLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL
// and drives a full cycle: admission, extension, late return, sanction,
// fulfilment.
func TestLoanLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "loans") || !tableExists(ctx, t, pool, "sanctions") {
		t.Skip("database schema missing; apply the files under migrations/ first")
	}

	stamp := time.Now().UnixNano()
	requesterID := fmt.Sprintf("%d", stamp%1_000_000_000)

	if _, err := pool.Exec(ctx, `
		INSERT INTO requesters (identification, first_name, last_name, role)
		VALUES ($1, 'Iván', 'Durán', 'instructor')
	`, requesterID); err != nil {
		t.Fatalf("seed requester: %v", err)
	}

	var productID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO products (internal_code, name, type_id)
		VALUES ($1, 'Guaya de seguridad', (SELECT id FROM product_types WHERE name = 'guaya'))
		RETURNING id
	`, fmt.Sprintf("ITEST-%d", stamp)).Scan(&productID); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM sanctions WHERE requester_id = $1`, requesterID)
		pool.Exec(ctx2, `DELETE FROM loans WHERE request_id IN (SELECT id FROM requests WHERE requester_id = $1)`, requesterID)
		pool.Exec(ctx2, `DELETE FROM requests WHERE requester_id = $1`, requesterID)
		pool.Exec(ctx2, `DELETE FROM products WHERE id = $1`, productID)
		pool.Exec(ctx2, `DELETE FROM requesters WHERE identification = $1`, requesterID)
	})

	sancSvc := sanction.NewService(pool, sanction.NewStore(pool))
	loanSvc := loan.NewService(pool, loan.NewRepository(pool)).WithClosureHook(sancSvc)

	created, err := loanSvc.CreateRequest(ctx, loan.CreateParams{
		RequesterID: requesterID,
		ProductIDs:  []string{productID},
		DueOn:       time.Now().AddDate(0, 0, 7),
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	var availability string
	if err := pool.QueryRow(ctx, `SELECT availability::text FROM products WHERE id = $1`, productID).Scan(&availability); err != nil {
		t.Fatalf("check availability: %v", err)
	}
	if availability != "Prestado" {
		t.Fatalf("expected Prestado after admission, got %s", availability)
	}

	// Extend once, then verify the second attempt is refused.
	if _, err := loanSvc.ExtendLoan(ctx, loan.ExtendParams{LoanID: created.Loan.ID, ExtraDays: 3}); err != nil {
		t.Fatalf("first extension: %v", err)
	}
	if _, err := loanSvc.ExtendLoan(ctx, loan.ExtendParams{LoanID: created.Loan.ID, ExtraDays: 3}); !errors.Is(err, loan.ErrAlreadyExtended) {
		t.Fatalf("expected ErrAlreadyExtended, got %v", err)
	}

	// Force the loan overdue, then return it: the closure must sanction the
	// requester in the same transaction.
	if _, err := pool.Exec(ctx, `
		UPDATE loans SET registered_on = CURRENT_DATE - 10, due_on = CURRENT_DATE - 2 WHERE id = $1
	`, created.Loan.ID); err != nil {
		t.Fatalf("backdate loan: %v", err)
	}
	if err := loanSvc.ReturnLoan(ctx, created.Loan.ID, nil); err != nil {
		t.Fatalf("return loan: %v", err)
	}

	var requestStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM requests WHERE id = $1`, created.Request.ID).Scan(&requestStatus); err != nil {
		t.Fatalf("check request: %v", err)
	}
	if requestStatus != "finalizado" {
		t.Fatalf("expected finalizado, got %s", requestStatus)
	}
	if err := pool.QueryRow(ctx, `SELECT availability::text FROM products WHERE id = $1`, productID).Scan(&availability); err != nil {
		t.Fatalf("recheck availability: %v", err)
	}
	if availability != "Disponible" {
		t.Fatalf("expected Disponible after return, got %s", availability)
	}

	var sanctionID string
	var eligibility string
	if err := pool.QueryRow(ctx, `SELECT id FROM sanctions WHERE loan_id = $1 AND status = 'activa'`, created.Loan.ID).Scan(&sanctionID); err != nil {
		t.Fatalf("expected an active sanction: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT eligibility::text FROM requesters WHERE identification = $1`, requesterID).Scan(&eligibility); err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if eligibility != "no apto" {
		t.Fatalf("expected no apto after late return, got %s", eligibility)
	}

	// Returning again must be refused.
	if err := loanSvc.ReturnLoan(ctx, created.Loan.ID, nil); !errors.Is(err, loan.ErrNotActive) {
		t.Fatalf("expected ErrNotActive on double return, got %v", err)
	}

	// Fulfilling the sanction restores eligibility.
	if err := sancSvc.FulfillSanction(ctx, sanctionID, nil); err != nil {
		t.Fatalf("fulfill sanction: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT eligibility::text FROM requesters WHERE identification = $1`, requesterID).Scan(&eligibility); err != nil {
		t.Fatalf("recheck eligibility: %v", err)
	}
	if eligibility != "apto" {
		t.Fatalf("expected apto after fulfilment, got %s", eligibility)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
