package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lendflow/eligibility"
	"lendflow/loan"
	"lendflow/sanction"
)

// Borrower keeps submitting single-product requests for one requester. Policy
// rejections are expected under contention; anything else is a real failure.
func Borrower(ctx context.Context, svc *loan.Service, pool *pgxpool.Pool, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		productID, err := randomProduct(ctx, pool, true)
		if err != nil {
			return fmt.Errorf("borrower pick product: %w", err)
		}
		if productID == "" {
			time.Sleep(30 * time.Millisecond)
			continue
		}

		_, err = svc.CreateRequest(ctx, loan.CreateParams{
			RequesterID: requesterID,
			ProductIDs:  []string{productID},
			DueOn:       time.Now().AddDate(0, 0, 1+rand.Intn(5)),
		})
		if err != nil && !expectedAdmissionError(err) {
			return fmt.Errorf("borrower create: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Returner closes random loans. Racing another returner over the same loan is
// expected; exactly one of them wins.
func Returner(ctx context.Context, svc *loan.Service, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		loanID, err := randomActiveLoan(ctx, pool)
		if err != nil {
			return fmt.Errorf("returner pick loan: %w", err)
		}
		if loanID == "" {
			time.Sleep(40 * time.Millisecond)
			continue
		}

		err = svc.ReturnLoan(ctx, loanID, nil)
		if err != nil && !errors.Is(err, loan.ErrNotActive) && !errors.Is(err, loan.ErrLoanNotFound) {
			return fmt.Errorf("returner close: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Extender races one-day extensions over random loans. Only the first attempt
// per loan may win; the rest must fail cleanly.
func Extender(ctx context.Context, svc *loan.Service, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		loanID, err := randomActiveLoan(ctx, pool)
		if err != nil {
			return fmt.Errorf("extender pick loan: %w", err)
		}
		if loanID == "" {
			time.Sleep(40 * time.Millisecond)
			continue
		}

		_, err = svc.ExtendLoan(ctx, loan.ExtendParams{LoanID: loanID, ExtraDays: 1})
		if err != nil && !expectedExtensionError(err) {
			return fmt.Errorf("extender: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// OverdueScanner sweeps overdue loans into sanctions on a tight loop.
func OverdueScanner(ctx context.Context, svc *sanction.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.ScanOverdue(ctx, nil); err != nil {
			return fmt.Errorf("overdue scan: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Sweeper lifts expired sanctions on a tight loop.
func Sweeper(ctx context.Context, svc *sanction.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.SweepExpired(ctx); err != nil {
			return fmt.Errorf("sweep expired: %w", err)
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

func expectedAdmissionError(err error) bool {
	return errors.Is(err, eligibility.ErrQuotaExceeded) ||
		errors.Is(err, eligibility.ErrNotEligible) ||
		errors.Is(err, eligibility.ErrComputerEquipmentLimit) ||
		errors.Is(err, loan.ErrProductUnavailable) ||
		errors.Is(err, loan.ErrProductNotFound)
}

func expectedExtensionError(err error) bool {
	return errors.Is(err, loan.ErrAlreadyExtended) ||
		errors.Is(err, loan.ErrNotActive) ||
		errors.Is(err, loan.ErrRoleLimitExceeded) ||
		errors.Is(err, loan.ErrLoanNotFound)
}

func randomProduct(ctx context.Context, pool *pgxpool.Pool, onlyAvailable bool) (string, error) {
	query := `SELECT id FROM products`
	if onlyAvailable {
		query += ` WHERE availability = 'Disponible'`
	}
	query += ` ORDER BY random() LIMIT 1`

	var id string
	if err := pool.QueryRow(ctx, query).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func randomActiveLoan(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	const query = `
		SELECT l.id
		FROM loans l
		JOIN requests q ON q.id = l.request_id
		WHERE q.status IN ('pendiente', 'aprobado')
		ORDER BY random()
		LIMIT 1
	`

	var id string
	if err := pool.QueryRow(ctx, query).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}
