package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"lendflow/audit"
	"lendflow/auth"
	"lendflow/db"
	"lendflow/eligibility"
	"lendflow/loan"
	"lendflow/sanction"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	if user, pass := os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD"); user != "" && pass != "" {
		if err := authService.EnsureAdmin(ctx, user, pass); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
	}

	recorder := audit.NewRecorder()

	sanctionService := sanction.NewService(pool, sanction.NewStore(pool)).WithAudit(recorder)
	if v := os.Getenv("SANCTION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("parse SANCTION_DAYS: %v", err)
		}
		sanctionService.WithDayCount(days)
	}

	loanService := loan.NewService(pool, loan.NewRepository(pool)).
		WithChecker(eligibility.NewChecker(eligibility.DefaultConfig())).
		WithClosureHook(sanctionService).
		WithAudit(recorder)

	// Background maintenance: scan for overdue loans and lift served
	// sanctions once a day.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := sanctionService.ScanOverdue(ctx, nil); err != nil {
				log.Printf("overdue scan: %v", err)
			} else if n > 0 {
				log.Printf("overdue scan: %d sanctions opened", n)
			}
			if n, err := sanctionService.SweepExpired(ctx); err != nil {
				log.Printf("sanction sweep: %v", err)
			} else if n > 0 {
				log.Printf("sanction sweep: %d sanctions lifted", n)
			}
		}
	}()

	log.Printf("lending services ready: %+v", loanService != nil)
	select {}
}
