package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backends are killed mid-statement, so lending transactions must either
// commit whole or leave no trace; the oracles verify the latter.
const killSQL = `
	SELECT pg_terminate_backend(pid)
	FROM pg_stat_activity
	WHERE datname = current_database()
	  AND pid <> pg_backend_pid()
	  AND state <> 'idle'
	ORDER BY random()
	LIMIT 1
`

// TerminateRandomBackend kills a random busy backend of the lending test
// database, forcing in-flight admissions, returns and sanction writes to
// roll back mid-operation.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, killSQL)
			}
		}
	}
}
