package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_sanction_per_loan",
			SQL: `SELECT loan_id, COUNT(*) FROM sanctions
                  GROUP BY loan_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_quota_respected",
			SQL: `SELECT q.requester_id, r.role::text, COUNT(*) FROM requests q
                  JOIN requesters r ON r.identification = q.requester_id
                  WHERE q.status IN ('pendiente','aprobado')
                  GROUP BY q.requester_id, r.role
                  HAVING COUNT(*) > CASE WHEN r.role = 'aprendiz' THEN 1 ELSE 2 END`,
		},
		{
			Name: "O3_due_after_registration",
			SQL:  `SELECT id FROM loans WHERE due_on <= registered_on`,
		},
		{
			Name: "O4_eligibility_derived_from_sanctions",
			SQL: `SELECT r.identification FROM requesters r
                  WHERE (r.eligibility = 'no apto') <> EXISTS (
                      SELECT 1 FROM sanctions s
                      WHERE s.requester_id = r.identification AND s.status = 'activa')`,
		},
		{
			Name: "O5_availability_matches_active_links",
			SQL: `SELECT p.id, p.availability::text FROM products p
                  WHERE (p.availability = 'Prestado') <> EXISTS (
                      SELECT 1 FROM request_products rp
                      JOIN requests q ON q.id = rp.request_id
                      WHERE rp.product_id = p.id AND q.status IN ('pendiente','aprobado'))`,
		},
		{
			Name: "O6_active_request_has_loan",
			SQL: `SELECT q.id FROM requests q
                  LEFT JOIN loans l ON l.request_id = q.id
                  WHERE q.status IN ('pendiente','aprobado') AND l.id IS NULL`,
		},
		{
			Name: "O7_sanction_window_sane",
			SQL:  `SELECT id FROM sanctions WHERE ends_on < starts_on OR day_count < 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
