package product

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the product does not exist.
	ErrNotFound = errors.New("product: not found")
	// ErrDuplicateCode signals the internal code (or plate/serial) is taken.
	ErrDuplicateCode = errors.New("product: duplicate identifier")
	// ErrUnknownType signals the referenced product type does not exist.
	ErrUnknownType = errors.New("product: unknown product type")
)

const productColumns = `p.id, p.internal_code, p.name, p.type_id, t.name,
	p.plate, p.serial, p.brand, p.availability::text, p.observations, p.created_at, p.updated_at`

// Repository provides data access for the product registry.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create registers a new lendable item. Availability starts at 'Disponible'.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Product, error) {
	if params.InternalCode == "" {
		return Product{}, fmt.Errorf("product: internal code required")
	}
	if params.Name == "" {
		return Product{}, fmt.Errorf("product: name required")
	}

	const insertSQL = `
		WITH inserted AS (
			INSERT INTO products (internal_code, name, type_id, plate, serial, brand, observations)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING *
		)
		SELECT ` + productColumns + `
		FROM inserted p
		JOIN product_types t ON t.id = p.type_id
	`

	p, err := scanProduct(r.pool.QueryRow(ctx, insertSQL,
		params.InternalCode,
		params.Name,
		params.TypeID,
		params.Plate,
		params.Serial,
		params.Brand,
		params.Observations,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return Product{}, ErrDuplicateCode
			case "23503":
				return Product{}, ErrUnknownType
			}
		}
		return Product{}, fmt.Errorf("product: create: %w", err)
	}
	return p, nil
}

// GetByID fetches a product with its type name resolved.
func (r *Repository) GetByID(ctx context.Context, id string) (Product, error) {
	const query = `
		SELECT ` + productColumns + `
		FROM products p
		JOIN product_types t ON t.id = p.type_id
		WHERE p.id = $1
	`

	p, err := scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("product: get by id: %w", err)
	}
	return p, nil
}

// List fetches products, optionally filtered by availability.
func (r *Repository) List(ctx context.Context, availability Availability, limit int) ([]Product, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	query := `
		SELECT ` + productColumns + `
		FROM products p
		JOIN product_types t ON t.id = p.type_id
	`
	args := []any{}
	if availability != "" {
		query += ` WHERE p.availability = $1::product_availability`
		args = append(args, availability)
	}
	query += fmt.Sprintf(` ORDER BY p.internal_code ASC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("product: list: %w", err)
	}
	defer rows.Close()

	out := make([]Product, 0, limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("product: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("product: iterate: %w", err)
	}
	return out, nil
}

// TypeNames resolves the type name of each given product id. Missing ids are
// simply absent from the result; the caller decides whether that is an error.
func (r *Repository) TypeNames(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	const query = `
		SELECT p.id, t.name
		FROM products p
		JOIN product_types t ON t.id = p.type_id
		WHERE p.id = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("product: type names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("product: scan type name: %w", err)
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("product: iterate type names: %w", err)
	}
	return out, nil
}

// SetAvailability flips a single product's availability state.
func (r *Repository) SetAvailability(ctx context.Context, id string, state Availability) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET availability = $2::product_availability,
		    updated_at = now()
		WHERE id = $1
	`, id, state)
	if err != nil {
		return fmt.Errorf("product: set availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AvailabilitySummary aggregates per-type available/unavailable counters for
// the inventory dashboard. Written-off items count as unavailable.
func (r *Repository) AvailabilitySummary(ctx context.Context) (Summary, error) {
	const query = `
		SELECT t.name,
		       COUNT(*) FILTER (WHERE p.availability = 'Disponible'),
		       COUNT(*) FILTER (WHERE p.availability <> 'Disponible')
		FROM products p
		JOIN product_types t ON t.id = p.type_id
		GROUP BY t.name
		ORDER BY t.name
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return Summary{}, fmt.Errorf("product: availability summary: %w", err)
	}
	defer rows.Close()

	var summary Summary
	for rows.Next() {
		var ts TypeSummary
		if err := rows.Scan(&ts.TypeName, &ts.Available, &ts.Unavailable); err != nil {
			return Summary{}, fmt.Errorf("product: scan summary: %w", err)
		}
		summary.TotalAvailable += ts.Available
		summary.TotalUnavailable += ts.Unavailable
		summary.ByType = append(summary.ByType, ts)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("product: iterate summary: %w", err)
	}
	return summary, nil
}

// ListTypes returns all product types ordered by id.
func (r *Repository) ListTypes(ctx context.Context) ([]Type, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM product_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("product: list types: %w", err)
	}
	defer rows.Close()

	var out []Type
	for rows.Next() {
		var t Type
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("product: scan type: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("product: iterate types: %w", err)
	}
	return out, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	return p, row.Scan(
		&p.ID,
		&p.InternalCode,
		&p.Name,
		&p.TypeID,
		&p.TypeName,
		&p.Plate,
		&p.Serial,
		&p.Brand,
		&p.Availability,
		&p.Observations,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}
