package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateUsername signals that the username is already taken.
	ErrDuplicateUsername = errors.New("auth: username already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Username     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, role, created_at
	`

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Username, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateUsername
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (r *PGRepository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const selectSQL = `
		SELECT id, username, password_hash, role, created_at
		FROM users
		WHERE username = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by username: %w", err)
	}

	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const selectSQL = `
		SELECT id, username, password_hash, role, created_at
		FROM users
		WHERE id = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}

	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Role,
		&user.CreatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}
