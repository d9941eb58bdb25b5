package auth

import "time"

type Role string

const (
	RoleAdministrador Role = "administrador"
	RoleConsulta      Role = "consulta"
)

// User is the domain representation of an operator account. It mirrors the
// users table and carries no JSON annotations so it can be reused by
// different presentation layers.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
