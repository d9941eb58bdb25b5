package requester

import "time"

// Role classifies a requester for quota and extension purposes.
type Role string

const (
	RoleAprendiz    Role = "aprendiz"
	RoleInstructor  Role = "instructor"
	RoleFuncionario Role = "funcionario"
	RoleContratista Role = "contratista"
)

// Eligibility is the gate for opening new loan requests. It is derived state:
// a requester is 'no apto' exactly while at least one active sanction
// references them.
type Eligibility string

const (
	EligibilityApto   Eligibility = "apto"
	EligibilityNoApto Eligibility = "no apto"
)

// Requester mirrors the requesters table. Requesters are created through
// registration and never deleted by the lending core.
type Requester struct {
	Identification string
	FirstName      string
	MiddleName     *string
	LastName       string
	SecondLastName *string
	Email          *string
	Phone          *string
	Role           Role
	Eligibility    Eligibility
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateParams contains the write parameters for registering a requester.
type CreateParams struct {
	Identification string
	FirstName      string
	MiddleName     *string
	LastName       string
	SecondLastName *string
	Email          *string
	Phone          *string
	Role           Role
}

// ValidRole reports whether the role is one of the known enum values.
func ValidRole(r Role) bool {
	switch r {
	case RoleAprendiz, RoleInstructor, RoleFuncionario, RoleContratista:
		return true
	default:
		return false
	}
}
