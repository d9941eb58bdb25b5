package eligibility

import "lendflow/requester"

// Policy holds the per-role limits applied by the engine.
type Policy struct {
	// Quota is the maximum number of simultaneously active requests.
	Quota int
	// ExtensionCapDays bounds a single loan extension for the role.
	ExtensionCapDays int
}

// Config maps roles to their policies. Unknown roles fall back to Default.
type Config struct {
	Roles   map[requester.Role]Policy
	Default Policy
	// MaxLoanDays bounds how far in the future a due date may sit.
	MaxLoanDays int
}

// DefaultConfig returns the institutional policy table: apprentices get one
// active request and a one-day extension, everyone else two requests and the
// global extension cap.
func DefaultConfig() Config {
	return Config{
		Roles: map[requester.Role]Policy{
			requester.RoleAprendiz:    {Quota: 1, ExtensionCapDays: 1},
			requester.RoleInstructor:  {Quota: 2, ExtensionCapDays: 30},
			requester.RoleFuncionario: {Quota: 2, ExtensionCapDays: 30},
			requester.RoleContratista: {Quota: 2, ExtensionCapDays: 30},
		},
		Default:     Policy{Quota: 1, ExtensionCapDays: 30},
		MaxLoanDays: 30,
	}
}

// PolicyFor resolves the policy for a role.
func (c Config) PolicyFor(role requester.Role) Policy {
	if p, ok := c.Roles[role]; ok {
		return p
	}
	return c.Default
}
