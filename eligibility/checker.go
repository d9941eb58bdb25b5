package eligibility

import (
	"errors"
	"time"

	"lendflow/requester"
)

// Rejection reasons, ordered by the rule that produces them. All are expected
// user-facing outcomes; the API layer maps them to messages.
var (
	ErrRequesterNotFound      = errors.New("eligibility: requester not found")
	ErrNotEligible            = errors.New("eligibility: requester is not apto")
	ErrInvalidDate            = errors.New("eligibility: due date before today")
	ErrExceedsMaxDuration     = errors.New("eligibility: due date exceeds maximum loan duration")
	ErrQuotaExceeded          = errors.New("eligibility: active request quota reached")
	ErrComputerEquipmentLimit = errors.New("eligibility: computer equipment limit exceeded")
)

// Input carries everything the checker needs, gathered by the caller inside
// its transaction so the verdict is consistent with the write that follows.
type Input struct {
	// Requester is nil when no registry entry exists.
	Requester *requester.Requester
	// ActiveRequests counts the requester's requests in pendiente/aprobado.
	ActiveRequests int
	// HeldComputerItems counts computer-equipment products linked to those
	// active requests.
	HeldComputerItems int
	// RequestedComputerItems counts computer-equipment products in the
	// submission under evaluation.
	RequestedComputerItems int
	DueOn                  time.Time
}

// Checker applies the request-admission rules. It performs no reads or
// writes of its own.
type Checker struct {
	cfg Config
	now func() time.Time
}

// NewChecker builds a Checker over the given policy table.
func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg, now: time.Now}
}

// WithClock overrides the time source, mainly for tests.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Config exposes the policy table so the loan lifecycle can reuse the
// role-specific extension caps.
func (c *Checker) Config() Config {
	return c.cfg
}

// Check evaluates the admission rules in order and returns the first
// violation. Date comparisons are at day granularity.
func (c *Checker) Check(in Input) error {
	if in.Requester == nil {
		return ErrRequesterNotFound
	}
	if in.Requester.Eligibility != requester.EligibilityApto {
		return ErrNotEligible
	}

	today := truncateDay(c.now())
	dueOn := truncateDay(in.DueOn)
	if dueOn.Before(today) {
		return ErrInvalidDate
	}
	if dueOn.After(today.AddDate(0, 0, c.cfg.MaxLoanDays)) {
		return ErrExceedsMaxDuration
	}

	policy := c.cfg.PolicyFor(in.Requester.Role)
	if in.ActiveRequests >= policy.Quota {
		return ErrQuotaExceeded
	}

	// Apprentices may hold at most one computer-equipment item across all
	// active requests, and may not ask for more than one per submission.
	if in.Requester.Role == requester.RoleAprendiz && in.RequestedComputerItems > 0 {
		if in.HeldComputerItems > 0 || in.RequestedComputerItems > 1 {
			return ErrComputerEquipmentLimit
		}
	}

	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
