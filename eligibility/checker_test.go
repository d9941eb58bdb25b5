package eligibility

import (
	"errors"
	"testing"
	"time"

	"lendflow/requester"
)

var testNow = time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC)

func newTestChecker() *Checker {
	return NewChecker(DefaultConfig()).WithClock(func() time.Time { return testNow })
}

func aptoRequester(role requester.Role) *requester.Requester {
	return &requester.Requester{
		Identification: "1001",
		Role:           role,
		Eligibility:    requester.EligibilityApto,
	}
}

func TestCheck_ApprenticeFirstRequestSucceeds(t *testing.T) {
	c := newTestChecker()

	err := c.Check(Input{
		Requester:      aptoRequester(requester.RoleAprendiz),
		ActiveRequests: 0,
		DueOn:          testNow.AddDate(0, 0, 10),
	})
	if err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestCheck_RequesterMissing(t *testing.T) {
	c := newTestChecker()

	if err := c.Check(Input{Requester: nil, DueOn: testNow}); !errors.Is(err, ErrRequesterNotFound) {
		t.Fatalf("expected ErrRequesterNotFound, got %v", err)
	}
}

func TestCheck_SanctionedRequesterRejected(t *testing.T) {
	c := newTestChecker()

	req := aptoRequester(requester.RoleInstructor)
	req.Eligibility = requester.EligibilityNoApto

	if err := c.Check(Input{Requester: req, DueOn: testNow.AddDate(0, 0, 5)}); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestCheck_DueDateBounds(t *testing.T) {
	c := newTestChecker()

	cases := []struct {
		name  string
		dueOn time.Time
		want  error
	}{
		{"yesterday", testNow.AddDate(0, 0, -1), ErrInvalidDate},
		{"today", testNow, nil},
		{"thirty days out", testNow.AddDate(0, 0, 30), nil},
		{"thirty-one days out", testNow.AddDate(0, 0, 31), ErrExceedsMaxDuration},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Check(Input{Requester: aptoRequester(requester.RoleFuncionario), DueOn: tc.dueOn})
			if !errors.Is(err, tc.want) {
				t.Fatalf("due %s: expected %v, got %v", tc.dueOn, tc.want, err)
			}
		})
	}
}

func TestCheck_QuotaPerRole(t *testing.T) {
	c := newTestChecker()

	cases := []struct {
		role   requester.Role
		active int
		want   error
	}{
		{requester.RoleAprendiz, 0, nil},
		{requester.RoleAprendiz, 1, ErrQuotaExceeded},
		{requester.RoleInstructor, 1, nil},
		{requester.RoleInstructor, 2, ErrQuotaExceeded},
		{requester.RoleFuncionario, 2, ErrQuotaExceeded},
		{requester.RoleContratista, 1, nil},
		{requester.Role("visitante"), 1, ErrQuotaExceeded}, // unknown role defaults to quota 1
	}

	for _, tc := range cases {
		err := c.Check(Input{
			Requester:      aptoRequester(tc.role),
			ActiveRequests: tc.active,
			DueOn:          testNow.AddDate(0, 0, 7),
		})
		if !errors.Is(err, tc.want) {
			t.Errorf("role %s with %d active: expected %v, got %v", tc.role, tc.active, tc.want, err)
		}
	}
}

func TestCheck_ApprenticeComputerEquipmentLimits(t *testing.T) {
	c := newTestChecker()

	cases := []struct {
		name      string
		role      requester.Role
		held      int
		requested int
		want      error
	}{
		{"one item requested", requester.RoleAprendiz, 0, 1, nil},
		{"two items in one submission", requester.RoleAprendiz, 0, 2, ErrComputerEquipmentLimit},
		{"already holds one", requester.RoleAprendiz, 1, 1, ErrComputerEquipmentLimit},
		{"instructor unconstrained", requester.RoleInstructor, 1, 2, nil},
		{"no computer items requested", requester.RoleAprendiz, 1, 0, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Check(Input{
				Requester:              aptoRequester(tc.role),
				HeldComputerItems:      tc.held,
				RequestedComputerItems: tc.requested,
				DueOn:                  testNow.AddDate(0, 0, 7),
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheck_RuleOrderShortCircuits(t *testing.T) {
	c := newTestChecker()

	// A sanctioned apprentice over quota with a bad date: eligibility state
	// is reported first.
	req := aptoRequester(requester.RoleAprendiz)
	req.Eligibility = requester.EligibilityNoApto

	err := c.Check(Input{
		Requester:      req,
		ActiveRequests: 5,
		DueOn:          testNow.AddDate(0, 0, -3),
	})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible to win, got %v", err)
	}
}

func TestPolicyFor_ExtensionCaps(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.PolicyFor(requester.RoleAprendiz).ExtensionCapDays; got != 1 {
		t.Fatalf("apprentice extension cap: expected 1, got %d", got)
	}
	if got := cfg.PolicyFor(requester.RoleContratista).ExtensionCapDays; got != 30 {
		t.Fatalf("contractor extension cap: expected 30, got %d", got)
	}
	if got := cfg.PolicyFor(requester.Role("desconocido")).Quota; got != 1 {
		t.Fatalf("unknown role quota: expected 1, got %d", got)
	}
}
