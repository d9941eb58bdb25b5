package sanction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/requester"
)

// ErrInvalidState is returned when fulfilling or cancelling a sanction that
// is no longer activa.
var ErrInvalidState = errors.New("sanction: not active")

// DefaultDayCount is the penalty length applied to a late return.
const DefaultDayCount = 3

const lateReturnReason = "devolución tardía"

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditRecorder appends traceability events inside the operation's
// transaction.
type AuditRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// Service owns the sanction lifecycle. Whatever path mutates a sanction, the
// requester's eligibility is re-derived from the active sanctions remaining
// in the same transaction, so the flag never drifts from the rows.
type Service struct {
	pool     TxBeginner
	store    Store
	audit    AuditRecorder
	dayCount int
	now      func() time.Time
	idGen    func() string
}

// NewService creates a sanction engine with the default penalty length.
func NewService(pool TxBeginner, store Store) *Service {
	return &Service{
		pool:     pool,
		store:    store,
		dayCount: DefaultDayCount,
		now:      time.Now,
		idGen:    uuid.NewString,
	}
}

// WithDayCount overrides the penalty length. Values below 1 are ignored.
func (s *Service) WithDayCount(days int) *Service {
	if days >= 1 {
		s.dayCount = days
	}
	return s
}

// WithAudit wires the audit recorder.
func (s *Service) WithAudit(a AuditRecorder) *Service {
	s.audit = a
	return s
}

// WithClock overrides the time source, mainly for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides id generation, mainly for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// ApplyLateClosure is the hook the loan lifecycle calls when a request
// closes. It runs in the caller's transaction: when the closure is past the
// due date it opens a sanction and flags the requester, otherwise it does
// nothing. Day granularity, so a return on the due date itself is on time.
func (s *Service) ApplyLateClosure(ctx context.Context, tx pgx.Tx, loanID string, closedOn time.Time) error {
	_, err := s.applyLateClosure(ctx, tx, loanID, closedOn)
	return err
}

func (s *Service) applyLateClosure(ctx context.Context, tx pgx.Tx, loanID string, closedOn time.Time) (bool, error) {
	info, err := s.store.GetLoanInfo(ctx, tx, loanID)
	if err != nil {
		return false, err
	}
	if !truncateDay(closedOn).After(truncateDay(info.DueOn)) {
		return false, nil
	}
	return s.openSanction(ctx, tx, info, closedOn, nil)
}

// OnLoanClosed applies the late-closure rule in its own transaction, for
// callers outside the loan lifecycle. Reports whether a sanction was opened.
func (s *Service) OnLoanClosed(ctx context.Context, loanID string, closedOn time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("sanction: begin closure: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.applyLateClosure(ctx, tx, loanID, closedOn)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("sanction: commit closure: %w", err)
	}
	return created, nil
}

// ScanOverdue sanctions every overdue active loan that has no sanction yet.
// The loans stay open; only the penalty and the eligibility flag change.
// Returns how many sanctions were opened.
func (s *Service) ScanOverdue(ctx context.Context, actorID *string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("sanction: begin scan: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	overdue, err := s.store.ListOverdueActiveLoans(ctx, tx, now)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, info := range overdue {
		opened, err := s.openSanction(ctx, tx, info, now, actorID)
		if err != nil {
			return 0, err
		}
		if opened {
			created++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("sanction: commit scan: %w", err)
	}
	return created, nil
}

// FulfillSanction marks an active sanction as served and re-derives the
// requester's eligibility.
func (s *Service) FulfillSanction(ctx context.Context, id string, actorID *string) error {
	return s.close(ctx, id, StatusCumplida, "sanction.fulfilled", actorID)
}

// CancelSanction revokes an active sanction and re-derives the requester's
// eligibility.
func (s *Service) CancelSanction(ctx context.Context, id string, actorID *string) error {
	return s.close(ctx, id, StatusCancelada, "sanction.cancelled", actorID)
}

func (s *Service) close(ctx context.Context, id string, next Status, action string, actorID *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sanction: begin close: %w", err)
	}
	defer tx.Rollback(ctx)

	sa, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if sa.Status != StatusActiva {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, sa.Status)
	}

	if err := s.store.UpdateStatus(ctx, tx, id, next); err != nil {
		return err
	}
	if err := s.deriveEligibility(ctx, tx, sa.RequesterID); err != nil {
		return err
	}

	if err := s.record(ctx, tx, audit.Entry{
		EntityType: "sanction",
		EntityID:   id,
		Action:     action,
		ActorID:    actorID,
		Payload:    map[string]any{"requester_id": sa.RequesterID, "loan_id": sa.LoanID},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sanction: commit close: %w", err)
	}
	return nil
}

// SweepExpired fulfills every active sanction whose end date has passed and
// restores eligibility where no other sanction remains. Returns how many
// sanctions were lifted. Meant to run on a schedule.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("sanction: begin sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	expired, err := s.store.ListExpiredActive(ctx, tx, s.now())
	if err != nil {
		return 0, err
	}

	for _, sa := range expired {
		if err := s.store.UpdateStatus(ctx, tx, sa.ID, StatusCumplida); err != nil {
			return 0, err
		}
		if err := s.deriveEligibility(ctx, tx, sa.RequesterID); err != nil {
			return 0, err
		}
		if err := s.record(ctx, tx, audit.Entry{
			EntityType: "sanction",
			EntityID:   sa.ID,
			Action:     "sanction.expired",
			Payload:    map[string]any{"requester_id": sa.RequesterID, "ends_on": sa.EndsOn.Format("2006-01-02")},
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("sanction: commit sweep: %w", err)
	}
	return len(expired), nil
}

// GetSanction fetches one sanction.
func (s *Service) GetSanction(ctx context.Context, id string) (Sanction, error) {
	return s.store.Get(ctx, id)
}

// ListSanctions returns sanctions, optionally filtered by status.
func (s *Service) ListSanctions(ctx context.Context, status *Status, limit int) ([]Sanction, error) {
	return s.store.List(ctx, status, limit)
}

// ListByRequester returns a requester's sanction history.
func (s *Service) ListByRequester(ctx context.Context, requesterID string) ([]Sanction, error) {
	return s.store.ListByRequester(ctx, requesterID)
}

func (s *Service) openSanction(ctx context.Context, tx pgx.Tx, info LoanInfo, asOf time.Time, actorID *string) (bool, error) {
	startsOn := truncateDay(asOf)
	reason := lateReturnReason
	sa, created, err := s.store.Insert(ctx, tx, Sanction{
		ID:          s.idGen(),
		RequesterID: info.RequesterID,
		LoanID:      info.LoanID,
		StartsOn:    startsOn,
		EndsOn:      startsOn.AddDate(0, 0, s.dayCount),
		DayCount:    s.dayCount,
		Reason:      &reason,
	})
	if err != nil {
		return false, err
	}
	if !created {
		// The loan is already sanctioned; nothing to re-derive.
		return false, nil
	}

	if err := s.store.SetRequesterEligibility(ctx, tx, info.RequesterID, requester.EligibilityNoApto); err != nil {
		return false, err
	}

	if err := s.record(ctx, tx, audit.Entry{
		EntityType: "sanction",
		EntityID:   sa.ID,
		Action:     "sanction.created",
		ActorID:    actorID,
		Payload: map[string]any{
			"requester_id": info.RequesterID,
			"loan_id":      info.LoanID,
			"due_on":       info.DueOn.Format("2006-01-02"),
			"ends_on":      sa.EndsOn.Format("2006-01-02"),
		},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// deriveEligibility recomputes the requester's flag from the active sanctions
// left in this transaction. This is the single source of truth for apto.
func (s *Service) deriveEligibility(ctx context.Context, tx pgx.Tx, requesterID string) error {
	n, err := s.store.CountActiveByRequester(ctx, tx, requesterID)
	if err != nil {
		return err
	}
	state := requester.EligibilityApto
	if n > 0 {
		state = requester.EligibilityNoApto
	}
	return s.store.SetRequesterEligibility(ctx, tx, requesterID, state)
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, entry)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
