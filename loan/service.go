package loan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lendflow/audit"
	"lendflow/eligibility"
	"lendflow/product"
)

var (
	// ErrNoProducts is returned when a request names no products.
	ErrNoProducts = errors.New("loan: request must include at least one product")
	// ErrProductNotFound is returned when a requested product does not exist.
	ErrProductNotFound = errors.New("loan: product not found")
	// ErrProductUnavailable is returned when a requested product is not
	// disponible at admission time.
	ErrProductUnavailable = errors.New("loan: product not available")
	// ErrInvalidDueDate is returned when the due date is not strictly after
	// the registration date.
	ErrInvalidDueDate = errors.New("loan: due date must be after registration date")
	// ErrAlreadyExtended is returned on a second extension attempt.
	ErrAlreadyExtended = errors.New("loan: already extended")
	// ErrNotActive is returned when the loan's request is already closed.
	ErrNotActive = errors.New("loan: request is not active")
	// ErrInvalidDuration is returned when the extension is outside 1..30 days.
	ErrInvalidDuration = errors.New("loan: extension days out of range")
	// ErrRoleLimitExceeded is returned when the extension exceeds the
	// requester role's cap.
	ErrRoleLimitExceeded = errors.New("loan: extension exceeds role limit")
	// ErrInvalidTransition is returned for a disallowed request status change.
	ErrInvalidTransition = errors.New("loan: invalid request transition")
)

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditRecorder appends traceability events inside the operation's
// transaction.
type AuditRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// ClosureHook is invoked when a loan's request closes, in the same
// transaction, so late-return penalties land atomically with the closure.
type ClosureHook interface {
	ApplyLateClosure(ctx context.Context, tx pgx.Tx, loanID string, closedOn time.Time) error
}

// Service owns the loan lifecycle. Every mutation runs in a single
// transaction: admission checks, the request/loan rows, product availability
// and any sanction all commit or roll back together.
type Service struct {
	pool    TxBeginner
	repo    Repository
	checker *eligibility.Checker
	hook    ClosureHook
	audit   AuditRecorder
	now     func() time.Time
	idGen   func() string
}

// NewService creates a loan lifecycle service with the default eligibility
// policy.
func NewService(pool TxBeginner, repo Repository) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		checker: eligibility.NewChecker(eligibility.DefaultConfig()),
		now:     time.Now,
		idGen:   uuid.NewString,
	}
}

// WithChecker replaces the admission checker.
func (s *Service) WithChecker(c *eligibility.Checker) *Service {
	s.checker = c
	return s
}

// WithClosureHook wires the sanction engine's late-closure hook.
func (s *Service) WithClosureHook(h ClosureHook) *Service {
	s.hook = h
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

// CreateRequest admits a new request and opens its loan. The requester row is
// locked first, so concurrent submissions for the same requester serialize
// and the quota cannot be oversubscribed.
func (s *Service) CreateRequest(ctx context.Context, p CreateParams) (Created, error) {
	if p.RequesterID == "" {
		return Created{}, fmt.Errorf("loan: requester id required")
	}
	if len(p.ProductIDs) == 0 {
		return Created{}, ErrNoProducts
	}
	seen := make(map[string]struct{}, len(p.ProductIDs))
	for _, id := range p.ProductIDs {
		if _, dup := seen[id]; dup {
			return Created{}, ErrDuplicateProduct
		}
		seen[id] = struct{}{}
	}

	registeredOn := p.RegisteredOn
	if registeredOn.IsZero() {
		registeredOn = s.now()
	}
	if !truncateDay(p.DueOn).After(truncateDay(registeredOn)) {
		return Created{}, ErrInvalidDueDate
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Created{}, fmt.Errorf("loan: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequesterForUpdate(ctx, tx, p.RequesterID)
	if err != nil {
		return Created{}, err
	}

	in := eligibility.Input{Requester: req, DueOn: p.DueOn}
	if req != nil {
		if in.ActiveRequests, err = s.repo.CountActiveRequests(ctx, tx, req.Identification); err != nil {
			return Created{}, err
		}
		if in.HeldComputerItems, err = s.repo.CountActiveComputerItems(ctx, tx, req.Identification); err != nil {
			return Created{}, err
		}
		if in.RequestedComputerItems, err = s.repo.CountComputerItems(ctx, tx, p.ProductIDs); err != nil {
			return Created{}, err
		}
	}
	if err := s.checker.Check(in); err != nil {
		return Created{}, err
	}

	states, err := s.repo.LockProducts(ctx, tx, p.ProductIDs)
	if err != nil {
		return Created{}, err
	}
	if len(states) != len(p.ProductIDs) {
		return Created{}, ErrProductNotFound
	}
	for _, ps := range states {
		if product.Availability(ps.Availability) != product.AvailabilityDisponible {
			return Created{}, fmt.Errorf("%w: %s", ErrProductUnavailable, ps.ID)
		}
	}

	request, err := s.repo.InsertRequest(ctx, tx, Request{
		ID:           s.idGen(),
		RequesterID:  p.RequesterID,
		RegisteredOn: registeredOn,
		Status:       StatusPendiente,
	})
	if err != nil {
		return Created{}, err
	}
	if err := s.repo.LinkProducts(ctx, tx, request.ID, p.ProductIDs); err != nil {
		return Created{}, err
	}
	ln, err := s.repo.InsertLoan(ctx, tx, Loan{
		ID:           s.idGen(),
		RequestID:    request.ID,
		RegisteredOn: registeredOn,
		DueOn:        p.DueOn,
	})
	if err != nil {
		return Created{}, err
	}
	if err := s.repo.SetProductsAvailability(ctx, tx, request.ID, product.AvailabilityPrestado); err != nil {
		return Created{}, err
	}

	if err := s.record(ctx, tx, audit.Entry{
		EntityType: "loan",
		EntityID:   ln.ID,
		Action:     "loan.created",
		ActorID:    p.ActorID,
		Payload: map[string]any{
			"request_id":   request.ID,
			"requester_id": p.RequesterID,
			"products":     len(p.ProductIDs),
			"due_on":       p.DueOn.Format("2006-01-02"),
		},
	}); err != nil {
		return Created{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Created{}, fmt.Errorf("loan: commit create: %w", err)
	}
	return Created{Request: request, Loan: ln}, nil
}

// ExtendLoan pushes the due date out once. The loan row is locked before the
// checks, so two racing extensions see a consistent extended_on and exactly
// one wins.
func (s *Service) ExtendLoan(ctx context.Context, p ExtendParams) (Loan, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Loan{}, fmt.Errorf("loan: begin extend: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetLoanForUpdate(ctx, tx, p.LoanID)
	if err != nil {
		return Loan{}, err
	}
	if d.ExtendedOn != nil {
		return Loan{}, ErrAlreadyExtended
	}
	if !d.RequestStatus.Active() {
		return Loan{}, ErrNotActive
	}

	capDays := s.checker.Config().PolicyFor(d.RequesterRole).ExtensionCapDays
	if p.ExtraDays > capDays {
		return Loan{}, fmt.Errorf("%w: role %s allows up to %d days", ErrRoleLimitExceeded, d.RequesterRole, capDays)
	}
	if p.ExtraDays < 1 || p.ExtraDays > 30 {
		return Loan{}, ErrInvalidDuration
	}

	ln, err := s.repo.ApplyExtension(ctx, tx, p.LoanID, p.ExtraDays, s.now())
	if err != nil {
		return Loan{}, err
	}

	if err := s.record(ctx, tx, audit.Entry{
		EntityType: "loan",
		EntityID:   ln.ID,
		Action:     "loan.extended",
		ActorID:    p.ActorID,
		Payload: map[string]any{
			"extra_days": p.ExtraDays,
			"due_on":     ln.DueOn.Format("2006-01-02"),
		},
	}); err != nil {
		return Loan{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Loan{}, fmt.Errorf("loan: commit extend: %w", err)
	}
	return ln, nil
}

// ReturnLoan closes the loan's request, frees its products and hands the
// closure to the sanction hook, all in one transaction. Returning an already
// closed loan fails with ErrNotActive rather than silently repeating.
func (s *Service) ReturnLoan(ctx context.Context, loanID string, actorID *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loan: begin return: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetLoanForUpdate(ctx, tx, loanID)
	if err != nil {
		return err
	}
	if !d.RequestStatus.Active() {
		return ErrNotActive
	}

	if err := s.repo.UpdateRequestStatus(ctx, tx, d.RequestID, StatusFinalizado); err != nil {
		return err
	}
	if err := s.repo.SetProductsAvailability(ctx, tx, d.RequestID, product.AvailabilityDisponible); err != nil {
		return err
	}

	closedOn := s.now()
	if s.hook != nil {
		if err := s.hook.ApplyLateClosure(ctx, tx, d.ID, closedOn); err != nil {
			return err
		}
	}

	if err := s.record(ctx, tx, audit.Entry{
		EntityType: "loan",
		EntityID:   d.ID,
		Action:     "loan.returned",
		ActorID:    actorID,
		Payload: map[string]any{
			"request_id": d.RequestID,
			"due_on":     d.DueOn.Format("2006-01-02"),
			"closed_on":  closedOn.Format("2006-01-02"),
		},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loan: commit return: %w", err)
	}
	return nil
}

// TransitionRequest applies a forward-only status change. Rejection and
// finalization free the linked products; finalization also runs the sanction
// hook for the request's loan.
func (s *Service) TransitionRequest(ctx context.Context, requestID string, next RequestStatus, actorID *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loan: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if !transitionAllowed(req.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, next)
	}

	if err := s.repo.UpdateRequestStatus(ctx, tx, requestID, next); err != nil {
		return err
	}

	if next == StatusRechazado || next == StatusFinalizado {
		if err := s.repo.SetProductsAvailability(ctx, tx, requestID, product.AvailabilityDisponible); err != nil {
			return err
		}
	}
	if next == StatusFinalizado && s.hook != nil {
		ln, err := s.repo.GetLoanByRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := s.hook.ApplyLateClosure(ctx, tx, ln.ID, s.now()); err != nil {
			return err
		}
	}

	if err := s.record(ctx, tx, audit.Entry{
		EntityType: "request",
		EntityID:   requestID,
		Action:     "request." + string(next),
		ActorID:    actorID,
		Payload:    map[string]any{"from": string(req.Status)},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loan: commit transition: %w", err)
	}
	return nil
}

// DeleteLoan removes the loan row without touching the request, the products
// or any sanction. It exists as an administrative bypass and is audited as
// such.
func (s *Service) DeleteLoan(ctx context.Context, loanID string, actorID *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loan: begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.DeleteLoan(ctx, tx, loanID); err != nil {
		return err
	}

	if err := s.record(ctx, tx, audit.Entry{
		EntityType: "loan",
		EntityID:   loanID,
		Action:     "loan.deleted",
		ActorID:    actorID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loan: commit delete: %w", err)
	}
	return nil
}

// GetLoan fetches one loan with its request and products.
func (s *Service) GetLoan(ctx context.Context, loanID string) (View, error) {
	return s.repo.GetView(ctx, loanID)
}

// ListLoans returns loans ordered by due date.
func (s *Service) ListLoans(ctx context.Context, limit int) ([]View, error) {
	return s.repo.List(ctx, limit)
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, entry)
}

func transitionAllowed(from, to RequestStatus) bool {
	switch from {
	case StatusPendiente:
		return to == StatusAprobado || to == StatusRechazado || to == StatusFinalizado
	case StatusAprobado:
		return to == StatusFinalizado
	default:
		return false
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
