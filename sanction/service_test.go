package sanction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lendflow/requester"
)

var testNow = time.Date(2024, 5, 20, 15, 0, 0, 0, time.UTC)

func newTestService(store *fakeStore) (*Service, *fakePool) {
	pool := &fakePool{}
	svc := NewService(pool, store).
		WithClock(func() time.Time { return testNow }).
		WithIDGenerator(func() string { return "" })
	return svc, pool
}

func TestOnLoanClosed_OnTimeReturnLeavesNoTrace(t *testing.T) {
	store := &fakeStore{
		loanInfo: LoanInfo{LoanID: "loan-1", RequesterID: "1001", DueOn: testNow},
	}
	svc, pool := newTestService(store)

	// Returned on the due date itself: on time.
	created, err := svc.OnLoanClosed(context.Background(), "loan-1", testNow)
	if err != nil {
		t.Fatalf("expected clean closure, got %v", err)
	}
	if created {
		t.Errorf("expected no sanction for an on-time return")
	}
	if len(store.inserted) != 0 {
		t.Errorf("expected no insert, got %d", len(store.inserted))
	}
	if len(store.eligibilitySet) != 0 {
		t.Errorf("expected eligibility untouched, got %v", store.eligibilitySet)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit even when nothing changes")
	}
}

func TestOnLoanClosed_LateReturnOpensSanction(t *testing.T) {
	store := &fakeStore{
		loanInfo: LoanInfo{LoanID: "loan-1", RequesterID: "1001", DueOn: testNow.AddDate(0, 0, -2)},
	}
	svc, pool := newTestService(store)

	created, err := svc.OnLoanClosed(context.Background(), "loan-1", testNow)
	if err != nil {
		t.Fatalf("expected closure, got %v", err)
	}
	if !created {
		t.Fatalf("expected a sanction for a late return")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}

	if len(store.inserted) != 1 {
		t.Fatalf("expected one sanction, got %d", len(store.inserted))
	}
	sa := store.inserted[0]
	if sa.DayCount != DefaultDayCount {
		t.Errorf("expected %d-day penalty, got %d", DefaultDayCount, sa.DayCount)
	}
	wantEnd := time.Date(2024, 5, 23, 0, 0, 0, 0, time.UTC)
	if !sa.EndsOn.Equal(wantEnd) {
		t.Errorf("expected end %s, got %s", wantEnd, sa.EndsOn)
	}
	if len(store.eligibilitySet) != 1 || store.eligibilitySet[0] != requester.EligibilityNoApto {
		t.Errorf("expected requester flagged no apto, got %v", store.eligibilitySet)
	}
}

func TestOnLoanClosed_AlreadySanctionedIsIdempotent(t *testing.T) {
	store := &fakeStore{
		loanInfo:  LoanInfo{LoanID: "loan-1", RequesterID: "1001", DueOn: testNow.AddDate(0, 0, -5)},
		insertDup: true,
	}
	svc, _ := newTestService(store)

	created, err := svc.OnLoanClosed(context.Background(), "loan-1", testNow)
	if err != nil {
		t.Fatalf("expected duplicate to be absorbed, got %v", err)
	}
	if created {
		t.Errorf("expected no new sanction")
	}
	if len(store.eligibilitySet) != 0 {
		t.Errorf("expected eligibility untouched on duplicate, got %v", store.eligibilitySet)
	}
}

func TestOnLoanClosed_UnknownLoan(t *testing.T) {
	store := &fakeStore{loanErr: ErrLoanNotFound}
	svc, pool := newTestService(store)

	if _, err := svc.OnLoanClosed(context.Background(), "nope", testNow); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected rollback")
	}
}

func TestScanOverdue_SanctionsWithoutClosing(t *testing.T) {
	store := &fakeStore{
		overdue: []LoanInfo{
			{LoanID: "loan-1", RequesterID: "1001", DueOn: testNow.AddDate(0, 0, -3)},
			{LoanID: "loan-2", RequesterID: "2002", DueOn: testNow.AddDate(0, 0, -1)},
		},
	}
	svc, pool := newTestService(store)

	n, err := svc.ScanOverdue(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected scan to pass, got %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 sanctions, got %d", n)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if len(store.inserted) != 2 {
		t.Errorf("expected 2 inserts, got %d", len(store.inserted))
	}
	if len(store.eligibilitySet) != 2 {
		t.Errorf("expected both requesters flagged, got %v", store.eligibilitySet)
	}
}

func TestScanOverdue_NothingOverdue(t *testing.T) {
	svc, pool := newTestService(&fakeStore{})

	n, err := svc.ScanOverdue(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected empty scan to pass, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 sanctions, got %d", n)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func activeSanction() Sanction {
	return Sanction{
		ID:          "sanc-1",
		RequesterID: "1001",
		LoanID:      "loan-1",
		StartsOn:    testNow.AddDate(0, 0, -1),
		EndsOn:      testNow.AddDate(0, 0, 2),
		DayCount:    DefaultDayCount,
		Status:      StatusActiva,
	}
}

func TestFulfillSanction_RestoresEligibility(t *testing.T) {
	store := &fakeStore{sanction: activeSanction()}
	svc, pool := newTestService(store)

	if err := svc.FulfillSanction(context.Background(), "sanc-1", nil); err != nil {
		t.Fatalf("expected fulfillment, got %v", err)
	}

	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if got := store.statusSet["sanc-1"]; got != StatusCumplida {
		t.Errorf("expected cumplida, got %s", got)
	}
	// No active sanctions remain, so the flag flips back.
	if len(store.eligibilitySet) != 1 || store.eligibilitySet[0] != requester.EligibilityApto {
		t.Errorf("expected apto restored, got %v", store.eligibilitySet)
	}
}

func TestFulfillSanction_OtherActiveSanctionKeepsFlag(t *testing.T) {
	store := &fakeStore{sanction: activeSanction(), activeCount: 1}
	svc, _ := newTestService(store)

	if err := svc.FulfillSanction(context.Background(), "sanc-1", nil); err != nil {
		t.Fatalf("expected fulfillment, got %v", err)
	}
	if len(store.eligibilitySet) != 1 || store.eligibilitySet[0] != requester.EligibilityNoApto {
		t.Errorf("expected no apto to persist, got %v", store.eligibilitySet)
	}
}

func TestCancelSanction_RestoresEligibility(t *testing.T) {
	store := &fakeStore{sanction: activeSanction()}
	svc, _ := newTestService(store)

	if err := svc.CancelSanction(context.Background(), "sanc-1", nil); err != nil {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := store.statusSet["sanc-1"]; got != StatusCancelada {
		t.Errorf("expected cancelada, got %s", got)
	}
	if len(store.eligibilitySet) != 1 || store.eligibilitySet[0] != requester.EligibilityApto {
		t.Errorf("expected apto restored, got %v", store.eligibilitySet)
	}
}

func TestCloseSanction_Rejections(t *testing.T) {
	fulfilled := activeSanction()
	fulfilled.Status = StatusCumplida

	cancelled := activeSanction()
	cancelled.Status = StatusCancelada

	cases := []struct {
		name     string
		sanction Sanction
	}{
		{"fulfil twice", fulfilled},
		{"cancel a cancelled one", cancelled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{sanction: tc.sanction}
			svc, pool := newTestService(store)

			if err := svc.FulfillSanction(context.Background(), "sanc-1", nil); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
			if pool.tx.committed {
				t.Errorf("expected rollback")
			}
			if len(store.eligibilitySet) != 0 {
				t.Errorf("expected eligibility untouched, got %v", store.eligibilitySet)
			}
		})
	}
}

func TestFulfillSanction_NotFound(t *testing.T) {
	store := &fakeStore{getErr: ErrNotFound}
	svc, _ := newTestService(store)

	if err := svc.FulfillSanction(context.Background(), "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepExpired_LiftsServedSanctions(t *testing.T) {
	first := activeSanction()
	second := activeSanction()
	second.ID = "sanc-2"
	second.RequesterID = "2002"
	store := &fakeStore{expired: []Sanction{first, second}}
	svc, pool := newTestService(store)

	n, err := svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("expected sweep to pass, got %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 lifted, got %d", n)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if store.statusSet["sanc-1"] != StatusCumplida || store.statusSet["sanc-2"] != StatusCumplida {
		t.Errorf("expected both cumplida, got %v", store.statusSet)
	}
	if len(store.eligibilitySet) != 2 {
		t.Errorf("expected both requesters re-derived, got %v", store.eligibilitySet)
	}
}

type fakeStore struct {
	loanInfo  LoanInfo
	loanErr   error
	insertDup bool
	sanction  Sanction
	getErr    error

	activeCount int
	overdue     []LoanInfo
	expired     []Sanction

	inserted       []Sanction
	statusSet      map[string]Status
	eligibilitySet []requester.Eligibility
}

func (f *fakeStore) GetLoanInfo(ctx context.Context, tx pgx.Tx, loanID string) (LoanInfo, error) {
	if f.loanErr != nil {
		return LoanInfo{}, f.loanErr
	}
	return f.loanInfo, nil
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, sa Sanction) (Sanction, bool, error) {
	if f.insertDup {
		return Sanction{}, false, nil
	}
	if sa.ID == "" {
		sa.ID = "sanc-generated"
	}
	sa.Status = StatusActiva
	f.inserted = append(f.inserted, sa)
	return sa, true, nil
}

func (f *fakeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Sanction, error) {
	if f.getErr != nil {
		return Sanction{}, f.getErr
	}
	return f.sanction, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	if f.statusSet == nil {
		f.statusSet = make(map[string]Status)
	}
	f.statusSet[id] = status
	return nil
}

func (f *fakeStore) CountActiveByRequester(ctx context.Context, tx pgx.Tx, requesterID string) (int, error) {
	return f.activeCount, nil
}

func (f *fakeStore) SetRequesterEligibility(ctx context.Context, tx pgx.Tx, requesterID string, state requester.Eligibility) error {
	f.eligibilitySet = append(f.eligibilitySet, state)
	return nil
}

func (f *fakeStore) ListOverdueActiveLoans(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]LoanInfo, error) {
	return f.overdue, nil
}

func (f *fakeStore) ListExpiredActive(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]Sanction, error) {
	return f.expired, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Sanction, error) {
	if f.getErr != nil {
		return Sanction{}, f.getErr
	}
	return f.sanction, nil
}

func (f *fakeStore) List(ctx context.Context, status *Status, limit int) ([]Sanction, error) {
	return nil, nil
}

func (f *fakeStore) ListByRequester(ctx context.Context, requesterID string) ([]Sanction, error) {
	return nil, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
