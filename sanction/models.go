package sanction

import "time"

// Status is the lifecycle state of a sanction. Values are an external
// contract shared with reporting.
type Status string

const (
	StatusActiva    Status = "activa"
	StatusCumplida  Status = "cumplida"
	StatusCancelada Status = "cancelada"
)

// Sanction mirrors the sanctions table. At most one sanction exists per loan;
// the unique index on loan_id backs that up.
type Sanction struct {
	ID          string
	RequesterID string
	LoanID      string
	StartsOn    time.Time
	EndsOn      time.Time
	DayCount    int
	Reason      *string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LoanInfo is the slice of a loan the engine needs to judge lateness.
type LoanInfo struct {
	LoanID      string
	RequestID   string
	RequesterID string
	DueOn       time.Time
}
