package loan

import (
	"time"

	"lendflow/requester"
)

// RequestStatus is the lifecycle state of a loan request. Transitions only
// move forward: pendiente -> aprobado|rechazado|finalizado and
// aprobado -> finalizado.
type RequestStatus string

const (
	StatusPendiente  RequestStatus = "pendiente"
	StatusAprobado   RequestStatus = "aprobado"
	StatusRechazado  RequestStatus = "rechazado"
	StatusFinalizado RequestStatus = "finalizado"
)

// Active reports whether a request still has equipment out.
func (s RequestStatus) Active() bool {
	return s == StatusPendiente || s == StatusAprobado
}

// Request mirrors the requests table.
type Request struct {
	ID           string
	RequesterID  string
	RegisteredOn time.Time
	Status       RequestStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Loan mirrors the loans table. A loan pairs 1:1 with its request and may be
// extended at most once.
type Loan struct {
	ID           string
	RequestID    string
	RegisteredOn time.Time
	DueOn        time.Time
	ExtendedOn   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Detail is a loan joined with the request and requester fields the
// lifecycle decisions depend on, fetched under a row lock.
type Detail struct {
	Loan
	RequestStatus RequestStatus
	RequesterID   string
	RequesterRole requester.Role
}

// ProductState is the locked availability snapshot of a requested product.
type ProductState struct {
	ID           string
	Availability string
}

// CreateParams enumerates the inputs for opening a new request/loan pair.
type CreateParams struct {
	RequesterID  string
	ProductIDs   []string
	RegisteredOn time.Time
	DueOn        time.Time
	ActorID      *string
}

// Created bundles the rows persisted by CreateRequest.
type Created struct {
	Request Request
	Loan    Loan
}

// ExtendParams enumerates the inputs for a loan extension.
type ExtendParams struct {
	LoanID    string
	ExtraDays int
	ActorID   *string
}

// View is a loan with its request and linked products, for read endpoints.
type View struct {
	Loan       Loan
	Request    Request
	ProductIDs []string
}
