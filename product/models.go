package product

import "time"

// Availability tracks whether an item can be handed out.
type Availability string

const (
	AvailabilityDisponible    Availability = "Disponible"
	AvailabilityPrestado      Availability = "Prestado"
	AvailabilityMantenimiento Availability = "Mantenimiento"
	AvailabilityDadoDeBaja    Availability = "Dado de baja"
)

// TypeComputerEquipment is the product type name the apprentice
// equipment constraint keys on. It matches the seeded type row.
const TypeComputerEquipment = "equipo de cómputo"

// Product mirrors the products table.
type Product struct {
	ID           string
	InternalCode string
	Name         string
	TypeID       int
	TypeName     string
	Plate        *string
	Serial       *string
	Brand        *string
	Availability Availability
	Observations *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Type mirrors the product_types table.
type Type struct {
	ID   int
	Name string
}

// CreateParams contains the write parameters for registering a product.
type CreateParams struct {
	InternalCode string
	Name         string
	TypeID       int
	Plate        *string
	Serial       *string
	Brand        *string
	Observations *string
}

// TypeSummary aggregates availability counters for one product type.
type TypeSummary struct {
	TypeName    string
	Available   int
	Unavailable int
}

// Summary is the dashboard view of the inventory.
type Summary struct {
	TotalAvailable   int
	TotalUnavailable int
	ByType           []TypeSummary
}
