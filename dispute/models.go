package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome is who the dispute was resolved in favour of.
type Outcome string

const (
	OutcomeBuyer  Outcome = "buyer"
	OutcomeVendor Outcome = "vendor"
)

func (o Outcome) Valid() bool {
	return o == OutcomeBuyer || o == OutcomeVendor
}

// Record mirrors the disputes table.
type Record struct {
	ID         string
	OrderID    string
	Status     Status
	OpenedBy   string
	Outcome    *Outcome
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
