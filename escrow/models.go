package escrow

import "time"

// Status is the escrow lifecycle. released and refunded are terminal; the
// dispute lock is independent of status.
type Status string

const (
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Record mirrors the escrows table. The fee split is computed once at
// funding time and never re-read from configuration, so later fee changes
// cannot alter an open escrow.
type Record struct {
	ID               string
	OrderID          string
	BuyerID          string
	PayeeID          string
	AmountMinor      int64
	PlatformFeeMinor int64
	PayeeMinor       int64
	EscrowAddressID  string
	Status           Status
	DisputeLocked    bool
	FundedAt         time.Time
	AutoReleaseAt    time.Time
	ReleasedAt       *time.Time
	ReleaseReference *string
}
