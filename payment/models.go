package payment

import "time"

// Status is the payment request lifecycle. completed and expired are
// terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// Kind mirrors the address purpose the request's receiving address was
// derived under.
type Kind string

const (
	KindOrderPayment Kind = "order_payment"
	KindVendorBond   Kind = "vendor_bond"
	KindUserDeposit  Kind = "user_deposit"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOrderPayment, KindVendorBond, KindUserDeposit:
		return true
	default:
		return false
	}
}

// Request mirrors the payment_requests table.
type Request struct {
	ID            string
	OwnerID       string
	PayeeID       *string
	Kind          Kind
	ExpectedMinor int64
	ExpectedFiat  *float64
	AddressID     string
	OrderID       *string
	Status        Status
	CreatedAt     time.Time
	ExpiresAt     time.Time
	PaidAt        *time.Time
}

// FundingTx mirrors the funding_transactions table. Rows are append-only per
// (address, txid); only confirmation data is refreshed on later polls.
type FundingTx struct {
	ID            int64
	AddressID     string
	TxID          string
	AmountMinor   int64
	Confirmations int
	BlockHeight   *int64
	FirstSeenAt   time.Time
	ConfirmedAt   *time.Time
	Processed     bool
}

// StatusSummary is what the surrounding app sees for one request.
type StatusSummary struct {
	Status        Status
	ReceivedMinor int64
	Confirmations int
}
