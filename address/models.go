package address

import "time"

// Purpose partitions the derivation space so order payments, vendor bonds,
// and user deposits never share an index sequence.
type Purpose string

const (
	PurposeOrderPayment Purpose = "order_payment"
	PurposeVendorBond   Purpose = "vendor_bond"
	PurposeUserDeposit  Purpose = "user_deposit"
)

// Valid reports whether the purpose is one of the supported partitions.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeOrderPayment, PurposeVendorBond, PurposeUserDeposit:
		return true
	default:
		return false
	}
}

// branch maps the purpose onto its derivation branch under the account key.
func (p Purpose) branch() (uint32, bool) {
	switch p {
	case PurposeOrderPayment:
		return 0, true
	case PurposeVendorBond:
		return 1, true
	case PurposeUserDeposit:
		return 2, true
	default:
		return 0, false
	}
}

// Record mirrors the receiving_addresses table. The address string is
// immutable for the lifetime of the row and never reused across obligations.
type Record struct {
	ID              string
	Address         string
	DerivationIndex uint32
	DerivationPath  string
	Purpose         Purpose
	OwnerID         string
	BalanceMinor    int64
	IsUsed          bool
	CreatedAt       time.Time
}
