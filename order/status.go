// Package order projects engine state onto the order status vocabulary the
// surrounding app displays. It is a pure read model and never writes back.
package order

import (
	"escrowflow/escrow"
	"escrowflow/payment"
)

// Status is the externally visible order status.
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusInEscrow        Status = "in_escrow"
	StatusDisputed        Status = "disputed"
	StatusCompleted       Status = "completed"
	StatusRefunded        Status = "refunded"
	StatusCancelled       Status = "cancelled"
)

// Project maps payment and escrow state onto the order status. escrowStatus
// is nil while no escrow record exists for the order.
func Project(paymentStatus payment.Status, escrowStatus *escrow.Status, disputeLocked bool) Status {
	if disputeLocked {
		return StatusDisputed
	}

	if escrowStatus != nil {
		switch *escrowStatus {
		case escrow.StatusReleased:
			return StatusCompleted
		case escrow.StatusRefunded:
			return StatusRefunded
		case escrow.StatusFunded:
			return StatusInEscrow
		}
	}

	switch paymentStatus {
	case payment.StatusCompleted:
		// Escrow not yet created or just funded in-flight.
		return StatusPaid
	case payment.StatusExpired:
		return StatusCancelled
	default:
		return StatusAwaitingPayment
	}
}
