package protocol

import "time"

// PaymentStatus is derived from a PaymentRecord and the current time
type PaymentStatus string

const (
	StatusPending  PaymentStatus = "PENDING"
	StatusClaimed  PaymentStatus = "CLAIMED"
	StatusRefunded PaymentStatus = "REFUNDED"
	StatusExpired  PaymentStatus = "EXPIRED"
)

// ComputeStatus derives the status of a payment.
// Claimed and refunded take priority over time based expiry.
func ComputeStatus(record PaymentRecord, now time.Time) PaymentStatus {
	switch {
	case record.Claimed:
		return StatusClaimed
	case record.Refunded:
		return StatusRefunded
	case now.Unix() > record.ExpiresAt:
		return StatusExpired
	default:
		return StatusPending
	}
}

// IsTerminal reports whether no further transition is possible.
// EXPIRED is not terminal: the payer can still refund.
func IsTerminal(status PaymentStatus) bool {
	return status == StatusClaimed || status == StatusRefunded
}
