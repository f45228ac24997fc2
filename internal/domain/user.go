package domain

import "time"

// User is the account that owns batches and a credit balance. The balance is
// debited server-side when a batch is enqueued and only ever reported to
// clients through authoritative events.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Credits   int       `json:"credits"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditCost returns the number of credits debited for an operation.
func CreditCost(op OperationType, quantity int) int {
	if quantity < 1 {
		quantity = 1
	}
	switch op {
	case OperationUpscale:
		return 2 * quantity
	default:
		return quantity
	}
}
