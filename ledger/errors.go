package ledger

import "fmt"

// BudgetExceededError is returned by Reserve when granting the requested
// estimate would push committed-plus-reserved spend past the budget.
//
// It is returned before any externally chargeable call is made and is
// recoverable: the caller may retry later with a fresh Reserve once other
// reservations settle, or translate it into a degraded "no result" path.
type BudgetExceededError struct {
	// EstimatedCost is the amount the blocked reservation asked for.
	EstimatedCost float64
	// Remaining is the budget headroom at the moment of the check.
	Remaining float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated cost $%.6f would exceed remaining budget $%.6f",
		e.EstimatedCost, e.Remaining)
}

// InvalidReservationError is returned by Commit or Release when the
// reservation ID is unknown or already settled. It always indicates an
// orchestration bug (a leak or a double settlement), so callers should
// surface it rather than swallow it.
type InvalidReservationError struct {
	ID string
	// Status is the reservation's terminal status, or empty when the ID
	// was never issued by this ledger.
	Status Status
}

func (e *InvalidReservationError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("reservation %s not found", e.ID)
	}
	return fmt.Sprintf("reservation %s already settled (status: %s)", e.ID, e.Status)
}

// OperationNotAllowedError is returned by Reset while reservations are
// still pending: zeroing the ledger under in-flight calls would leave
// those reservations dangling against a fresh budget.
type OperationNotAllowedError struct {
	Reason string
}

func (e *OperationNotAllowedError) Error() string {
	return e.Reason
}
