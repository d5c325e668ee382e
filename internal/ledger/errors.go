package ledger

import "fmt"

// Error is a ledger failure with a stable machine-readable code. Calling
// services branch on Code, never on the message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is match on code, so wrapped ledger errors still compare
// against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	// ErrInsufficientBalance: the available balance across eligible lots
	// is less than the requested amount. No lot was mutated.
	ErrInsufficientBalance = &Error{Code: "INSUFFICIENT_BALANCE", Message: "available balance below requested amount"}

	// ErrReservationUnknown: the referenced reservation does not exist.
	ErrReservationUnknown = &Error{Code: "RESERVATION_UNKNOWN", Message: "reservation not found"}

	// ErrReservationNotPending: the reservation is already in a terminal
	// state. Terminal states are absorbing.
	ErrReservationNotPending = &Error{Code: "RESERVATION_NOT_PENDING", Message: "reservation is not pending"}

	// ErrOverspend: the actual cost exceeds the reserved amount. Overspend
	// is rejected, never clamped.
	ErrOverspend = &Error{Code: "OVERSPEND", Message: "actual cost exceeds reserved amount"}

	// ErrInvalidAmount: the amount is zero, negative or malformed.
	ErrInvalidAmount = &Error{Code: "INVALID_AMOUNT", Message: "amount must be a positive integer"}

	// ErrInvalidEntity: unknown entity type or empty entity id.
	ErrInvalidEntity = &Error{Code: "INVALID_ENTITY", Message: "invalid entity type or id"}

	// ErrInvalidSourceType: lot source type outside the closed enumeration.
	ErrInvalidSourceType = &Error{Code: "INVALID_SOURCE_TYPE", Message: "unknown lot source type"}

	// ErrAccountUnknown: the referenced account (or clawback source) does
	// not exist.
	ErrAccountUnknown = &Error{Code: "ACCOUNT_UNKNOWN", Message: "account not found"}
)
