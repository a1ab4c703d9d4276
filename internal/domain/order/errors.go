package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when no order matches the lookup.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidState is returned when a customer tries to cancel a line that
	// is no longer a pending hold.
	ErrInvalidState = errors.New("only pending holds can be cancelled")
	// ErrInvalidTransition is wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDealExpired is returned when reserving a deal past its expiry.
	ErrDealExpired = errors.New("deal expired")
	// ErrEmptyBatch is returned by checkout when the store has no pending holds.
	ErrEmptyBatch = errors.New("no pending holds for store")
	// ErrAlreadyRedeemed signals that a ticket was used before. Callers show it
	// as "already used", not as an invalid ticket.
	ErrAlreadyRedeemed = errors.New("ticket already redeemed")
	// ErrValidityLapsed is returned when a paid ticket is past its redemption window.
	ErrValidityLapsed = errors.New("ticket validity lapsed")
	// ErrDuplicateCode is returned by a Store when an order number or an
	// active pickup code is already taken.
	ErrDuplicateCode = errors.New("duplicate ticket code")
	// ErrTicketFields is returned when a transition would assign the order
	// number, pickup code and purchase time other than all together on
	// PENDING -> PAID, or change them afterwards.
	ErrTicketFields = errors.New("ticket fields are set once on payment")
)

// InvalidTransitionError reports a guarded transition whose expected status
// did not match. Actual carries the status observed at commit time so the
// loser of a race can act on it without another read.
type InvalidTransitionError struct {
	OrderLineID string
	From        Status
	To          Status
	Actual      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move %s -> %s, current status is %s",
		e.OrderLineID, e.From, e.To, e.Actual)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
