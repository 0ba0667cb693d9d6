package domain

import "errors"

var ErrNotFound = errors.New("not found")

// PaymentStatus and OrderStatus are the legacy storage columns. In memory a
// transaction carries a single State and both columns are derived from it.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentCancelled PaymentStatus = "cancelled"
)

func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentPending, PaymentApproved, PaymentRejected, PaymentCancelled:
		return true
	}
	return false
}

func (p PaymentStatus) IsTerminal() bool {
	return p == PaymentApproved || p == PaymentRejected || p == PaymentCancelled
}

type OrderStatus string

const (
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderPaid            OrderStatus = "paid"
	OrderDelivered       OrderStatus = "delivered"
	OrderCancelled       OrderStatus = "cancelled"
	// OrderRefunded is only ever found in legacy rows; no State derives it.
	OrderRefunded OrderStatus = "refunded"
)

func (o OrderStatus) Valid() bool {
	switch o {
	case OrderAwaitingPayment, OrderPaid, OrderDelivered, OrderCancelled, OrderRefunded:
		return true
	}
	return false
}

type State string

const (
	StatePending   State = "pending"
	StatePaid      State = "paid"
	StateDelivered State = "delivered"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
)

func (s State) PaymentStatus() PaymentStatus {
	switch s {
	case StatePaid, StateDelivered:
		return PaymentApproved
	case StateRejected:
		return PaymentRejected
	case StateCancelled:
		return PaymentCancelled
	default:
		return PaymentPending
	}
}

func (s State) OrderStatus() OrderStatus {
	switch s {
	case StatePaid:
		return OrderPaid
	case StateDelivered:
		return OrderDelivered
	case StateRejected, StateCancelled:
		return OrderCancelled
	default:
		return OrderAwaitingPayment
	}
}

func (s State) IsTerminal() bool { return s.PaymentStatus().IsTerminal() }

func (s State) IsApproved() bool { return s.PaymentStatus() == PaymentApproved }

var transitions = map[State][]State{
	StatePending: {StatePaid, StateRejected, StateCancelled},
	StatePaid:    {StateDelivered},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateFromColumns derives the State from stored columns. The payment status
// is authoritative; the order status only distinguishes Paid from Delivered.
// ok is false when the stored pair violates the status invariant.
func StateFromColumns(ps PaymentStatus, os OrderStatus) (s State, ok bool) {
	switch ps {
	case PaymentApproved:
		if os == OrderDelivered {
			return StateDelivered, true
		}
		return StatePaid, os == OrderPaid
	case PaymentRejected:
		return StateRejected, os == OrderCancelled
	case PaymentCancelled:
		return StateCancelled, os == OrderCancelled
	default:
		return StatePending, ps == PaymentPending && os == OrderAwaitingPayment
	}
}

// StateForPaymentStatus maps a payment status reported by a gateway callback
// to the State it moves a pending transaction into.
func StateForPaymentStatus(ps PaymentStatus) State {
	switch ps {
	case PaymentApproved:
		return StatePaid
	case PaymentRejected:
		return StateRejected
	case PaymentCancelled:
		return StateCancelled
	default:
		return StatePending
	}
}
