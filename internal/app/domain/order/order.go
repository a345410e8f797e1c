// Package order implements the Order aggregate's finite-state machine and
// amendment/cancellation rules for the order management subsystem (OMS).
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

type Status string

const (
	StatusNew             Status = "NEW"
	StatusAck             Status = "ACK"
	StatusPartialFill     Status = "PARTIAL_FILL"
	StatusFilled          Status = "FILLED"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

var transitions = map[Status]map[Status]bool{
	StatusNew:             {StatusAck: true, StatusCancelRequested: true, StatusRejected: true},
	StatusAck:             {StatusPartialFill: true, StatusFilled: true, StatusCancelRequested: true},
	StatusPartialFill:     {StatusPartialFill: true, StatusFilled: true, StatusCancelRequested: true},
	StatusCancelRequested: {StatusCancelled: true},
}

func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

func IsTerminal(s Status) bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

func amendable(s Status) bool {
	return s == StatusNew || s == StatusAck || s == StatusPartialFill
}

type ErrorKind string

const (
	ErrValidation   ErrorKind = "VALIDATION_FAILED"
	ErrStateInvalid ErrorKind = "STATE_INVALID"
)

type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Order is the aggregate root. ClientIdempotencyKey is unique within
// (tenantId, ownerId); re-submission with the same key returns the original
// orderId without side effects (enforced by the OMS at the store layer via a
// unique constraint lookup, not here).
type Order struct {
	OrderID               string
	TenantID              string
	OwnerID               string
	InstrumentID          string
	Side                  Side
	Qty                   decimal.Decimal
	FilledQty             decimal.Decimal
	LimitPrice            decimal.Decimal
	TimeInForce           TimeInForce
	Status                Status
	Version               int64
	ClientIdempotencyKey  string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func New(orderID, tenantID, ownerID, instrumentID string, side Side, qty, limitPrice decimal.Decimal, tif TimeInForce, idemKey string, now time.Time) Order {
	return Order{
		OrderID:              orderID,
		TenantID:             tenantID,
		OwnerID:              ownerID,
		InstrumentID:         instrumentID,
		Side:                 side,
		Qty:                  qty,
		FilledQty:            decimal.Zero,
		LimitPrice:           limitPrice,
		TimeInForce:          tif,
		Status:               StatusNew,
		Version:              1,
		ClientIdempotencyKey: idemKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (o *Order) Acknowledge(now time.Time) error {
	if !CanTransition(o.Status, StatusAck) {
		return newErr(ErrStateInvalid, "cannot acknowledge order in status %s", o.Status)
	}
	o.Status = StatusAck
	o.Version++
	o.UpdatedAt = now
	return nil
}

func (o *Order) Reject(now time.Time) error {
	if !CanTransition(o.Status, StatusRejected) {
		return newErr(ErrStateInvalid, "cannot reject order in status %s", o.Status)
	}
	o.Status = StatusRejected
	o.Version++
	o.UpdatedAt = now
	return nil
}

// Fill applies a partial or complete fill. filledQty must never exceed qty.
func (o *Order) Fill(qty decimal.Decimal, now time.Time) error {
	if o.Status != StatusAck && o.Status != StatusPartialFill {
		return newErr(ErrStateInvalid, "cannot fill order in status %s", o.Status)
	}
	newFilled := o.FilledQty.Add(qty)
	if newFilled.GreaterThan(o.Qty) {
		return newErr(ErrValidation, "fill would exceed order quantity: filled=%s qty=%s", newFilled, o.Qty)
	}
	o.FilledQty = newFilled
	if o.FilledQty.Equal(o.Qty) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartialFill
	}
	o.Version++
	o.UpdatedAt = now
	return nil
}

// RequestCancel is idempotent: cancelling an already-cancelled order returns
// the stable response (no error, no mutation).
func (o *Order) RequestCancel(now time.Time) error {
	if o.Status == StatusCancelled {
		return nil
	}
	if !CanTransition(o.Status, StatusCancelRequested) {
		return newErr(ErrStateInvalid, "cannot cancel order in status %s", o.Status)
	}
	o.Status = StatusCancelRequested
	o.Version++
	o.UpdatedAt = now
	return nil
}

func (o *Order) ConfirmCancel(now time.Time) error {
	if o.Status == StatusCancelled {
		return nil
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return newErr(ErrStateInvalid, "cannot confirm cancel in status %s", o.Status)
	}
	o.Status = StatusCancelled
	o.Version++
	o.UpdatedAt = now
	return nil
}

// Amend validates against remaining (unfilled) quantity. A fully filled
// order rejects amendments with StateInvalid. A rejected amendment is NOT an
// error state for the order itself — callers surface the error to the
// caller but the order remains in its prior status (this function simply
// returns an error and leaves o unmodified).
func (o *Order) Amend(newQty, newLimitPrice *decimal.Decimal, now time.Time) error {
	if !amendable(o.Status) {
		return newErr(ErrStateInvalid, "cannot amend order in status %s", o.Status)
	}
	if newQty != nil {
		if newQty.LessThan(o.FilledQty) {
			return newErr(ErrValidation, "amended qty %s below filled qty %s", newQty, o.FilledQty)
		}
		o.Qty = *newQty
	}
	if newLimitPrice != nil {
		o.LimitPrice = *newLimitPrice
	}
	o.Version++
	o.UpdatedAt = now
	return nil
}

// RemainingQty is the quantity still eligible to fill.
func (o Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}
