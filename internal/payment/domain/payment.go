package domain

import (
	"fmt"
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type Method string

const (
	MethodCard         Method = "card"
	MethodWallet       Method = "wallet"
	MethodBankTransfer Method = "bank_transfer"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodWallet, MethodBankTransfer:
		return true
	}
	return false
}

// Outcome is the gateway's answer. Indeterminate means the charge may or may not have
// happened and must be reconciled before anything is assumed.
type Outcome string

const (
	OutcomeApproved      Outcome = "approved"
	OutcomeDeclined      Outcome = "declined"
	OutcomeIndeterminate Outcome = "indeterminate"
)

type Charge struct {
	OrderID     string
	AmountCents int64
	Method      Method
}

func (c Charge) Validate() error {
	switch {
	case c.OrderID == "":
		return fmt.Errorf("%w: order id is required", apperr.ErrValidation)
	case c.AmountCents <= 0:
		return fmt.Errorf("%w: amount must be positive", apperr.ErrValidation)
	case !c.Method.Valid():
		return fmt.Errorf("%w: unsupported payment method %q", apperr.ErrValidation, c.Method)
	}
	return nil
}

type Result struct {
	Outcome       Outcome
	TransactionID string
	// DeclineCode is machine readable, e.g. "amount_limit_exceeded".
	DeclineCode string
	Message     string
}

type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusDeclined      Status = "declined"
	StatusIndeterminate Status = "indeterminate"
	StatusRefunded      Status = "refunded"
)

// Settled reports whether the payment has a definite outcome.
func (s Status) Settled() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusRefunded
}

// Payment is the one record kept per order.
type Payment struct {
	OrderID       string
	AmountCents   int64
	Method        Method
	Status        Status
	TransactionID string
	DeclineCode   string
	Message       string
	Attempts      int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Record folds a gateway result into the payment.
func (p *Payment) Record(r Result, at time.Time) {
	switch r.Outcome {
	case OutcomeApproved:
		p.Status = StatusApproved
	case OutcomeDeclined:
		p.Status = StatusDeclined
	default:
		p.Status = StatusIndeterminate
	}
	if r.TransactionID != "" {
		p.TransactionID = r.TransactionID
	}
	p.DeclineCode = r.DeclineCode
	p.Message = r.Message
	p.UpdatedAt = at
	p.Version++
}

func (p Payment) Result() Result {
	out := Result{TransactionID: p.TransactionID, DeclineCode: p.DeclineCode, Message: p.Message}
	switch p.Status {
	case StatusApproved, StatusRefunded:
		out.Outcome = OutcomeApproved
	case StatusDeclined:
		out.Outcome = OutcomeDeclined
	default:
		out.Outcome = OutcomeIndeterminate
	}
	return out
}
