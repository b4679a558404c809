// Package payment owns one charge per order: initiation, the asynchronous
// gateway call, bounded manual retries, and refunds.
package payment

import (
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Kind is the aggregate type name.
const Kind = "payment"

const (
	CommandProcess command.Type = "payment.process"
	CommandResolve command.Type = "payment.resolve"
	CommandRetry   command.Type = "payment.retry"
	CommandRefund  command.Type = "payment.refund"

	EventInitiated event.Type = "payment.initiated"
	EventSucceeded event.Type = "payment.succeeded"
	EventFailed    event.Type = "payment.failed"
	EventRefunded  event.Type = "payment.refunded"
	EventVoided    event.Type = "payment.voided"
)

// MaxAttempts bounds initiation plus manual retries.
const MaxAttempts = 3

// Status is the payment lifecycle.
type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
	StatusVoided    Status = "voided"
)

// State is the folded payment.
type State struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Method      string `json:"method,omitempty"`
	Status      Status `json:"status,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	// AttemptSeq is the sequence of the event that started the current
	// attempt; the gateway call and its resolution are keyed by it.
	AttemptSeq    uint64 `json:"attempt_seq,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// ProcessPayload starts a charge for an order.
type ProcessPayload struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method,omitempty"`
}

// ResolvePayload reports the gateway outcome of attempt Attempt. A non-empty
// Reason is a failure.
type ResolvePayload struct {
	Attempt       int    `json:"attempt"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// RefundPayload reverses the payment for OrderID.
type RefundPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// InitiatedPayload starts attempt Attempt.
type InitiatedPayload struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
	Attempt     int    `json:"attempt"`
}

// SucceededPayload is published when the charge is captured.
type SucceededPayload struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
}

// FailedPayload is published when an attempt fails.
type FailedPayload struct {
	OrderID string `json:"order_id"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// RefundedPayload is published when a captured charge is reversed.
type RefundedPayload struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
	Reason        string `json:"reason,omitempty"`
}

// VoidedPayload closes a payment that captured nothing; later process or
// retry commands are refused.
type VoidedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

func register(commands *command.Registry, events *event.Registry) error {
	for _, t := range []command.Type{CommandProcess, CommandResolve, CommandRetry, CommandRefund} {
		if err := commands.Register(command.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	for _, t := range []event.Type{EventInitiated, EventSucceeded, EventFailed, EventRefunded, EventVoided} {
		if err := events.Register(event.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	return nil
}
