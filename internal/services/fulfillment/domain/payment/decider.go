package payment

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
)

const defaultMethod = "card"

// Decide returns the decision for a payment command.
func Decide(state State, cmd command.Command, now time.Time) command.Decision {
	switch cmd.Type {
	case CommandProcess:
		return decideProcess(state, cmd, now)
	case CommandResolve:
		return decideResolve(state, cmd, now)
	case CommandRetry:
		if state.Status != StatusFailed {
			return command.Rejectf(apperrors.CodeConflict, "payment %s is %s, only failed payments can be retried", state.ID, statusLabel(state.Status))
		}
		if state.Attempts >= MaxAttempts {
			return command.Rejectf(apperrors.CodeConflict, "payment %s used all %d attempts", state.ID, MaxAttempts)
		}
		return command.Emit(cmd, EventInitiated, InitiatedPayload{
			OrderID:     state.OrderID,
			AmountCents: state.AmountCents,
			Method:      state.Method,
			Attempt:     state.Attempts + 1,
		}, now)
	case CommandRefund:
		return decideRefund(state, cmd, now)
	}
	return command.Rejectf(apperrors.CodeValidation, "payment does not handle %s", cmd.Type)
}

func decideProcess(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[ProcessPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	p.OrderID = strings.TrimSpace(p.OrderID)
	p.Method = strings.TrimSpace(p.Method)
	if p.OrderID == "" {
		return command.Rejectf(apperrors.CodeValidation, "order id is required")
	}
	if p.AmountCents <= 0 {
		return command.Rejectf(apperrors.CodeValidation, "amount must be positive")
	}
	if p.Method == "" {
		p.Method = defaultMethod
	}

	switch {
	case state.Status == StatusNone:
	case state.OrderID != p.OrderID:
		return command.Rejectf(apperrors.CodeConflict, "payment %s belongs to order %s", state.ID, state.OrderID)
	case state.Status == StatusVoided:
		return command.Rejectf(apperrors.CodeConflict, "payment %s was voided", state.ID)
	default:
		// Already processing or processed for this order.
		return command.Decision{}
	}
	return command.Emit(cmd, EventInitiated, InitiatedPayload{
		OrderID:     p.OrderID,
		AmountCents: p.AmountCents,
		Method:      p.Method,
		Attempt:     1,
	}, now)
}

func decideResolve(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[ResolvePayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if state.Status != StatusPending || p.Attempt != state.Attempts {
		// Outcome of an attempt that is no longer current.
		return command.Decision{}
	}
	if p.Reason == "" && p.TransactionID != "" {
		return command.Emit(cmd, EventSucceeded, SucceededPayload{
			OrderID:       state.OrderID,
			TransactionID: p.TransactionID,
			AmountCents:   state.AmountCents,
		}, now)
	}
	reason := p.Reason
	if reason == "" {
		reason = "gateway returned no transaction"
	}
	return command.Emit(cmd, EventFailed, FailedPayload{OrderID: state.OrderID, Attempt: p.Attempt, Reason: reason}, now)
}

func decideRefund(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[RefundPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	p.OrderID = strings.TrimSpace(p.OrderID)
	if p.OrderID == "" {
		p.OrderID = state.OrderID
	}
	if p.OrderID == "" {
		return command.Rejectf(apperrors.CodeValidation, "order id is required")
	}
	if state.OrderID != "" && state.OrderID != p.OrderID {
		return command.Rejectf(apperrors.CodeConflict, "payment %s belongs to order %s", state.ID, state.OrderID)
	}

	switch state.Status {
	case StatusSucceeded:
		return command.Emit(cmd, EventRefunded, RefundedPayload{
			OrderID:       state.OrderID,
			TransactionID: state.TransactionID,
			AmountCents:   state.AmountCents,
			Reason:        p.Reason,
		}, now)
	case StatusNone, StatusFailed:
		return command.Emit(cmd, EventVoided, VoidedPayload{OrderID: p.OrderID, Reason: p.Reason}, now)
	case StatusPending:
		// Normally stashed until the charge resolves; the caller retries.
		return command.Rejectf(apperrors.CodeUnavailable, "payment %s has a charge in flight", state.ID)
	default:
		return command.Decision{}
	}
}

func statusLabel(s Status) string {
	if s == StatusNone {
		return "not started"
	}
	return string(s)
}
