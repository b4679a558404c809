// Package gateway defines the external collaborators reached from payment
// and shipment aggregates, with deterministic simulated implementations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrDeclined is a permanent charge failure: retrying cannot succeed.
var ErrDeclined = errors.New("payment declined")

// ErrUnserviceable is a permanent carrier failure for the destination.
var ErrUnserviceable = errors.New("destination not serviceable")

// ChargeRequest asks the payment provider to capture an amount.
type ChargeRequest struct {
	PaymentID   string
	OrderID     string
	AmountCents int64
	Method      string
	// IdempotencyKey is stable across retries of the same attempt.
	IdempotencyKey string
}

// ChargeResult is a captured charge.
type ChargeResult struct {
	TransactionID string
}

// PaymentGateway captures payments.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// ScheduleRequest asks the carrier to book a pickup.
type ScheduleRequest struct {
	ShipmentID     string
	OrderID        string
	Country        string
	PostalCode     string
	IdempotencyKey string
}

// ScheduleResult is a booked shipment.
type ScheduleResult struct {
	Carrier        string
	TrackingNumber string
}

// Carrier books shipments.
type Carrier interface {
	Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error)
}

// ChargeFunc adapts a function to PaymentGateway.
type ChargeFunc func(ctx context.Context, req ChargeRequest) (ChargeResult, error)

func (f ChargeFunc) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return f(ctx, req)
}

// ScheduleFunc adapts a function to Carrier.
type ScheduleFunc func(ctx context.Context, req ScheduleRequest) (ScheduleResult, error)

func (f ScheduleFunc) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	return f(ctx, req)
}

// SimulatedPayments approves every charge except declined methods and
// amounts above Limit. Charges with the same idempotency key return the
// same transaction.
type SimulatedPayments struct {
	// Limit declines charges above it; zero means no limit.
	Limit int64
	// DeclinedMethods are always declined, e.g. "card_declined".
	DeclinedMethods []string

	mu      sync.Mutex
	charges map[string]ChargeResult
}

// Charge implements PaymentGateway.
func (s *SimulatedPayments) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	for _, m := range s.DeclinedMethods {
		if strings.EqualFold(m, req.Method) {
			return ChargeResult{}, fmt.Errorf("%w: method %s", ErrDeclined, req.Method)
		}
	}
	if s.Limit > 0 && req.AmountCents > s.Limit {
		return ChargeResult{}, fmt.Errorf("%w: amount %d over limit", ErrDeclined, req.AmountCents)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.charges == nil {
		s.charges = make(map[string]ChargeResult)
	}
	if res, ok := s.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	res := ChargeResult{TransactionID: fmt.Sprintf("txn_%016x", xxhash.Sum64String(req.PaymentID+"|"+req.IdempotencyKey))}
	s.charges[req.IdempotencyKey] = res
	return res, nil
}

// Charges returns how many distinct charges were captured.
func (s *SimulatedPayments) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges)
}

// SimulatedCarrier books every shipment except to Unserviceable countries.
type SimulatedCarrier struct {
	Name          string
	Unserviceable []string
}

// Schedule implements Carrier.
func (c SimulatedCarrier) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	if err := ctx.Err(); err != nil {
		return ScheduleResult{}, err
	}
	for _, country := range c.Unserviceable {
		if strings.EqualFold(country, req.Country) {
			return ScheduleResult{}, fmt.Errorf("%w: %s", ErrUnserviceable, req.Country)
		}
	}
	name := c.Name
	if name == "" {
		name = "simulated"
	}
	return ScheduleResult{
		Carrier:        name,
		TrackingNumber: fmt.Sprintf("TRK%012X", xxhash.Sum64String(req.ShipmentID+"|"+req.IdempotencyKey)&0xFFFFFFFFFFFF),
	}, nil
}

// Permanent reports whether err is a failure retrying cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrDeclined) || errors.Is(err, ErrUnserviceable)
}
