// Package order is the saga participant that drives fulfillment.
//
// The order lifecycle is a transition table (see Machine) interpreted by the
// decider; the current status is a field of the folded State, so recovery
// reproduces it exactly. Entry actions are computed from State alone: React
// runs them after the event that entered a status, and Recover re-runs them
// for the status an order was in when its entity stopped. Every command an
// entry action sends carries a correlation id derived from the entering
// event, so re-fired actions are absorbed by the receivers' idempotency
// records.
//
// Downstream failures, saga timeouts and cancellation persist
// order.compensation_started with the compensation plan: release every
// reserved product, and refund when payment was requested and not reported
// failed. The plan is dispatched until acknowledged, then
// order.complete_compensation persists the terminal order.failed or
// order.cancelled. An empty plan skips straight to the terminal event.
package order
