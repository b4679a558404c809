// Package event defines the immutable event envelope persisted to the journal
// and published on the bus, plus the registry that validates event types
// before append.
package event
