// Package statemachine interprets a declarative (state, trigger) -> next
// state table. Lookups are strict: a pair missing from the table is an
// illegal transition.
package statemachine

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is matched by every IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal transition")

// IllegalTransitionError reports an unmapped (state, trigger) pair.
type IllegalTransitionError[S, T comparable] struct {
	From    S
	Trigger T
}

func (e *IllegalTransitionError[S, T]) Error() string {
	return fmt.Sprintf("illegal transition: %v on %v", e.Trigger, e.From)
}

// Is matches ErrIllegalTransition.
func (e *IllegalTransitionError[S, T]) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Transition is one table row.
type Transition[S, T comparable] struct {
	From    S
	Trigger T
	To      S
}

// Machine is an immutable transition table. It is safe for concurrent use.
type Machine[S, T comparable] struct {
	table    map[S]map[T]S
	terminal map[S]bool
}

// New builds a machine from rows. Terminal states may not have outgoing rows
// and a (from, trigger) pair may appear only once.
func New[S, T comparable](rows []Transition[S, T], terminal ...S) (*Machine[S, T], error) {
	m := &Machine[S, T]{
		table:    make(map[S]map[T]S),
		terminal: make(map[S]bool, len(terminal)),
	}
	for _, s := range terminal {
		m.terminal[s] = true
	}
	for _, row := range rows {
		if m.terminal[row.From] {
			return nil, fmt.Errorf("terminal state %v has outgoing transition on %v", row.From, row.Trigger)
		}
		next, ok := m.table[row.From]
		if !ok {
			next = make(map[T]S)
			m.table[row.From] = next
		}
		if _, dup := next[row.Trigger]; dup {
			return nil, fmt.Errorf("duplicate transition %v on %v", row.From, row.Trigger)
		}
		next[row.Trigger] = row.To
	}
	return m, nil
}

// MustNew is New for package-level tables.
func MustNew[S, T comparable](rows []Transition[S, T], terminal ...S) *Machine[S, T] {
	m, err := New(rows, terminal...)
	if err != nil {
		panic(err)
	}
	return m
}

// Next looks up the state reached from from on trigger.
func (m *Machine[S, T]) Next(from S, trigger T) (S, error) {
	if next, ok := m.table[from][trigger]; ok {
		return next, nil
	}
	var zero S
	return zero, &IllegalTransitionError[S, T]{From: from, Trigger: trigger}
}

// Allowed reports whether trigger is mapped from from.
func (m *Machine[S, T]) Allowed(from S, trigger T) bool {
	_, ok := m.table[from][trigger]
	return ok
}

// Terminal reports whether s is a terminal state.
func (m *Machine[S, T]) Terminal(s S) bool {
	return m.terminal[s]
}
