// Package app wires a fulfillment node: the journal, the event bus, the
// aggregate runtime with every fulfillment behavior, the saga choreography,
// cluster placement and the operations HTTP endpoint.
package app
