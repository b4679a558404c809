// Package engine runs the per-aggregate command pipeline:
//
//	validate -> idempotency check -> decide -> validate event -> append (retry) -> fold -> snapshot
//
// It also defines the Behavior contract each aggregate kind implements and
// the Effect values behaviors return to request side effects. The engine owns
// no goroutines; the runtime package serializes calls per aggregate.
package engine
