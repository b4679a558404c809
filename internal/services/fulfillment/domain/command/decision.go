package command

import (
	"fmt"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Decision represents the pure outcome of handling a command. A decision with
// neither events nor rejections answers a query or acknowledges a no-op.
type Decision struct {
	Events     []event.Event
	Rejections []Rejection
}

// Rejection captures a domain-level reason a command was declined. Code is
// one of the platform error codes.
type Rejection struct {
	Code    string
	Message string
}

// Accept returns a decision that emits the provided events.
func Accept(events ...event.Event) Decision {
	return Decision{Events: append([]event.Event(nil), events...)}
}

// Reject returns a decision that carries the provided rejections.
func Reject(rejections ...Rejection) Decision {
	return Decision{Rejections: append([]Rejection(nil), rejections...)}
}

// Rejectf builds a single-rejection decision with a platform error code.
func Rejectf(code apperrors.Code, format string, args ...any) Decision {
	return Reject(Rejection{Code: string(code), Message: fmt.Sprintf(format, args...)})
}

// Rejected reports whether the decision declined the command.
func (d Decision) Rejected() bool {
	return len(d.Rejections) > 0
}

// Emit encodes payload as a single event of eventType for cmd's aggregate.
// Encoding failures become an UNKNOWN rejection.
func Emit(cmd Command, eventType event.Type, payload any, now time.Time) Decision {
	evt, err := EncodeEvent(cmd, eventType, payload, now)
	if err != nil {
		return Rejectf(apperrors.CodeUnknown, "encode %s: %v", eventType, err)
	}
	return Accept(evt)
}
