package engine

import (
	"context"
	"time"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
)

// EffectKind enumerates side effects a behavior may request.
type EffectKind int

const (
	// EffectDispatch sends a command to another aggregate with bounded retries.
	EffectDispatch EffectKind = iota + 1
	// EffectDispatchAll sends compensating commands, retrying each until it
	// is acknowledged, then sends Then to the requesting aggregate.
	EffectDispatchAll
	// EffectSendSelf enqueues a command on the requesting aggregate.
	EffectSendSelf
	// EffectSchedule enqueues Command on the requesting aggregate after
	// After; scheduling an existing Key replaces its timer.
	EffectSchedule
	// EffectCancelTimer cancels the timer registered under Key.
	EffectCancelTimer
	// EffectCall runs Call off the aggregate goroutine with a deadline and
	// enqueues the command it returns.
	EffectCall
)

func (k EffectKind) String() string {
	switch k {
	case EffectDispatch:
		return "dispatch"
	case EffectDispatchAll:
		return "dispatch_all"
	case EffectSendSelf:
		return "send_self"
	case EffectSchedule:
		return "schedule"
	case EffectCancelTimer:
		return "cancel_timer"
	case EffectCall:
		return "call"
	default:
		return "unknown"
	}
}

// Effect is a side-effect request returned by Reactor and Recoverer.
type Effect struct {
	Kind     EffectKind
	Command  command.Command
	Commands []command.Command
	Then     *command.Command
	// Fallback, when set on a dispatch, builds a command for the requesting
	// aggregate if the target rejects the command or retries run out.
	Fallback func(error) command.Command
	Key      string
	After    time.Duration
	Timeout  time.Duration
	Call     func(ctx context.Context) command.Command
}

// Dispatch requests a command to another aggregate.
func Dispatch(cmd command.Command, fallback func(error) command.Command) Effect {
	return Effect{Kind: EffectDispatch, Command: cmd, Fallback: fallback}
}

// DispatchAll requests compensating commands followed by then. A then with
// an empty Type sends nothing once the commands are acknowledged.
func DispatchAll(cmds []command.Command, then command.Command) Effect {
	eff := Effect{Kind: EffectDispatchAll, Commands: append([]command.Command(nil), cmds...)}
	if then.Type != "" {
		eff.Then = &then
	}
	return eff
}

// SendSelf requests a command on the same aggregate.
func SendSelf(cmd command.Command) Effect {
	return Effect{Kind: EffectSendSelf, Command: cmd}
}

// Schedule requests a timer.
func Schedule(key string, after time.Duration, cmd command.Command) Effect {
	return Effect{Kind: EffectSchedule, Key: key, After: after, Command: cmd}
}

// CancelTimer requests a timer cancellation.
func CancelTimer(key string) Effect {
	return Effect{Kind: EffectCancelTimer, Key: key}
}

// Call requests an asynchronous external call bounded by timeout.
func Call(timeout time.Duration, call func(ctx context.Context) command.Command) Effect {
	return Effect{Kind: EffectCall, Timeout: timeout, Call: call}
}
