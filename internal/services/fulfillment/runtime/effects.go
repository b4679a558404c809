package runtime

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
)

func (e *entity[S]) apply(effects []engine.Effect) {
	for _, eff := range effects {
		switch eff.Kind {
		case engine.EffectDispatch:
			e.r.sys.dispatch(eff.Command, eff.Fallback)
		case engine.EffectDispatchAll:
			e.r.sys.dispatchAll(eff.Commands, eff.Then)
		case engine.EffectSendSelf:
			e.mailbox.push(message{kind: msgCommand, cmd: eff.Command})
		case engine.EffectSchedule:
			e.schedule(eff.Key, eff.After, eff.Command)
		case engine.EffectCancelTimer:
			e.cancelTimer(eff.Key)
		case engine.EffectCall:
			e.call(eff.Timeout, eff.Call)
		default:
			e.log.Warn("unknown effect", "effect", eff.Kind)
		}
	}
}

// schedule arms a timer under key, replacing any timer already there. The
// timer only enqueues a message; the command runs on the entity goroutine.
func (e *entity[S]) schedule(key string, after time.Duration, cmd command.Command) {
	e.cancelTimer(key)
	e.timerGen++
	gen := e.timerGen
	mb := e.mailbox
	t := time.AfterFunc(after, func() {
		mb.push(message{kind: msgTimer, timerKey: key, timerGen: gen})
	})
	e.timers[key] = armedTimer{timer: t, gen: gen, cmd: cmd}
}

func (e *entity[S]) cancelTimer(key string) {
	if armed, ok := e.timers[key]; ok {
		armed.timer.Stop()
		delete(e.timers, key)
	}
}

// call runs fn off the entity goroutine. Its command comes back through the
// mailbox; until then deferrable commands are stashed.
func (e *entity[S]) call(timeout time.Duration, fn func(ctx context.Context) command.Command) {
	if fn == nil {
		return
	}
	if timeout <= 0 {
		timeout = timeouts.ExternalCall
	}
	mb := e.mailbox
	started := e.r.sys.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		mb.push(message{kind: msgCallDone, cmd: fn(ctx)})
	})
	if started {
		e.pendingCalls++
	}
}

// Retryable reports whether a command may succeed if resent with the same
// correlation id: the target was stopped or unreachable, or the outcome is
// unknown.
func Retryable(err error) bool {
	if errors.Is(err, ErrStopped) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return apperrors.CodeOf(err).Retryable()
}

func (s *System) ask(ctx context.Context, p retry.Policy, cmd command.Command) error {
	_, err := retry.Do(ctx, p, func(ctx context.Context) (Reply, error) {
		askCtx, cancel := context.WithTimeout(ctx, s.cfg.AskTimeout)
		defer cancel()
		reply, err := s.outbound().Ask(askCtx, cmd)
		if err != nil && !Retryable(err) {
			return reply, retry.Permanent(err)
		}
		return reply, err
	}, func(err error, wait time.Duration) {
		s.log.Debug("dispatch failed, retrying", "target", cmd.AggregateType, "id", cmd.AggregateID,
			"command", cmd.Type, "wait", wait, "error", err)
	})
	return err
}

// dispatch sends cmd with bounded retries. When the target rejects it or
// retries run out, the fallback command goes back to the requester.
func (s *System) dispatch(cmd command.Command, fallback func(error) command.Command) {
	s.goAsync(func(ctx context.Context) {
		err := s.ask(ctx, s.cfg.Dispatch, cmd)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.log.Warn("dispatch failed", "target", cmd.AggregateType, "id", cmd.AggregateID,
			"command", cmd.Type, "correlation_id", cmd.CorrelationID, "error", err)
		if fallback == nil {
			return
		}
		fb := fallback(err)
		if err := s.ask(ctx, s.cfg.Compensate, fb); err != nil && ctx.Err() == nil {
			s.log.Error("fallback not delivered", "target", fb.AggregateType, "id", fb.AggregateID,
				"command", fb.Type, "error", err)
		}
	})
}

// dispatchAll sends compensating commands concurrently, each retried until
// acknowledged. A permanent rejection counts as acknowledged: the target has
// nothing to undo. then is sent once every command is done.
func (s *System) dispatchAll(cmds []command.Command, then *command.Command) {
	s.goAsync(func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		for _, cmd := range cmds {
			g.Go(func() error {
				err := s.ask(gctx, s.cfg.Compensate, cmd)
				if err != nil && gctx.Err() == nil {
					s.log.Warn("compensation rejected", "target", cmd.AggregateType, "id", cmd.AggregateID,
						"command", cmd.Type, "correlation_id", cmd.CorrelationID, "error", err)
				}
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil || then == nil {
			return
		}
		if err := s.ask(ctx, s.cfg.Compensate, *then); err != nil && ctx.Err() == nil {
			s.log.Error("compensation completion not delivered", "target", then.AggregateType, "id", then.AggregateID,
				"command", then.Type, "error", err)
		}
	})
}
