package actor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

func errNoObserve(target string) error {
	return trebuerr.New(trebuerr.ActorNotFound, fmt.Sprintf("no streaming method %q", target))
}

type job struct {
	fn func()
}

// entry owns one local actor's serial dispatch loop. Submitting work
// through submit() rather than calling Handle/Observe directly guarantees
// the single-writer invariant: no two method bodies on the same actor ever
// run concurrently, and a streamed property's write is always ordered
// before the notification it produces because both happen on this same
// goroutine.
type entry struct {
	id      actorid.ActorID
	actor   Actor
	mailbox chan job
	done    chan struct{}
}

func newEntry(id actorid.ActorID, a Actor, mailboxSize int) *entry {
	e := &entry{
		id:      id,
		actor:   a,
		mailbox: make(chan job, mailboxSize),
		done:    make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *entry) loop() {
	for {
		select {
		case <-e.done:
			return
		case j := <-e.mailbox:
			j.fn()
			// Drain a short burst before returning to select, bounded so
			// one busy actor cannot starve others of scheduler time.
			for range 64 {
				select {
				case next := <-e.mailbox:
					next.fn()
				default:
					goto wait
				}
			}
		wait:
		}
	}
}

// submit enqueues fn to run on this actor's dispatch loop, blocking only
// until the job is accepted into the mailbox, the actor has been stopped,
// or the context is done, whichever comes first. It does not wait for fn
// to run; fn itself is responsible for signalling its own completion
// (typically by closing over a result channel).
func (e *entry) submit(ctx context.Context, fn func()) error {
	select {
	case e.mailbox <- job{fn: fn}:
		return nil
	case <-e.done:
		return trebuerr.New(trebuerr.ActorNotFound, "actor stopped")
	case <-ctx.Done():
		return trebuerr.Wrap(trebuerr.Timeout, "submit cancelled", ctx.Err())
	}
}

func (e *entry) stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// invokeHandle runs actor.Handle on the dispatch loop, converting panics
// (programmer faults) into a handlerError result instead of letting them
// unwind past the dispatch boundary.
func (e *entry) invokeHandle(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	type outcome struct {
		result []byte
		err    error
	}
	out := make(chan outcome, 1)

	submitErr := e.submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: trebuerr.New(trebuerr.HandlerError, fmt.Sprintf("panic: %v\n%s", r, debug.Stack()))}
			}
		}()
		result, err := e.actor.Handle(ctx, target, genericSubs, args)
		if err != nil {
			out <- outcome{err: trebuerr.Wrap(trebuerr.HandlerError, "handler failed", err)}
			return
		}
		out <- outcome{result: result}
	})
	if submitErr != nil {
		return nil, submitErr
	}

	select {
	case o := <-out:
		return o.result, o.err
	case <-ctx.Done():
		return nil, trebuerr.Wrap(trebuerr.Timeout, "invocation cancelled", ctx.Err())
	}
}

// invokeObserve opens a streaming subscription. Observe itself is called
// on the dispatch loop only to obtain the channel (cheap, typically just
// registers a subscriber and returns the property's current value as the
// first item); consuming that channel happens off-loop, so the actor's
// execution lock is never held across an unbounded suspension.
func (e *entry) invokeObserve(ctx context.Context, target string, args [][]byte) (<-chan []byte, error) {
	type outcome struct {
		ch  <-chan []byte
		err error
	}
	out := make(chan outcome, 1)

	submitErr := e.submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: trebuerr.New(trebuerr.HandlerError, fmt.Sprintf("panic: %v\n%s", r, debug.Stack()))}
			}
		}()
		ch, err := e.actor.Observe(ctx, target, args)
		out <- outcome{ch: ch, err: err}
	})
	if submitErr != nil {
		return nil, submitErr
	}

	select {
	case o := <-out:
		return o.ch, o.err
	case <-ctx.Done():
		return nil, trebuerr.Wrap(trebuerr.Timeout, "observe cancelled", ctx.Err())
	}
}
