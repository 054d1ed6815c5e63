package saga

import (
	"context"
	"fmt"
)

// Flow declares the steps of a branch whose events are of type T.
//
// Closures receive the event already typed as T. When a closure meets an event
// of another type it does not apply: conditions report false, publishers send
// nothing and Execute continues.
type Flow[T Event] struct {
	b *Builder
}

// When runs the steps declared by build only if cond holds.
// A false cond stops the remaining steps of the enclosing branch.
func (f *Flow[T]) When(cond func(e T) bool, build func(f *Flow[T])) *Flow[T] {
	if cond == nil || build == nil {
		f.b.fail(fmt.Errorf("%w: When needs a condition and a build function", ErrConfiguration))
		return f
	}
	steps := f.b.nest(func(sub *Builder) {
		build(&Flow[T]{b: sub})
	})
	f.b.add(newConditionalStep(func(e Event) bool {
		t, ok := e.(T)
		return ok && cond(t)
	}, steps))
	return f
}

// Publish sends the message derived from the event. A nil message is skipped.
func (f *Flow[T]) Publish(derive func(e T) Event) *Flow[T] {
	if !f.requirePublisher() {
		return f
	}
	f.b.add(newPublishStep(f.b.publisher, func(e Event) Event {
		t, ok := e.(T)
		if !ok {
			return nil
		}
		return derive(t)
	}, nil))
	return f
}

// PublishMessage sends msg, stamped with the correlation ID of each triggering event.
func (f *Flow[T]) PublishMessage(msg Event) *Flow[T] {
	if isNilEvent(msg) {
		f.b.fail(fmt.Errorf("%w: nil message", ErrConfiguration))
		return f
	}
	if !f.requirePublisher() {
		return f
	}
	f.b.add(newPublishStep(f.b.publisher, nil, msg))
	return f
}

// Republish forwards the triggering event to the publisher.
func (f *Flow[T]) Republish() *Flow[T] {
	if !f.requirePublisher() {
		return f
	}
	f.b.add(newPublishStep(f.b.publisher, nil, nil))
	return f
}

// Execute runs fn. Returning false stops the remaining steps of the branch.
func (f *Flow[T]) Execute(fn func(ctx context.Context, e T) (bool, error)) *Flow[T] {
	f.b.add(newExecuteStep(CommandFunc(func(ctx context.Context, e Event) (bool, error) {
		t, ok := e.(T)
		if !ok {
			return true, nil
		}
		return fn(ctx, t)
	})))
	return f
}

// ExecuteCommand runs cmd with the untyped event.
func (f *Flow[T]) ExecuteCommand(cmd Command) *Flow[T] {
	if cmd == nil {
		f.b.fail(fmt.Errorf("%w: nil command", ErrConfiguration))
		return f
	}
	f.b.add(newExecuteStep(cmd))
	return f
}

// Ensure runs executor and continues in the branch matching its outcome.
// build must declare both OnSuccess and OnFailure.
func (f *Flow[T]) Ensure(executor PromiseExecutor, build func(p *Promise[T])) *Flow[T] {
	if executor == nil {
		f.b.fail(fmt.Errorf("%w: nil promise executor", ErrConfiguration))
		return f
	}
	p := &Promise[T]{b: f.b}
	if build != nil {
		build(p)
	}
	var branches []Step
	if p.success != nil {
		branches = append(branches, p.success)
	}
	if p.failure != nil {
		branches = append(branches, p.failure)
	}
	if len(branches) != 2 {
		f.b.fail(ErrMissingBranch)
	}
	f.b.add(newPromiseStep(executor, branches))
	return f
}

// EnsureFunc is Ensure with a typed validation closure.
// An event of another type takes the failure branch.
func (f *Flow[T]) EnsureFunc(fn func(ctx context.Context, e T) (bool, error), build func(p *Promise[T])) *Flow[T] {
	return f.Ensure(PromiseFunc(func(ctx context.Context, e Event) (bool, error) {
		t, ok := e.(T)
		if !ok {
			return false, nil
		}
		return fn(ctx, t)
	}), build)
}

// Throw aborts the saga. The run fails with an *AbortError carrying reason
// and no state is persisted for the event.
func (f *Flow[T]) Throw(reason string) *Flow[T] {
	f.b.add(&ThrowStep{reason: reason})
	return f
}

// Step appends a custom step.
func (f *Flow[T]) Step(s Step) *Flow[T] {
	f.b.add(s)
	return f
}

func (f *Flow[T]) requirePublisher() bool {
	if f.b.publisher == nil {
		f.b.fail(ErrNoPublisher)
		return false
	}
	return true
}

// Promise declares the two branches of an Ensure step.
type Promise[T Event] struct {
	b       *Builder
	success *SuccessBranch
	failure *FailureBranch
}

// OnSuccess declares the steps run when the executor reports true.
func (p *Promise[T]) OnSuccess(build func(f *Flow[T])) *Promise[T] {
	if p.success != nil {
		p.b.fail(fmt.Errorf("%w: OnSuccess declared twice", ErrConfiguration))
		return p
	}
	if build == nil {
		p.b.fail(fmt.Errorf("%w: nil OnSuccess build", ErrConfiguration))
		return p
	}
	steps := p.b.nest(func(sub *Builder) {
		build(&Flow[T]{b: sub})
	})
	p.success = &SuccessBranch{BaseStep: BaseStep{children: steps}}
	return p
}

// OnFailure declares the steps run when the executor reports false, or fails
// while the saga mutes exceptions. Use PromiseError to read the failure.
func (p *Promise[T]) OnFailure(build func(f *Flow[T])) *Promise[T] {
	if p.failure != nil {
		p.b.fail(fmt.Errorf("%w: OnFailure declared twice", ErrConfiguration))
		return p
	}
	if build == nil {
		p.b.fail(fmt.Errorf("%w: nil OnFailure build", ErrConfiguration))
		return p
	}
	steps := p.b.nest(func(sub *Builder) {
		build(&Flow[T]{b: sub})
	})
	p.failure = &FailureBranch{BaseStep: BaseStep{children: steps}}
	return p
}
