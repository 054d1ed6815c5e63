package saga

import (
	"context"
	"fmt"
	"reflect"
)

// Result is the outcome of executing a step.
//
// A halted result stops the remaining siblings and is reported to the parent.
// An aborted result unwinds the whole tree and fails the saga run.
type Result struct {
	kind   resultKind
	reason string
}

type resultKind uint8

const (
	resultHalt resultKind = iota
	resultProceed
	resultAbort
)

// Proceed returns a result that lets the next sibling run.
func Proceed() Result {
	return Result{kind: resultProceed}
}

// Halt returns a result that stops the remaining siblings.
func Halt() Result {
	return Result{kind: resultHalt}
}

// Abort returns a result that stops the saga and fails the run with reason.
func Abort(reason string) Result {
	return Result{kind: resultAbort, reason: reason}
}

func resultOf(ok bool) Result {
	if ok {
		return Proceed()
	}
	return Halt()
}

// OK reports whether execution may continue with the next sibling.
func (r Result) OK() bool {
	return r.kind == resultProceed
}

// Aborted reports whether the result was produced by Abort.
func (r Result) Aborted() bool {
	return r.kind == resultAbort
}

// Reason returns the abort reason.
func (r Result) Reason() string {
	return r.reason
}

func (r Result) String() string {
	switch r.kind {
	case resultProceed:
		return "proceed"
	case resultAbort:
		return "abort"
	default:
		return "halt"
	}
}

// Step is one node of a saga's execution tree.
//
// Custom steps embed BaseStep, which binds them to their owning instance.
type Step interface {
	// Execute runs the step against e.
	// A non-nil error is a business error handled by the saga's error policy.
	Execute(ctx context.Context, e Event) (Result, error)

	// Children returns the ordered sub-steps.
	Children() []Step

	bind(owner *Instance)
}

// BaseStep provides sub-step storage and the owner back-reference.
type BaseStep struct {
	children []Step
	owner    *Instance
}

// Children returns the ordered sub-steps.
func (b *BaseStep) Children() []Step {
	return b.children
}

// Saga returns the owning instance, or nil before the tree is attached.
func (b *BaseStep) Saga() *Instance {
	return b.owner
}

// bind assigns the owner once and propagates it to the subtree.
func (b *BaseStep) bind(owner *Instance) {
	if b.owner == nil {
		b.owner = owner
	}
	for _, child := range b.children {
		child.bind(owner)
	}
}

// runAll executes steps in order, stopping at the first that does not proceed.
func runAll(ctx context.Context, steps []Step, e Event) (Result, error) {
	for _, step := range steps {
		r, err := step.Execute(ctx, e)
		if err != nil {
			return Halt(), err
		}
		if !r.OK() {
			return r, nil
		}
	}
	return Proceed(), nil
}

// Find returns the first step in steps whose dynamic type is S.
func Find[S Step](steps []Step) (S, bool) {
	for _, step := range steps {
		if s, ok := step.(S); ok {
			return s, true
		}
	}
	var zero S
	return zero, false
}

// OnStep runs its subtree only for events of one runtime type.
// Events of any other type pass through, so several OnSteps can share a root list.
type OnStep struct {
	BaseStep
	eventType reflect.Type
}

func newOnStep(eventType reflect.Type, steps []Step) *OnStep {
	return &OnStep{BaseStep: BaseStep{children: steps}, eventType: eventType}
}

// EventType returns the entry event type guarding the subtree.
func (s *OnStep) EventType() reflect.Type {
	return s.eventType
}

func (s *OnStep) Execute(ctx context.Context, e Event) (Result, error) {
	if reflect.TypeOf(e) != s.eventType {
		return Proceed(), nil
	}
	return runAll(ctx, s.children, e)
}

// ConditionalStep gates its subtree on a predicate.
//
// A closed gate halts the parent chain. An open gate always proceeds: a halt
// inside the subtree only stops the subtree. Aborts are never absorbed.
type ConditionalStep struct {
	BaseStep
	condition func(Event) bool
}

func newConditionalStep(condition func(Event) bool, steps []Step) *ConditionalStep {
	return &ConditionalStep{BaseStep: BaseStep{children: steps}, condition: condition}
}

func (s *ConditionalStep) Execute(ctx context.Context, e Event) (Result, error) {
	if !s.condition(e) {
		return Halt(), nil
	}
	r, err := runAll(ctx, s.children, e)
	if err != nil {
		return Halt(), err
	}
	if r.Aborted() {
		return r, nil
	}
	return Proceed(), nil
}

// PublishStep sends a message stamped with the triggering event's correlation ID.
//
// The message is derived from the event, fixed at build time, or, when neither
// is set, the triggering event itself.
type PublishStep struct {
	BaseStep
	publisher Publisher
	derive    func(Event) Event
	message   Event
}

func newPublishStep(publisher Publisher, derive func(Event) Event, message Event) *PublishStep {
	return &PublishStep{publisher: publisher, derive: derive, message: message}
}

func (s *PublishStep) Execute(ctx context.Context, e Event) (Result, error) {
	var msg Event
	switch {
	case s.derive != nil:
		msg = s.derive(e)
	case s.message != nil:
		msg = s.message
	default:
		msg = e
	}
	if isNilEvent(msg) {
		return Proceed(), nil
	}
	if s.publisher == nil {
		return Halt(), ErrNoPublisher
	}

	meta := msg.Meta()
	if corr := e.Meta().CorrelationID; meta.CorrelationID != corr {
		meta.CorrelationID = corr
	}
	if meta.ID == "" {
		meta.ID = newID()
	}

	var sagaID, sagaName string
	if s.owner != nil {
		sagaID, sagaName = s.owner.ID(), s.owner.Name()
	}
	if err := s.publisher.Publish(ctx, sagaID, sagaName, msg); err != nil {
		return Halt(), fmt.Errorf("publish %s: %w", TypeName(msg), err)
	}
	return Proceed(), nil
}

// Command is a unit of business logic run by an Execute step.
// The boolean result decides whether the chain continues.
type Command interface {
	Execute(ctx context.Context, e Event) (bool, error)
}

// CommandFunc adapts a function to the Command interface.
type CommandFunc func(ctx context.Context, e Event) (bool, error)

// Execute calls f.
func (f CommandFunc) Execute(ctx context.Context, e Event) (bool, error) {
	return f(ctx, e)
}

// ExecuteStep runs a Command.
type ExecuteStep struct {
	BaseStep
	command Command
}

func newExecuteStep(command Command) *ExecuteStep {
	return &ExecuteStep{command: command}
}

func (s *ExecuteStep) Execute(ctx context.Context, e Event) (Result, error) {
	ok, err := s.command.Execute(ctx, e)
	if err != nil {
		return Halt(), err
	}
	return resultOf(ok), nil
}

// CompletedByStep holds the completion predicate of a saga.
//
// In the execution chain it only records that it was reached; the router
// evaluates the predicate after the chain to choose between Save and Complete.
type CompletedByStep struct {
	BaseStep
	predicate func(ctx context.Context) (bool, error)
	reached   bool
}

func newCompletedByStep(predicate func(ctx context.Context) (bool, error)) *CompletedByStep {
	return &CompletedByStep{predicate: predicate}
}

func (s *CompletedByStep) Execute(_ context.Context, _ Event) (Result, error) {
	s.reached = true
	return Proceed(), nil
}

// Reached reports whether the top-level chain got to this step.
func (s *CompletedByStep) Reached() bool {
	return s.reached
}

// Completed evaluates the completion predicate.
func (s *CompletedByStep) Completed(ctx context.Context) (bool, error) {
	return s.predicate(ctx)
}

// ThrowStep aborts the saga.
type ThrowStep struct {
	BaseStep
	reason string
}

func (s *ThrowStep) Execute(_ context.Context, _ Event) (Result, error) {
	return Abort(s.reason), nil
}

// PromiseExecutor is an asynchronous validation whose outcome selects a branch.
type PromiseExecutor interface {
	Execute(ctx context.Context, e Event) (bool, error)
}

// PromiseFunc adapts a function to the PromiseExecutor interface.
type PromiseFunc func(ctx context.Context, e Event) (bool, error)

// Execute calls f.
func (f PromiseFunc) Execute(ctx context.Context, e Event) (bool, error) {
	return f(ctx, e)
}

// SuccessBranch runs when the promise executor reports true.
type SuccessBranch struct {
	BaseStep
}

func (s *SuccessBranch) Execute(ctx context.Context, e Event) (Result, error) {
	return runAll(ctx, s.children, e)
}

// FailureBranch runs when the promise executor reports false, or fails while
// the saga mutes errors.
type FailureBranch struct {
	BaseStep
	err error
}

// Err returns the executor error that routed execution here, if any.
func (s *FailureBranch) Err() error {
	return s.err
}

func (s *FailureBranch) Execute(ctx context.Context, e Event) (Result, error) {
	if s.err != nil {
		ctx = withPromiseError(ctx, s.err)
	}
	return runAll(ctx, s.children, e)
}

// PromiseStep runs a PromiseExecutor and continues in the matching branch.
type PromiseStep struct {
	BaseStep
	executor PromiseExecutor
}

func newPromiseStep(executor PromiseExecutor, branches []Step) *PromiseStep {
	return &PromiseStep{BaseStep: BaseStep{children: branches}, executor: executor}
}

func (s *PromiseStep) Execute(ctx context.Context, e Event) (Result, error) {
	success, okSuccess := Find[*SuccessBranch](s.children)
	failure, okFailure := Find[*FailureBranch](s.children)
	if !okSuccess || !okFailure {
		return Halt(), ErrMissingBranch
	}

	ok, err := s.executor.Execute(ctx, e)
	if err != nil {
		if s.owner == nil || !s.owner.Muted() {
			return Halt(), err
		}
		failure.err = err
		r, ferr := failure.Execute(ctx, e)
		if ferr != nil {
			return Halt(), ferr
		}
		if r.Aborted() {
			return r, nil
		}
		return Halt(), nil
	}

	if ok {
		return success.Execute(ctx, e)
	}
	return failure.Execute(ctx, e)
}

type promiseErrorKey struct{}

func withPromiseError(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, promiseErrorKey{}, err)
}

// PromiseError returns the executor error that routed execution into a
// failure branch. It is nil when the executor simply reported false.
func PromiseError(ctx context.Context) error {
	err, _ := ctx.Value(promiseErrorKey{}).(error)
	return err
}

// Compile-time checks
var (
	_ Step = (*OnStep)(nil)
	_ Step = (*ConditionalStep)(nil)
	_ Step = (*PublishStep)(nil)
	_ Step = (*ExecuteStep)(nil)
	_ Step = (*CompletedByStep)(nil)
	_ Step = (*ThrowStep)(nil)
	_ Step = (*SuccessBranch)(nil)
	_ Step = (*FailureBranch)(nil)
	_ Step = (*PromiseStep)(nil)
)
