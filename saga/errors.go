// Package saga provides saga orchestration for event driven workflows.
//
// # Error Handling
//
// Errors fall in four groups:
//
// Configuration errors wrap ErrConfiguration. They come from a definition
// authored incorrectly (a builder mutated after Build, an Ensure without both
// branches, a failed Configure) and are never swallowed by muting or handlers:
//
//	if saga.IsConfigurationError(err) {
//	    // fix the saga definition, retrying will not help
//	}
//
// Halts are not errors. A step returning false stops the instance for the
// current event and is only logged.
//
// Aborts come from Throw steps. Router.Execute returns an *AbortError so the
// transport leaves the trigger unacknowledged:
//
//	if saga.IsAborted(err) {
//	    // message stays on the queue for redelivery
//	}
//
// Business errors returned by steps follow the per-saga policy: a matching
// OnError handler, then muting, then propagation to the caller.
package saga

import (
	"errors"
	"fmt"
	"log/slog"
)

// LevelCritical is the log level for unhandled errors swallowed by muted sagas.
const LevelCritical = slog.LevelError + 4

var (
	// ErrConfiguration is the root of all saga definition errors.
	ErrConfiguration = errors.New("saga configuration error")

	// ErrBuilderSealed is returned when a builder is mutated after Build.
	ErrBuilderSealed = fmt.Errorf("%w: builder already built", ErrConfiguration)

	// ErrMissingBranch is returned when an Ensure step lacks OnSuccess or OnFailure.
	ErrMissingBranch = fmt.Errorf("%w: ensure step must declare both OnSuccess and OnFailure", ErrConfiguration)

	// ErrNotConfigured is returned when an instance runs before Configure completed.
	ErrNotConfigured = fmt.Errorf("%w: saga instance is not configured", ErrConfiguration)

	// ErrNoPublisher is returned when a publish step is declared without a publisher.
	ErrNoPublisher = fmt.Errorf("%w: no publisher configured", ErrConfiguration)

	// ErrAborted is matched by every *AbortError.
	ErrAborted = errors.New("saga aborted")

	// ErrPanic wraps a panic recovered from a saga unit of work.
	ErrPanic = errors.New("saga panicked")
)

// AbortError reports a saga stopped by a Throw step.
type AbortError struct {
	Saga   string
	SagaID string
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("saga %s (%s) aborted: %s", e.Saga, e.SagaID, e.Reason)
}

// Is makes errors.Is(err, ErrAborted) match.
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// IsConfigurationError checks if err stems from a malformed saga definition.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsAborted checks if err reports a saga aborted by a Throw step.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
