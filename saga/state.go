package saga

// State is the durable data of a saga instance.
//
// Concrete states embed BaseState:
//
//	type OrderState struct {
//	    saga.BaseState
//	    Paid bool `json:"paid"`
//	}
type State interface {
	Base() *BaseState
}

// BaseState holds the fields the router needs on every saga state.
type BaseState struct {
	SagaID    string `json:"saga_id"`
	Completed bool   `json:"completed"`
}

// Base returns s, which makes any struct embedding BaseState a State.
func (s *BaseState) Base() *BaseState {
	return s
}

// Stateful is implemented by definitions that carry durable state.
//
// State must return a non-nil pointer that is fresh (default constructed) when
// the definition is created. The router loads persisted data into it before
// Configure runs, so closures built in Configure observe the resumed values.
type Stateful interface {
	State() State
}

// StatePtr constrains a type parameter to a pointer to S that implements State.
type StatePtr[S any] interface {
	*S
	State
}
