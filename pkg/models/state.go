package models

// AgentState is the finite set of states an agent actor moves through while
// servicing a turn. Initial and terminal state is Idle; agents loop.
type AgentState string

// Agent states.
const (
	StateIdle       AgentState = "idle"
	StateThinking   AgentState = "thinking"
	StateToolCall   AgentState = "tool_call"
	StateReflecting AgentState = "reflecting"
)

// Valid reports whether the state belongs to the finite set.
func (s AgentState) Valid() bool {
	switch s {
	case StateIdle, StateThinking, StateToolCall, StateReflecting:
		return true
	}
	return false
}

// StateEvent is an input to the agent state machine.
type StateEvent string

// State machine events.
const (
	// EventReceived fires when a user or system message arrives.
	EventReceived StateEvent = "received"
	// EventLLMProduced fires when the provider returned an assistant message.
	EventLLMProduced StateEvent = "llm_produced"
	// EventToolRequested fires when the provider indicated a tool call.
	EventToolRequested StateEvent = "tool_requested"
	// EventToolResolved fires when the requested tool completed.
	EventToolResolved StateEvent = "tool_resolved"
	// EventCompleted fires when the turn is finished.
	EventCompleted StateEvent = "completed"
	// EventFailed fires on a turn failure. At the state level it is treated
	// exactly like EventCompleted; the error propagates separately.
	EventFailed StateEvent = "failed"
)

// Next is the single source of truth for agent transitions. It is pure: it
// returns the successor state or an InvalidStateTransition error, leaving the
// caller's state untouched on failure. Actors never mutate state outside it.
func Next(state AgentState, event StateEvent) (AgentState, error) {
	switch state {
	case StateIdle:
		switch event {
		case EventReceived:
			return StateThinking, nil
		case EventCompleted, EventFailed:
			// Idle → Idle self-loop: completing with nothing in flight.
			return StateIdle, nil
		}
	case StateThinking:
		switch event {
		case EventLLMProduced:
			return StateReflecting, nil
		case EventToolRequested:
			return StateToolCall, nil
		}
	case StateToolCall:
		if event == EventToolResolved {
			return StateReflecting, nil
		}
	case StateReflecting:
		if event == EventCompleted || event == EventFailed {
			return StateIdle, nil
		}
	}
	return state, targetError(state, event)
}

// targetError builds the InvalidStateTransition with the state the event
// would nominally have led to, so the error names a concrete (from, to) pair.
func targetError(state AgentState, event StateEvent) error {
	return NewInvalidTransitionError(state, nominalTarget(event))
}

// nominalTarget maps an event to the state it drives toward when legal.
func nominalTarget(event StateEvent) AgentState {
	switch event {
	case EventReceived:
		return StateThinking
	case EventLLMProduced:
		return StateReflecting
	case EventToolRequested:
		return StateToolCall
	case EventToolResolved:
		return StateReflecting
	default:
		return StateIdle
	}
}
