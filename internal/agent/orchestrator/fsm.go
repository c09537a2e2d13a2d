package orchestrator

import "fmt"

type State int

const (
	AwaitingModel State = iota
	ToolCallsPending
	NaturalLanguageReceived
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingModel:
		return "AwaitingModel"
	case ToolCallsPending:
		return "ToolCallsPending"
	case NaturalLanguageReceived:
		return "NaturalLanguageReceived"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Event int

const (
	ToolCallsReceived Event = iota
	TextReceived
	ToolResultsSent
	DirectiveSent
	Accepted
	RoundsExhausted
)

func (e Event) String() string {
	switch e {
	case ToolCallsReceived:
		return "ToolCallsReceived"
	case TextReceived:
		return "TextReceived"
	case ToolResultsSent:
		return "ToolResultsSent"
	case DirectiveSent:
		return "DirectiveSent"
	case Accepted:
		return "Accepted"
	case RoundsExhausted:
		return "RoundsExhausted"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// transitions is the complete loop graph. Anything not listed is a bug.
var transitions = map[State]map[Event]State{
	AwaitingModel: {
		ToolCallsReceived: ToolCallsPending,
		TextReceived:      NaturalLanguageReceived,
		RoundsExhausted:   Terminated,
	},
	ToolCallsPending: {
		ToolResultsSent: AwaitingModel,
	},
	NaturalLanguageReceived: {
		DirectiveSent: AwaitingModel,
		Accepted:      Terminated,
	},
}

func transition(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("no transition from %s on %s", from, ev)
}
