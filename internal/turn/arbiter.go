// Package turn arbitrates floor ownership between the user and the agent
// for a single voice session. The arbiter is a pure state machine: it
// consumes STT turn events and pipeline lifecycle signals and returns the
// action the caller must perform. It does no I/O of its own.
package turn

import "strings"

// State is the arbiter's position in the turn-taking cycle.
type State int

const (
	// StateIdle means nobody holds the floor.
	StateIdle State = iota
	// StateUserSpeaking means a user turn is open and transcripts are accumulating.
	StateUserSpeaking
	// StateAgentResponding means a response pipeline is producing agent audio.
	StateAgentResponding
	// StateAgentInterrupted means the user barged in and the pipeline's
	// cancellation has been signalled but not yet acknowledged.
	StateAgentInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserSpeaking:
		return "user_speaking"
	case StateAgentResponding:
		return "agent_responding"
	case StateAgentInterrupted:
		return "agent_interrupted"
	default:
		return "unknown"
	}
}

// Owner identifies who currently holds the conversational floor.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerUser
	OwnerAgent
)

func (o Owner) String() string {
	switch o {
	case OwnerUser:
		return "user"
	case OwnerAgent:
		return "agent"
	default:
		return "none"
	}
}

// Action tells the caller what to do after an event was absorbed.
type Action int

const (
	// ActionNone requires nothing from the caller.
	ActionNone Action = iota
	// ActionPublishUpdate asks the caller to forward an interim transcript
	// to the client for display.
	ActionPublishUpdate
	// ActionStartResponse asks the caller to launch a response pipeline for
	// Decision.Transcript.
	ActionStartResponse
	// ActionCancelResponse asks the caller to cancel the in-flight pipeline,
	// stop sending agent audio and emit an interrupted marker.
	ActionCancelResponse
)

// Decision is the arbiter's verdict on a single event.
type Decision struct {
	Action     Action
	Transcript string
}

// Arbiter holds the turn-taking state for one session. It is not safe for
// concurrent use; callers drive it from a single event loop.
type Arbiter struct {
	state   State
	buffer  []string
	pending *string
}

// New returns an arbiter in the idle state.
func New() *Arbiter {
	return &Arbiter{state: StateIdle}
}

// State reports the current state.
func (a *Arbiter) State() State { return a.state }

// Owner reports who holds the floor in the current state.
func (a *Arbiter) Owner() Owner {
	switch a.state {
	case StateUserSpeaking, StateAgentInterrupted:
		return OwnerUser
	case StateAgentResponding:
		return OwnerAgent
	default:
		return OwnerNone
	}
}

// BufferedTranscript returns the interim fragments accumulated since the
// current turn opened. Display only; the end-of-turn payload is authoritative.
func (a *Arbiter) BufferedTranscript() string {
	return strings.Join(a.buffer, " ")
}

// OnStartOfTurn absorbs a start-of-turn event. Repeated starts while the
// user already speaks are idempotent. A start during agent playback is a
// barge-in and demands pipeline cancellation.
func (a *Arbiter) OnStartOfTurn() Decision {
	switch a.state {
	case StateIdle:
		a.state = StateUserSpeaking
		a.buffer = a.buffer[:0]
		return Decision{Action: ActionNone}
	case StateUserSpeaking, StateAgentInterrupted:
		return Decision{Action: ActionNone}
	case StateAgentResponding:
		a.state = StateAgentInterrupted
		a.buffer = a.buffer[:0]
		return Decision{Action: ActionCancelResponse}
	default:
		return Decision{Action: ActionNone}
	}
}

// OnUpdate absorbs an interim transcript. Updates never change state; they
// are buffered for client display while a user turn is open and dropped
// otherwise.
func (a *Arbiter) OnUpdate(text string) Decision {
	switch a.state {
	case StateUserSpeaking, StateAgentInterrupted:
		if text != "" {
			a.buffer = append(a.buffer, text)
		}
		return Decision{Action: ActionPublishUpdate, Transcript: text}
	default:
		return Decision{Action: ActionNone}
	}
}

// OnEndOfTurn absorbs an end-of-turn event carrying the provider's final
// transcript. Without a preceding start-of-turn the event is ignored. An
// empty transcript closes the turn without a response. While a cancellation
// is still pending the final transcript is parked until OnCancelComplete.
func (a *Arbiter) OnEndOfTurn(finalText string) Decision {
	switch a.state {
	case StateUserSpeaking:
		a.buffer = a.buffer[:0]
		text := strings.TrimSpace(finalText)
		if text == "" {
			a.state = StateIdle
			return Decision{Action: ActionNone}
		}
		a.state = StateAgentResponding
		return Decision{Action: ActionStartResponse, Transcript: text}
	case StateAgentInterrupted:
		a.buffer = a.buffer[:0]
		text := strings.TrimSpace(finalText)
		a.pending = &text
		return Decision{Action: ActionNone}
	default:
		return Decision{Action: ActionNone}
	}
}

// OnCancelComplete absorbs the pipeline's acknowledgement that cancellation
// finished and the audio sink is released. If the user's turn already ended
// while the cancel was in flight, the parked transcript starts the next
// response immediately.
func (a *Arbiter) OnCancelComplete() Decision {
	if a.state != StateAgentInterrupted {
		return Decision{Action: ActionNone}
	}
	if a.pending != nil {
		text := *a.pending
		a.pending = nil
		if text == "" {
			a.state = StateIdle
			return Decision{Action: ActionNone}
		}
		a.state = StateAgentResponding
		return Decision{Action: ActionStartResponse, Transcript: text}
	}
	a.state = StateUserSpeaking
	return Decision{Action: ActionNone}
}

// OnResponseDone absorbs the pipeline's normal completion signal.
func (a *Arbiter) OnResponseDone() Decision {
	if a.state == StateAgentResponding {
		a.state = StateIdle
	}
	return Decision{Action: ActionNone}
}

// Reset returns the arbiter to idle and drops any buffered or parked text.
func (a *Arbiter) Reset() {
	a.state = StateIdle
	a.buffer = a.buffer[:0]
	a.pending = nil
}
