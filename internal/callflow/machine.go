// Package callflow drives a live SOS call: placing it, scripting each turn
// of the conversation with the responder, and ending it.
package callflow

import (
	"errors"
	"fmt"
)

// State is the persisted position of a call in its conversation loop.
type State string

const (
	StateCreated       State = "created"
	StateRinging       State = "ringing"
	StateSpeaking      State = "speaking"
	StateRecording     State = "recording"
	StateTranscribing  State = "transcribing"
	StateReplyDecision State = "reply_decision"
	StateWaiting       State = "waiting"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event is something that happened to a call.
type Event string

const (
	EventCallPlaced        Event = "call_placed"
	EventCallFailed        Event = "call_failed"
	EventAnswered          Event = "answered"
	EventScriptServed      Event = "script_served"
	EventRecordingReceived Event = "recording_received"
	EventTranscribed       Event = "transcribed"
	EventReplySpoken       Event = "reply_spoken"
	EventNeedUserInput     Event = "need_user_input"
	EventTurnFailed        Event = "turn_failed"
	EventUserMessage       Event = "user_message"
	EventNoMessage         Event = "no_message"
	EventCallEnded         Event = "call_ended"
)

// ErrInvalidTransition is returned by Next when an event does not apply to
// the current state.
var ErrInvalidTransition = errors.New("callflow: invalid transition")

type edge struct {
	from []State
	to   State
}

var live = []State{
	StateCreated, StateRinging, StateSpeaking, StateRecording,
	StateTranscribing, StateReplyDecision, StateWaiting,
}

// transitions maps each event to the states it may fire from and the state
// it leads to.
var transitions = map[Event]edge{
	EventCallPlaced:        {from: []State{StateCreated}, to: StateRinging},
	EventAnswered:          {from: []State{StateCreated, StateRinging}, to: StateSpeaking},
	EventScriptServed:      {from: []State{StateCreated, StateRinging, StateSpeaking}, to: StateRecording},
	EventRecordingReceived: {from: []State{StateRecording}, to: StateTranscribing},
	EventTranscribed:       {from: []State{StateTranscribing}, to: StateReplyDecision},
	EventReplySpoken:       {from: []State{StateReplyDecision}, to: StateRecording},
	EventNeedUserInput:     {from: []State{StateTranscribing, StateReplyDecision}, to: StateWaiting},
	EventTurnFailed:        {from: []State{StateTranscribing, StateReplyDecision}, to: StateWaiting},
	EventUserMessage:       {from: []State{StateWaiting}, to: StateRecording},
	EventNoMessage:         {from: []State{StateWaiting}, to: StateWaiting},
	EventCallFailed:        {from: live, to: StateFailed},
	EventCallEnded:         {from: live, to: StateCompleted},
}

// Next returns the state that follows ev in state s. On an invalid
// transition it returns s unchanged with ErrInvalidTransition.
func Next(s State, ev Event) (State, error) {
	t, ok := transitions[ev]
	if !ok {
		return s, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
	}
	for _, from := range t.from {
		if from == s {
			return t.to, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %q", ErrInvalidTransition, ev, s)
}
