package callflow

import (
	"errors"
	"testing"
)

func TestNext_HappyPath(t *testing.T) {
	steps := []struct {
		ev   Event
		want State
	}{
		{EventCallPlaced, StateRinging},
		{EventAnswered, StateSpeaking},
		{EventScriptServed, StateRecording},
		{EventRecordingReceived, StateTranscribing},
		{EventTranscribed, StateReplyDecision},
		{EventReplySpoken, StateRecording},
		{EventRecordingReceived, StateTranscribing},
		{EventTranscribed, StateReplyDecision},
		{EventNeedUserInput, StateWaiting},
		{EventNoMessage, StateWaiting},
		{EventUserMessage, StateRecording},
		{EventCallEnded, StateCompleted},
	}
	s := StateCreated
	for i, st := range steps {
		next, err := Next(s, st.ev)
		if err != nil {
			t.Fatalf("step %d: Next(%q, %q): %v", i, s, st.ev, err)
		}
		if next != st.want {
			t.Fatalf("step %d: Next(%q, %q) = %q, want %q", i, s, st.ev, next, st.want)
		}
		s = next
	}
}

func TestNext_TerminalIsSticky(t *testing.T) {
	for _, term := range []State{StateCompleted, StateFailed} {
		for ev := range transitions {
			next, err := Next(term, ev)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Next(%q, %q) err = %v, want ErrInvalidTransition", term, ev, err)
			}
			if next != term {
				t.Errorf("Next(%q, %q) = %q, want unchanged", term, ev, next)
			}
		}
	}
}

func TestNext_Invalid(t *testing.T) {
	next, err := Next(StateCreated, EventUserMessage)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if next != StateCreated {
		t.Errorf("state = %q, want unchanged", next)
	}

	if _, err := Next(StateWaiting, Event("bogus")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("unknown event err = %v", err)
	}
}

func TestNext_EndFromAnyLiveState(t *testing.T) {
	for _, s := range live {
		if next, err := Next(s, EventCallEnded); err != nil || next != StateCompleted {
			t.Errorf("Next(%q, call_ended) = %q, %v", s, next, err)
		}
		if next, err := Next(s, EventCallFailed); err != nil || next != StateFailed {
			t.Errorf("Next(%q, call_failed) = %q, %v", s, next, err)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	if !StateCompleted.Terminal() || !StateFailed.Terminal() {
		t.Error("completed and failed should be terminal")
	}
	if StateWaiting.Terminal() {
		t.Error("waiting should not be terminal")
	}
}
