package telephony

import (
	"fmt"
	"strconv"

	"github.com/twilio/twilio-go/twiml"
)

// StepKind identifies a call script instruction.
type StepKind int

const (
	StepSay StepKind = iota
	StepRecord
	StepPause
	StepRedirect
	StepHangup
)

// Step is one instruction in a call script.
type Step struct {
	Kind      StepKind
	Text      string // StepSay
	URL       string // StepRecord action, StepRedirect target
	Seconds   int    // StepRecord silence timeout, StepPause length
	MaxLength int    // StepRecord
}

// Script is an ordered list of instructions returned to the provider.
type Script []Step

// Say speaks text.
func Say(text string) Step { return Step{Kind: StepSay, Text: text} }

// Record captures caller audio and posts the recording to action.
func Record(action string, timeoutSec, maxLengthSec int) Step {
	return Step{Kind: StepRecord, URL: action, Seconds: timeoutSec, MaxLength: maxLengthSec}
}

// Pause holds the line silently.
func Pause(sec int) Step { return Step{Kind: StepPause, Seconds: sec} }

// Redirect hands control to another callback.
func Redirect(target string) Step { return Step{Kind: StepRedirect, URL: target} }

// Hangup ends the call.
func Hangup() Step { return Step{Kind: StepHangup} }

// Says returns the spoken lines in order.
func (s Script) Says() []string {
	var out []string
	for _, st := range s {
		if st.Kind == StepSay {
			out = append(out, st.Text)
		}
	}
	return out
}

// Has reports whether the script contains a step of kind k.
func (s Script) Has(k StepKind) bool {
	for _, st := range s {
		if st.Kind == k {
			return true
		}
	}
	return false
}

// Render produces the TwiML document for the script.
func (s Script) Render(voice string) (string, error) {
	elems := make([]twiml.Element, 0, len(s))
	for _, st := range s {
		switch st.Kind {
		case StepSay:
			elems = append(elems, &twiml.VoiceSay{Message: st.Text, Voice: voice})
		case StepRecord:
			elems = append(elems, &twiml.VoiceRecord{
				Action:    st.URL,
				Method:    "POST",
				Timeout:   strconv.Itoa(st.Seconds),
				MaxLength: strconv.Itoa(st.MaxLength),
			})
		case StepPause:
			elems = append(elems, &twiml.VoicePause{Length: strconv.Itoa(st.Seconds)})
		case StepRedirect:
			elems = append(elems, &twiml.VoiceRedirect{Url: st.URL, Method: "POST"})
		case StepHangup:
			elems = append(elems, &twiml.VoiceHangup{})
		default:
			return "", fmt.Errorf("telephony: unknown script step %d", st.Kind)
		}
	}
	doc, err := twiml.Voice(elems)
	if err != nil {
		return "", fmt.Errorf("telephony: render twiml: %w", err)
	}
	return doc, nil
}
