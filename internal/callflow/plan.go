package callflow

import (
	"time"

	"github.com/zulandar/whisprnet/internal/completion"
	"github.com/zulandar/whisprnet/internal/models"
	"github.com/zulandar/whisprnet/internal/telephony"
)

// Lines spoken to the responder.
const (
	LineMissingSession = "Missing session ID."
	LineNotActive      = "Call is not active. Cannot process recording."
	LineWaiting        = "Waiting for user input."
	LineNoResponse     = "No response yet. Please wait."
	LineTurnFailed     = "Sorry, that could not be processed."
	LineTimeLimit      = "This call has reached its time limit and will now end. The user can still be reached through the live chat."
)

// Policy holds the call script tunables.
type Policy struct {
	Callbacks       telephony.Callbacks
	RecordTimeout   int // seconds of silence before a recording ends
	RecordMaxLength int // seconds
	HoldPause       int // seconds between check-response polls
	MaxCallDuration time.Duration
}

// EffectKind identifies a store or outbox write a plan asks for.
type EffectKind int

const (
	EffectSetProcessing EffectKind = iota
	EffectSetStatus
	EffectAppendMessage
	EffectMarkSent
	EffectEnqueue
)

// Effect is one write to perform, in order, before the script is returned.
type Effect struct {
	Kind       EffectKind
	Processing string          // EffectSetProcessing
	Status     string          // EffectSetStatus
	Message    *models.Message // EffectAppendMessage
	MessageID  uint            // EffectMarkSent
	OutboxKind string          // EffectEnqueue
}

func setProcessing(status string) Effect {
	return Effect{Kind: EffectSetProcessing, Processing: status}
}

// Plan is the outcome of a planner: the state to persist, the writes to
// apply, and the script to hand back to the provider. A nil Script means
// the turn continues with more I/O.
type Plan struct {
	State   State
	Effects []Effect
	Script  telephony.Script
	// Anomaly records an out-of-order transition. The plan still applies so
	// the caller always hears something.
	Anomaly error
}

func (p *Plan) transition(from State, ev Event) {
	next, err := Next(from, ev)
	p.State = next
	if err != nil {
		p.Anomaly = err
		if t, ok := transitions[ev]; ok && !from.Terminal() {
			p.State = t.to
		}
	}
}

func (p Policy) recordStep(sessionID string) telephony.Step {
	return telephony.Record(p.Callbacks.Recording(sessionID), p.RecordTimeout, p.RecordMaxLength)
}

func (p Policy) waitScript(sessionID, line string) telephony.Script {
	return telephony.Script{
		telephony.Say(line),
		telephony.Pause(p.HoldPause),
		telephony.Redirect(p.Callbacks.Check(sessionID)),
	}
}

func endScript(line string) telephony.Script {
	return telephony.Script{telephony.Say(line), telephony.Hangup()}
}

func sessionState(sess *models.Session) State {
	if sess.CallState == "" {
		return StateCreated
	}
	return State(sess.CallState)
}

// PlanVoice plans the opening script: speak the summary, then record the
// responder.
func PlanVoice(p Policy, sess *models.Session, summary string) Plan {
	if sess == nil {
		return Plan{Script: endScript(LineMissingSession)}
	}
	if sess.Terminal() || sessionState(sess).Terminal() {
		return Plan{Script: endScript(LineNotActive)}
	}
	if summary == "" {
		summary = completion.SummaryFallback
	}
	var plan Plan
	plan.transition(sessionState(sess), EventScriptServed)
	plan.Script = telephony.Script{telephony.Say(summary), p.recordStep(sess.ID)}
	return plan
}

// RecordingLive reports whether a finished recording belongs to a call that
// is still up. formStatus is the call status the provider sent with the
// recording.
func RecordingLive(sess *models.Session, formStatus string) bool {
	if sess.Terminal() || formStatus == models.CallCompleted {
		return false
	}
	return sess.CallStatus == models.CallInProgress || formStatus == models.CallInProgress
}

// PlanRecording decides whether a finished recording is processed. A call
// that is not live gets a terminal notice and no writes beyond resetting
// the processing flag.
func PlanRecording(p Policy, sess *models.Session, formStatus string) Plan {
	if sess == nil {
		return Plan{Script: endScript(LineMissingSession)}
	}
	if !RecordingLive(sess, formStatus) {
		return Plan{
			Effects: []Effect{setProcessing(models.ProcessingIdle)},
			Script:  endScript(LineNotActive),
		}
	}
	var plan Plan
	plan.transition(sessionState(sess), EventRecordingReceived)
	plan.Effects = []Effect{setProcessing(models.ProcessingAudio)}
	return plan
}

// PlanTranscript stores the responder's words and picks the reply path.
// With the AI guide off the line always waits for the victim.
func PlanTranscript(p Policy, sess *models.Session, transcript string) Plan {
	plan := Plan{Effects: []Effect{{
		Kind: EffectAppendMessage,
		Message: &models.Message{
			SessionID:  sess.ID,
			Sender:     models.SenderResponder,
			SourceType: models.SourceResponder,
			Body:       transcript,
		},
	}}}
	if !sess.AIGuideEnabled {
		plan.transition(sessionState(sess), EventNeedUserInput)
		plan.Effects = append(plan.Effects, setProcessing(models.ProcessingIdle))
		plan.Script = p.waitScript(sess.ID, LineWaiting)
		return plan
	}
	plan.transition(sessionState(sess), EventTranscribed)
	plan.Effects = append(plan.Effects, setProcessing(models.ProcessingGenerating))
	return plan
}

// PlanReply speaks a grounded answer and records again, or falls back to
// waiting when the model had nothing to go on.
func PlanReply(p Policy, sess *models.Session, reply completion.Reply) Plan {
	var plan Plan
	if !reply.Answered() {
		plan.transition(sessionState(sess), EventNeedUserInput)
		plan.Effects = []Effect{setProcessing(models.ProcessingIdle)}
		plan.Script = p.waitScript(sess.ID, LineWaiting)
		return plan
	}
	plan.transition(sessionState(sess), EventReplySpoken)
	plan.Effects = []Effect{
		{Kind: EffectAppendMessage, Message: &models.Message{
			SessionID:  sess.ID,
			Sender:     models.SenderUser,
			SourceType: models.SourceAI,
			Body:       reply.Text,
		}},
		setProcessing(models.ProcessingIdle),
	}
	plan.Script = telephony.Script{telephony.Say(reply.Text), p.recordStep(sess.ID)}
	return plan
}

// PlanTurnFailure apologizes and routes to the wait loop. Nothing is
// written to the timeline.
func PlanTurnFailure(p Policy, sess *models.Session) Plan {
	var plan Plan
	plan.transition(sessionState(sess), EventTurnFailed)
	plan.Effects = []Effect{setProcessing(models.ProcessingIdle)}
	plan.Script = append(telephony.Script{telephony.Say(LineTurnFailed)}, p.waitScript(sess.ID, LineWaiting)...)
	return plan
}

// PlanCheck plans one wait-poll. msg is the oldest unsent victim message,
// or nil. The message is claimed before it is spoken; the contextual alert
// is queued at most once per session.
func PlanCheck(p Policy, sess *models.Session, msg *models.Message, now time.Time) Plan {
	if sess == nil {
		return Plan{Script: endScript(LineMissingSession)}
	}
	if sess.Terminal() || sessionState(sess).Terminal() {
		return Plan{Script: endScript(LineNotActive)}
	}
	if p.MaxCallDuration > 0 && now.Sub(sess.CreatedAt) >= p.MaxCallDuration {
		var plan Plan
		plan.transition(sessionState(sess), EventCallEnded)
		plan.Effects = []Effect{setProcessing(models.ProcessingIdle)}
		plan.Script = endScript(LineTimeLimit)
		return plan
	}
	var plan Plan
	if msg == nil {
		plan.transition(sessionState(sess), EventNoMessage)
		plan.Script = p.waitScript(sess.ID, LineNoResponse)
		return plan
	}
	plan.transition(sessionState(sess), EventUserMessage)
	plan.Effects = []Effect{{Kind: EffectMarkSent, MessageID: msg.ID}}
	if sess.HasContacts() && !sess.FinalSMSSent {
		plan.Effects = append(plan.Effects, Effect{Kind: EffectEnqueue, OutboxKind: models.KindEscalationContextual})
	}
	plan.Script = telephony.Script{telephony.Say(msg.Body), p.recordStep(sess.ID)}
	return plan
}

// PlanStatus applies a provider status callback. ok is false for statuses
// outside the session vocabulary.
func PlanStatus(sess *models.Session, raw string) (plan Plan, ok bool) {
	status, ok := telephony.NormalizeStatus(raw)
	if !ok {
		return Plan{}, false
	}
	plan.Effects = []Effect{{Kind: EffectSetStatus, Status: status}}
	state := sessionState(sess)
	if state.Terminal() || sess.Terminal() {
		return plan, true
	}
	switch status {
	case models.CallCompleted:
		plan.transition(state, EventCallEnded)
		plan.Effects = append(plan.Effects, setProcessing(models.ProcessingIdle))
	case models.CallFailed:
		plan.transition(state, EventCallFailed)
		plan.Effects = append(plan.Effects, setProcessing(models.ProcessingIdle))
	case models.CallInProgress:
		// The script fetch often beats the answered event; only move
		// forward from pre-answer states.
		if state == StateCreated || state == StateRinging {
			plan.transition(state, EventAnswered)
		}
	}
	return plan, true
}
