package callflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/whisprnet/internal/completion"
	"github.com/zulandar/whisprnet/internal/config"
	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/metrics"
	"github.com/zulandar/whisprnet/internal/models"
	"github.com/zulandar/whisprnet/internal/store"
	"github.com/zulandar/whisprnet/internal/telephony"
)

var (
	// ErrNoActiveCall is returned by Hangup when no call was ever placed.
	ErrNoActiveCall = errors.New("callflow: no active call")
	// ErrInvalidRequest is returned by StartSession for incomplete submissions.
	ErrInvalidRequest = errors.New("callflow: invalid request")
)

// claimAttempts bounds how often check-response re-reads the queue after
// losing a race for the oldest message.
const claimAttempts = 5

// Transcriber turns a recording URL into text.
type Transcriber interface {
	TranscribeRecording(ctx context.Context, recordingURL string) (string, error)
}

// Assistant is the language model work the call needs.
type Assistant interface {
	Summarize(ctx context.Context, inc completion.Incident) string
	Impersonate(ctx context.Context, question string, userMessages []string) (completion.Reply, error)
}

// Enqueuer queues side effects for the outbox dispatcher. It reports false
// when an equivalent event is already pending.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, sessionID string) (bool, error)
}

// Orchestrator runs the provider callbacks for every live call.
type Orchestrator struct {
	store     *store.Store
	phone     telephony.Client
	stt       Transcriber
	assistant Assistant
	outbox    Enqueuer
	policy    Policy
	log       *logging.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Store       *store.Store
	Phone       telephony.Client
	Transcriber Transcriber
	Assistant   Assistant
	Outbox      Enqueuer
	Policy      Policy
	Log         *logging.Logger
	Metrics     *metrics.Collector
	Now         func() time.Time // defaults to time.Now
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("callflow: store is required")
	}
	if opts.Phone == nil {
		return nil, fmt.Errorf("callflow: telephony client is required")
	}
	if opts.Transcriber == nil || opts.Assistant == nil {
		return nil, fmt.Errorf("callflow: transcriber and assistant are required")
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:     opts.Store,
		phone:     opts.Phone,
		stt:       opts.Transcriber,
		assistant: opts.Assistant,
		outbox:    opts.Outbox,
		policy:    opts.Policy,
		log:       opts.Log,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}, nil
}

// PolicyFromConfig builds the script tunables from telephony config.
func PolicyFromConfig(cb telephony.Callbacks, cfg config.TelephonyConfig) Policy {
	return Policy{
		Callbacks:       cb,
		RecordTimeout:   cfg.RecordTimeoutSec,
		RecordMaxLength: cfg.RecordMaxLengthSec,
		HoldPause:       cfg.HoldPauseSec,
		MaxCallDuration: time.Duration(cfg.MaxCallDurationSec) * time.Second,
	}
}

// Policy returns the orchestrator's script tunables.
func (o *Orchestrator) Policy() Policy { return o.policy }

// SOSRequest is a victim's emergency submission.
type SOSRequest struct {
	SessionID       string
	Situation       string
	Location        string
	NumberOfThreats int
	LocationLat     *float64
	LocationLong    *float64
	CallNumber      string
	Contact1        string
	Contact2        string
	AIGuideEnabled  bool
}

// StartResult reports the outcome of StartSession.
type StartResult struct {
	Created bool // false when the session already existed
	CallSID string
	Status  string
}

// StartSession creates the session, seeds the timeline with the situation
// and its spoken summary, and places the call. Repeat submissions for an
// existing session ID are no-ops.
func (o *Orchestrator) StartSession(ctx context.Context, req SOSRequest) (*StartResult, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.CallNumber) == "" {
		return nil, fmt.Errorf("%w: call number is required", ErrInvalidRequest)
	}
	threats := req.NumberOfThreats
	if threats < 0 {
		threats = 0
	}

	sess := &models.Session{
		ID:                req.SessionID,
		Situation:         req.Situation,
		Location:          req.Location,
		NumberOfThreats:   threats,
		LocationLat:       req.LocationLat,
		LocationLong:      req.LocationLong,
		CallNumber:        strings.TrimSpace(req.CallNumber),
		EmergencyContacts: models.JoinContacts(req.Contact1, req.Contact2),
		CallState:         string(StateCreated),
		AIGuideEnabled:    req.AIGuideEnabled,
	}
	created, err := o.store.CreateSession(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("callflow: start session: %w", err)
	}
	log := o.log.With("session_id", sess.ID)
	if !created {
		log.Info().Msg("session already exists, skipping call placement")
		existing, err := o.store.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("callflow: start session: %w", err)
		}
		res := &StartResult{Status: existing.CallStatus}
		if existing.CallSID != nil {
			res.CallSID = *existing.CallSID
		}
		return res, nil
	}

	summary := o.assistant.Summarize(ctx, completion.Incident{
		Situation:       sess.Situation,
		Location:        sess.Location,
		NumberOfThreats: sess.NumberOfThreats,
	})
	opening := []*models.Message{
		{SessionID: sess.ID, Sender: models.SenderUser, SourceType: models.SourceUser, Body: sess.Situation, SentToResponder: true},
		{SessionID: sess.ID, Sender: models.SenderUser, SourceType: models.SourceAI, Body: summary, SentToResponder: true},
	}
	for _, m := range opening {
		if err := o.store.AppendMessage(ctx, m); err != nil {
			return nil, fmt.Errorf("callflow: start session: %w", err)
		}
	}

	call, err := o.phone.PlaceCall(ctx, telephony.CallRequest{
		To:             sess.CallNumber,
		ScriptURL:      o.policy.Callbacks.Voice(sess.ID, summary),
		StatusCallback: o.policy.Callbacks.Status(),
		TimeLimitSec:   int(o.policy.MaxCallDuration / time.Second),
	})
	o.metrics.CallPlaced(err)
	if err != nil {
		log.Error().Err(err).Msg("call placement failed")
		o.failCall(ctx, sess.ID, "Emergency call could not be placed.")
		return nil, fmt.Errorf("callflow: place call: %w", err)
	}

	status, ok := telephony.NormalizeStatus(call.Status)
	if !ok {
		status = models.CallQueued
	}
	if err := o.store.SetCallSID(ctx, sess.ID, call.SID, status); err != nil {
		return nil, fmt.Errorf("callflow: start session: %w", err)
	}
	if next, err := Next(StateCreated, EventCallPlaced); err == nil {
		if _, err := o.store.SetCallState(ctx, sess.ID, string(next)); err != nil {
			log.Warn().Err(err).Msg("persist call state")
		}
	}
	log.Info().Str("call_sid", call.SID).Str("status", status).Msg("call placed")

	if sess.HasContacts() {
		o.enqueue(ctx, models.KindEscalationImmediate, sess.ID)
	}
	return &StartResult{Created: true, CallSID: call.SID, Status: status}, nil
}

func (o *Orchestrator) failCall(ctx context.Context, id, note string) {
	log := o.log.With("session_id", id)
	if _, err := o.store.SetCallStatus(ctx, id, models.CallFailed); err != nil {
		log.Warn().Err(err).Msg("mark call failed")
	}
	if _, err := o.store.SetCallState(ctx, id, string(StateFailed)); err != nil {
		log.Warn().Err(err).Msg("mark call state failed")
	}
	if err := o.store.AppendMessage(ctx, &models.Message{
		SessionID: id, Sender: models.SenderSystem, SourceType: models.SourceSystem, Body: note,
	}); err != nil {
		log.Warn().Err(err).Msg("append failure note")
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, kind, sessionID string) {
	if o.outbox == nil {
		return
	}
	queued, err := o.outbox.Enqueue(ctx, kind, sessionID)
	if err != nil {
		o.log.Error().Err(err).Str("session_id", sessionID).Str("kind", kind).Msg("enqueue escalation")
		return
	}
	if queued {
		o.log.Debug().Str("session_id", sessionID).Str("kind", kind).Msg("escalation queued")
	}
}

// apply performs a plan's effects in order and persists its state. It
// stops at the first effect that fails.
func (o *Orchestrator) apply(ctx context.Context, sess *models.Session, plan Plan) error {
	log := o.log.With("session_id", sess.ID)
	if plan.Anomaly != nil {
		log.Warn().Err(plan.Anomaly).Msg("out of order callback")
	}
	for _, eff := range plan.Effects {
		switch eff.Kind {
		case EffectSetProcessing:
			if err := o.store.SetProcessingStatus(ctx, sess.ID, eff.Processing); err != nil {
				return err
			}
			sess.ResponderProcessingStatus = eff.Processing
		case EffectSetStatus:
			changed, err := o.store.SetCallStatus(ctx, sess.ID, eff.Status)
			if err != nil {
				return err
			}
			if changed {
				sess.CallStatus = eff.Status
			}
		case EffectAppendMessage:
			msg := *eff.Message
			if err := o.store.AppendMessage(ctx, &msg); err != nil {
				return err
			}
		case EffectMarkSent:
			if err := o.store.MarkSent(ctx, eff.MessageID); err != nil {
				return err
			}
		case EffectEnqueue:
			o.enqueue(ctx, eff.OutboxKind, sess.ID)
		}
	}
	if plan.State != "" && string(plan.State) != sess.CallState {
		changed, err := o.store.SetCallState(ctx, sess.ID, string(plan.State))
		if err != nil {
			return err
		}
		if changed {
			sess.CallState = string(plan.State)
		}
	}
	return nil
}

func (o *Orchestrator) session(ctx context.Context, id string) *models.Session {
	if id == "" {
		return nil
	}
	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.log.Error().Err(err).Str("session_id", id).Msg("load session")
		}
		return nil
	}
	return sess
}

// VoiceScript is served when the call connects: the summary, then a recording.
func (o *Orchestrator) VoiceScript(ctx context.Context, sessionID, summary string) telephony.Script {
	sess := o.session(ctx, sessionID)
	plan := PlanVoice(o.policy, sess, summary)
	if sess != nil {
		if err := o.apply(ctx, sess, plan); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("voice script state")
		}
	}
	return plan.Script
}

// HandleRecording runs one turn: transcribe the responder, store the
// transcript, and either answer as the victim or put the line on hold.
// It always returns a script.
func (o *Orchestrator) HandleRecording(ctx context.Context, sessionID, recordingURL, formStatus string) telephony.Script {
	sess := o.session(ctx, sessionID)
	plan := PlanRecording(o.policy, sess, formStatus)
	if sess == nil {
		return plan.Script
	}
	log := o.log.With("session_id", sess.ID)
	if err := o.apply(ctx, sess, plan); err != nil {
		return o.turnFailed(ctx, sess, fmt.Errorf("start turn: %w", err))
	}
	if plan.Script != nil {
		log.Info().Str("call_status", sess.CallStatus).Str("form_status", formStatus).Msg("recording for inactive call refused")
		return plan.Script
	}

	transcript, err := o.stt.TranscribeRecording(ctx, recordingURL)
	if err != nil {
		return o.turnFailed(ctx, sess, err)
	}
	log.Info().Int("chars", len(transcript)).Msg("responder transcribed")

	plan = PlanTranscript(o.policy, sess, transcript)
	if err := o.apply(ctx, sess, plan); err != nil {
		return o.turnFailed(ctx, sess, err)
	}
	if plan.Script != nil {
		return plan.Script
	}

	msgs, err := o.store.UserMessages(ctx, sess.ID)
	if err != nil {
		return o.turnFailed(ctx, sess, err)
	}
	bodies := make([]string, 0, len(msgs))
	for _, m := range msgs {
		bodies = append(bodies, m.Body)
	}
	reply, err := o.assistant.Impersonate(ctx, transcript, bodies)
	if err != nil {
		return o.turnFailed(ctx, sess, err)
	}
	log.Info().Str("reply", reply.Kind.String()).Msg("reply decided")

	plan = PlanReply(o.policy, sess, reply)
	if err := o.apply(ctx, sess, plan); err != nil {
		return o.turnFailed(ctx, sess, err)
	}
	return plan.Script
}

func (o *Orchestrator) turnFailed(ctx context.Context, sess *models.Session, cause error) telephony.Script {
	o.log.Error().Err(cause).Str("session_id", sess.ID).Msg("turn failed")
	plan := PlanTurnFailure(o.policy, sess)
	if err := o.apply(ctx, sess, plan); err != nil {
		o.log.Error().Err(err).Str("session_id", sess.ID).Msg("reset after failed turn")
	}
	return plan.Script
}

// CheckResponse is the wait-poll: speak the oldest unsent victim message
// and record again, or keep holding.
func (o *Orchestrator) CheckResponse(ctx context.Context, sessionID string) telephony.Script {
	sess := o.session(ctx, sessionID)
	if sess == nil {
		return PlanCheck(o.policy, nil, nil, o.now()).Script
	}
	log := o.log.With("session_id", sess.ID)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		msg, err := o.store.OldestUnsentUserMessage(ctx, sess.ID)
		if errors.Is(err, store.ErrNotFound) {
			msg, err = nil, nil
		}
		if err != nil {
			log.Error().Err(err).Msg("read pending messages")
			return o.policy.waitScript(sess.ID, LineNoResponse)
		}
		plan := PlanCheck(o.policy, sess, msg, o.now())
		err = o.apply(ctx, sess, plan)
		if errors.Is(err, store.ErrAlreadySent) {
			log.Debug().Uint("message_id", msg.ID).Msg("message claimed elsewhere, re-reading")
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("check response")
			return o.policy.waitScript(sess.ID, LineNoResponse)
		}
		if msg != nil {
			log.Info().Uint("message_id", msg.ID).Msg("victim message relayed")
		}
		return plan.Script
	}
	return o.policy.waitScript(sess.ID, LineNoResponse)
}

// UpdateStatus records a provider status callback. Unknown calls and
// statuses are ignored.
func (o *Orchestrator) UpdateStatus(ctx context.Context, callSID, rawStatus string) error {
	if callSID == "" {
		return fmt.Errorf("%w: call sid is required", ErrInvalidRequest)
	}
	sess, err := o.store.GetSessionByCallSID(ctx, callSID)
	if err != nil {
		return fmt.Errorf("callflow: update status: %w", err)
	}
	plan, ok := PlanStatus(sess, rawStatus)
	if !ok {
		o.log.Debug().Str("call_sid", callSID).Str("status", rawStatus).Msg("ignoring unknown call status")
		return nil
	}
	if err := o.apply(ctx, sess, plan); err != nil {
		return fmt.Errorf("callflow: update status: %w", err)
	}
	o.log.Info().Str("session_id", sess.ID).Str("status", sess.CallStatus).Str("state", sess.CallState).Msg("call status")
	return nil
}

// HangupResult reports the outcome of Hangup.
type HangupResult struct {
	Status       string
	AlreadyEnded bool
}

// Hangup ends the call at the victim's request. Ending a call that has
// already ended succeeds without contacting the provider.
func (o *Orchestrator) Hangup(ctx context.Context, sessionID string) (*HangupResult, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("callflow: hangup: %w", err)
	}
	if sess.CallSID == nil || *sess.CallSID == "" {
		return nil, fmt.Errorf("callflow: hangup %s: %w", sessionID, ErrNoActiveCall)
	}
	if sess.Terminal() {
		return &HangupResult{Status: sess.CallStatus, AlreadyEnded: true}, nil
	}
	if err := o.phone.EndCall(ctx, *sess.CallSID); err != nil {
		return nil, fmt.Errorf("callflow: hangup %s: %w", sessionID, err)
	}
	o.endCall(ctx, sess, "Emergency call ended by user")
	return &HangupResult{Status: models.CallCompleted}, nil
}

func (o *Orchestrator) endCall(ctx context.Context, sess *models.Session, note string) {
	plan := Plan{
		Effects: []Effect{
			{Kind: EffectSetStatus, Status: models.CallCompleted},
			setProcessing(models.ProcessingIdle),
			{Kind: EffectAppendMessage, Message: &models.Message{
				SessionID: sess.ID, Sender: models.SenderSystem, SourceType: models.SourceSystem, Body: note,
			}},
		},
	}
	plan.transition(sessionState(sess), EventCallEnded)
	if err := o.apply(ctx, sess, plan); err != nil {
		o.log.Error().Err(err).Str("session_id", sess.ID).Msg("record call end")
	}
}

// ReapStale force-ends calls that outlived the maximum call duration. It
// returns how many calls were ended.
func (o *Orchestrator) ReapStale(ctx context.Context) (int, error) {
	if o.policy.MaxCallDuration <= 0 {
		return 0, nil
	}
	stale, err := o.store.StaleCalls(ctx, o.now().Add(-o.policy.MaxCallDuration))
	if err != nil {
		return 0, fmt.Errorf("callflow: reap: %w", err)
	}
	ended := 0
	for i := range stale {
		sess := &stale[i]
		if sess.CallSID != nil {
			if err := o.phone.EndCall(ctx, *sess.CallSID); err != nil {
				o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("end stale call")
			}
		}
		o.endCall(ctx, sess, "Emergency call ended after reaching the time limit")
		ended++
	}
	if ended > 0 {
		o.log.Info().Int("count", ended).Msg("stale calls ended")
	}
	return ended, nil
}
