// Package escalation texts a victim's emergency contacts: once when the SOS
// is triggered, and once more when the chat names who, what and where.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/whisprnet/internal/completion"
	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/metrics"
	"github.com/zulandar/whisprnet/internal/models"
	"github.com/zulandar/whisprnet/internal/notify"
	"github.com/zulandar/whisprnet/internal/store"
)

// Stage names used for metrics and alerts.
const (
	StageImmediate  = "immediate"
	StageContextual = "contextual"
)

// Result statuses.
const (
	StatusSent    = "sent"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Result reports what an escalation stage did.
type Result struct {
	Status  string   `json:"status"`
	Reason  string   `json:"reason,omitempty"`
	Summary string   `json:"summary,omitempty"`
	SentTo  []string `json:"sent_to,omitempty"`
}

func skipped(reason string) *Result {
	return &Result{Status: StatusSkipped, Reason: reason}
}

// SMSSender delivers one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// Judge decides whether a transcript is specific enough to escalate.
type Judge interface {
	JudgeEscalation(ctx context.Context, transcript []string, location string) (completion.Verdict, error)
}

// Engine runs both escalation stages.
type Engine struct {
	store    *store.Store
	sms      SMSSender
	judge    Judge
	mirror   *notify.Mirror
	liveView func(sessionID string) string
	log      *logging.Logger
	metrics  *metrics.Collector
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Store    *store.Store
	SMS      SMSSender
	Judge    Judge
	Mirror   *notify.Mirror // optional operator channels
	LiveView func(sessionID string) string
	Log      *logging.Logger
	Metrics  *metrics.Collector
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.Store == nil || opts.SMS == nil || opts.Judge == nil {
		return nil, fmt.Errorf("escalation: store, sms sender and judge are required")
	}
	if opts.LiveView == nil {
		return nil, fmt.Errorf("escalation: live view link builder is required")
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	return &Engine{
		store:    opts.Store,
		sms:      opts.SMS,
		judge:    opts.Judge,
		mirror:   opts.Mirror,
		liveView: opts.LiveView,
		log:      opts.Log,
		metrics:  opts.Metrics,
	}, nil
}

// ImmediateMessage renders the first alert sent to contacts.
func ImmediateMessage(sess *models.Session, link string) string {
	location := orDefault(sess.Location, "Unknown")
	situation := orDefault(sess.Situation, "N/A")
	var b strings.Builder
	b.WriteString("🚨 Emergency Alert 🚨\n")
	b.WriteString("A user you know has triggered a silent SOS from their device. ")
	b.WriteString("A voice call has been placed to emergency services. ")
	b.WriteString("You'll be notified with more details shortly.\n\n")
	b.WriteString("Incident Details:-\n\n")
	fmt.Fprintf(&b, "Location: %s\n", location)
	fmt.Fprintf(&b, "Threats reported: %d\n", sess.NumberOfThreats)
	fmt.Fprintf(&b, "Situation reported: %s\n\n", situation)
	fmt.Fprintf(&b, "See the Live Chat here - %s", link)
	return b.String()
}

// ContextualMessage renders the follow-up alert from the judge's summary.
func ContextualMessage(summary, link string) string {
	return strings.TrimSpace(summary) + "\n\nView live chat: " + link
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Immediate sends the first alert to every contact. It fails only when no
// contact could be reached, so a retry cannot double-text anyone who got it.
func (e *Engine) Immediate(ctx context.Context, sessionID string) (*Result, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("escalation: immediate: %w", err)
	}
	contacts := models.SplitContacts(sess.EmergencyContacts)
	if len(contacts) == 0 {
		return skipped("no emergency contacts"), nil
	}

	body := ImmediateMessage(sess, e.liveView(sess.ID))
	sent := e.send(ctx, StageImmediate, sess.ID, contacts, body)
	if len(sent) == 0 {
		return nil, fmt.Errorf("escalation: immediate %s: no contact could be reached", sess.ID)
	}

	e.mirrorAlert(ctx, sess, notify.Alert{
		Title:    "SOS triggered",
		Body:     body,
		Severity: "error",
	}, sent)
	return &Result{Status: StatusSent, SentTo: sent}, nil
}

// Contextual asks the judge whether the chat now names the victim, the
// emergency and a specific location, and if so texts the judge's summary.
// It fires at most once per session. Judge and provider errors are
// returned for retry; a negative or unparseable verdict is a skip.
func (e *Engine) Contextual(ctx context.Context, sessionID string) (*Result, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("escalation: contextual: %w", err)
	}
	contacts := models.SplitContacts(sess.EmergencyContacts)
	if len(contacts) == 0 {
		return skipped("no emergency contacts"), nil
	}
	if sess.FinalSMSSent {
		return skipped("contextual alert already sent"), nil
	}

	msgs, err := e.store.Messages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("escalation: contextual: %w", err)
	}
	if len(msgs) == 0 {
		return skipped("no messages"), nil
	}
	transcript := make([]string, 0, len(msgs))
	for _, m := range msgs {
		transcript = append(transcript, m.Body)
	}

	verdict, err := e.judge.JudgeEscalation(ctx, transcript, sess.Location)
	if err != nil {
		return nil, fmt.Errorf("escalation: contextual %s: %w", sess.ID, err)
	}
	if !verdict.Valid {
		e.log.Info().Str("session_id", sess.ID).Str("reason", verdict.Reason).Msg("contextual alert not warranted yet")
		return &Result{Status: StatusSkipped, Reason: verdict.Reason}, nil
	}

	if err := e.store.ClaimFinalSMS(ctx, sess.ID); err != nil {
		if errors.Is(err, store.ErrLatchHeld) {
			return skipped("contextual alert already sent"), nil
		}
		return nil, fmt.Errorf("escalation: contextual %s: %w", sess.ID, err)
	}

	body := ContextualMessage(verdict.Summary, e.liveView(sess.ID))
	sent := e.send(ctx, StageContextual, sess.ID, contacts, body)
	res := &Result{Status: StatusSent, Summary: verdict.Summary, SentTo: sent}
	if len(sent) == 0 {
		// The latch is already held; retrying would only skip.
		res.Status = StatusFailed
		res.Reason = "no contact could be reached"
		e.log.Error().Str("session_id", sess.ID).Msg("contextual alert reached no contacts")
	}

	e.mirrorAlert(ctx, sess, notify.Alert{
		Title:    "Contextual alert " + res.Status,
		Body:     body,
		Severity: "warning",
	}, sent)
	return res, nil
}

// send texts every contact and returns those that accepted the message.
func (e *Engine) send(ctx context.Context, stage, sessionID string, contacts []string, body string) []string {
	var sent []string
	for _, to := range contacts {
		_, err := e.sms.SendSMS(ctx, to, body)
		e.metrics.SMS(stage, err)
		if err != nil {
			e.log.Warn().Err(err).Str("session_id", sessionID).Str("stage", stage).Str("to", to).Msg("sms failed")
			continue
		}
		sent = append(sent, to)
	}
	e.log.Info().Str("session_id", sessionID).Str("stage", stage).Int("sent", len(sent)).Int("contacts", len(contacts)).Msg("escalation sms")
	return sent
}

func (e *Engine) mirrorAlert(ctx context.Context, sess *models.Session, alert notify.Alert, sent []string) {
	if e.mirror.Len() == 0 {
		return
	}
	alert.SessionID = sess.ID
	alert.Link = e.liveView(sess.ID)
	alert.Fields = []notify.Field{
		{Name: "Location", Value: orDefault(sess.Location, "Unknown")},
		{Name: "Threats", Value: strconv.Itoa(sess.NumberOfThreats)},
		{Name: "Contacts reached", Value: strconv.Itoa(len(sent))},
	}
	// Mirror logs its own failures.
	_ = e.mirror.Notify(ctx, alert)
}
