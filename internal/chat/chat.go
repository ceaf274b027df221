// Package chat is the text side of a session: the victim's transcript, the
// messages they type, and the read-only live view observers watch.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/whisprnet/internal/completion"
	"github.com/zulandar/whisprnet/internal/feed"
	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/models"
	"github.com/zulandar/whisprnet/internal/store"
)

// ErrEmptyMessage is returned by Post for a blank message.
var ErrEmptyMessage = errors.New("chat: message is empty")

// Update types pushed to watchers.
const (
	UpdateSession = "session"
	UpdateMessage = "message"
)

// SessionView is the observer-safe projection of a session. Contact
// numbers and the dialled number are left out.
type SessionView struct {
	ID               string    `json:"session_id"`
	Situation        string    `json:"situation"`
	Location         string    `json:"location"`
	NumberOfThreats  int       `json:"number_of_threats"`
	LocationLat      *float64  `json:"location_lat,omitempty"`
	LocationLong     *float64  `json:"location_long,omitempty"`
	CallStatus       string    `json:"call_status"`
	CallState        string    `json:"call_state"`
	ProcessingStatus string    `json:"responder_processing_status"`
	AIGuideEnabled   bool      `json:"ai_guide_enabled"`
	FinalSMSSent     bool      `json:"final_sms_sent"`
	CreatedAt        time.Time `json:"created_at"`
}

// MessageView is one transcript entry.
type MessageView struct {
	ID              uint      `json:"id"`
	Sender          string    `json:"sender"`
	SourceType      string    `json:"source_type"`
	Body            string    `json:"message"`
	SentToResponder bool      `json:"sent_to_responder"`
	CreatedAt       time.Time `json:"created_at"`
}

// View is a session with its visible transcript.
type View struct {
	Session  SessionView   `json:"session"`
	Messages []MessageView `json:"messages"`
}

// Update is one change pushed to a watcher.
type Update struct {
	Type    string       `json:"type"`
	Session *SessionView `json:"session,omitempty"`
	Message *MessageView `json:"message,omitempty"`
}

// Bridge reads and writes the chat side of sessions.
type Bridge struct {
	store  *store.Store
	broker *feed.Broker
	log    *logging.Logger
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	Store  *store.Store
	Broker *feed.Broker // nil disables Watch
	Log    *logging.Logger
}

// New creates a Bridge.
func New(opts Opts) (*Bridge, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("chat: store is required")
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	return &Bridge{store: opts.Store, broker: opts.Broker, log: opts.Log}, nil
}

// NewSessionView projects a session row.
func NewSessionView(s *models.Session) SessionView {
	return SessionView{
		ID:               s.ID,
		Situation:        s.Situation,
		Location:         s.Location,
		NumberOfThreats:  s.NumberOfThreats,
		LocationLat:      s.LocationLat,
		LocationLong:     s.LocationLong,
		CallStatus:       s.CallStatus,
		CallState:        s.CallState,
		ProcessingStatus: s.ResponderProcessingStatus,
		AIGuideEnabled:   s.AIGuideEnabled,
		FinalSMSSent:     s.FinalSMSSent,
		CreatedAt:        s.CreatedAt,
	}
}

// NewMessageView projects a message row.
func NewMessageView(m *models.Message) MessageView {
	return MessageView{
		ID:              m.ID,
		Sender:          m.Sender,
		SourceType:      m.SourceType,
		Body:            m.Body,
		SentToResponder: m.SentToResponder,
		CreatedAt:       m.CreatedAt,
	}
}

// visible hides refusal lines stored by older deployments. Text the victim
// typed is always shown.
func visible(m *models.Message) bool {
	return m.SourceType == models.SourceUser || !completion.IsRefusal(m.Body)
}

// Transcript returns the session's messages in order, refusal lines removed.
func (b *Bridge) Transcript(ctx context.Context, sessionID string) ([]MessageView, error) {
	if _, err := b.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := b.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		if visible(&msgs[i]) {
			out = append(out, NewMessageView(&msgs[i]))
		}
	}
	return out, nil
}

// Post appends a victim-typed message. It is queued for the responder
// until a check-response turn speaks it.
func (b *Bridge) Post(ctx context.Context, sessionID, body string) (*MessageView, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		SessionID:  sess.ID,
		Sender:     models.SenderUser,
		SourceType: models.SourceUser,
		Body:       body,
	}
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	if sess.Terminal() {
		b.log.Info().Str("session_id", sess.ID).Msg("message posted after call ended")
	}
	v := NewMessageView(msg)
	return &v, nil
}

// SetAIGuide turns impersonation on or off and returns the updated session.
func (b *Bridge) SetAIGuide(ctx context.Context, sessionID string, enabled bool) (*SessionView, error) {
	if err := b.store.SetAIGuide(ctx, sessionID, enabled); err != nil {
		return nil, err
	}
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	v := NewSessionView(sess)
	return &v, nil
}

// View returns the session and its visible transcript.
func (b *Bridge) View(ctx context.Context, sessionID string) (*View, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := b.Transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &View{Session: NewSessionView(sess), Messages: msgs}, nil
}

// Watch subscribes to a session's row changes. The caller closes the
// subscription and passes its events to Resolve.
func (b *Bridge) Watch(ctx context.Context, sessionID string) (*feed.Subscription, error) {
	if b.broker == nil {
		return nil, fmt.Errorf("chat: live updates are not enabled")
	}
	if _, err := b.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return b.broker.Subscribe(sessionID), nil
}

// Resolve re-reads the row behind ev. It returns nil for events a watcher
// should not see.
func (b *Bridge) Resolve(ctx context.Context, ev feed.Event) (*Update, error) {
	switch ev.Table {
	case feed.TableSessions:
		sess, err := b.store.GetSession(ctx, ev.SessionID)
		if err != nil {
			return nil, err
		}
		v := NewSessionView(sess)
		return &Update{Type: UpdateSession, Session: &v}, nil
	case feed.TableMessages:
		if ev.MessageID == 0 {
			return nil, nil
		}
		msg, err := b.store.GetMessage(ctx, ev.MessageID)
		if err != nil {
			return nil, err
		}
		if !visible(msg) {
			return nil, nil
		}
		v := NewMessageView(msg)
		return &Update{Type: UpdateMessage, Message: &v}, nil
	}
	return nil, nil
}
