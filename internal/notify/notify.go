// Package notify mirrors escalation alerts to operator chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/whisprnet/internal/config"
	"github.com/zulandar/whisprnet/internal/logging"
)

// Severity colors for channel attachments.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Alert is an escalation as shown to operators.
type Alert struct {
	SessionID string
	Title     string // e.g. "SOS triggered"
	Body      string // the text sent to contacts
	Severity  string // "info", "warning", "error"
	Link      string // live view URL
	Fields    []Field
}

// Field is a key-value pair displayed with an alert.
type Field struct {
	Name  string
	Value string
}

// Notifier delivers alerts to one operator channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

func severityColor(severity string) string {
	switch severity {
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// PlainText renders an alert for channels without rich formatting.
func PlainText(a Alert) string {
	var b strings.Builder
	b.WriteString(a.Title)
	if a.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", a.SessionID)
	}
	b.WriteString("\n")
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}
	if a.Body != "" {
		b.WriteString("\n")
		b.WriteString(a.Body)
		b.WriteString("\n")
	}
	if a.Link != "" {
		b.WriteString(a.Link)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Mirror fans an alert out to every configured channel. Failures are
// logged and joined; one channel failing does not stop the others.
type Mirror struct {
	notifiers []Notifier
	log       *logging.Logger
}

// NewMirror creates a Mirror over notifiers.
func NewMirror(log *logging.Logger, notifiers ...Notifier) *Mirror {
	if log == nil {
		log = logging.Nop()
	}
	return &Mirror{notifiers: notifiers, log: log}
}

// Len returns the number of configured channels.
func (m *Mirror) Len() int {
	if m == nil {
		return 0
	}
	return len(m.notifiers)
}

// Notify sends alert to every channel.
func (m *Mirror) Notify(ctx context.Context, alert Alert) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			m.log.Warn().Err(err).Str("channel", n.Name()).Str("session_id", alert.SessionID).Msg("ops mirror failed")
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds a Mirror from the channels that have both a token and
// a channel ID.
func FromConfig(cfg config.OpsConfig, log *logging.Logger) (*Mirror, error) {
	var notifiers []Notifier
	if cfg.Slack.BotToken != "" && cfg.Slack.ChannelID != "" {
		n, err := NewSlack(SlackOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Discord.BotToken != "" && cfg.Discord.ChannelID != "" {
		n, err := NewDiscord(DiscordOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChannelID != "" {
		n, err := NewTelegram(TelegramOpts{BotToken: cfg.Telegram.BotToken, ChatID: cfg.Telegram.ChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return NewMirror(log, notifiers...), nil
}
