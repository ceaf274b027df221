package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// telegramBot abstracts the go-telegram/bot methods we use.
type telegramBot interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Telegram sends alerts as plain messages to one chat.
type Telegram struct {
	bot    telegramBot
	chatID any
}

// TelegramOpts holds parameters for creating a Telegram notifier.
type TelegramOpts struct {
	BotToken string
	ChatID   string // numeric chat ID or @channelname
	// For testing: inject a mock bot.
	Bot telegramBot
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(opts TelegramOpts) (*Telegram, error) {
	if opts.Bot == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("notify: telegram bot token is required")
	}
	if opts.ChatID == "" {
		return nil, fmt.Errorf("notify: telegram chat is required")
	}
	b := opts.Bot
	if b == nil {
		tb, err := bot.New(opts.BotToken, bot.WithSkipGetMe())
		if err != nil {
			return nil, fmt.Errorf("notify: telegram bot: %w", err)
		}
		b = tb
	}
	return &Telegram{bot: b, chatID: parseChatID(opts.ChatID)}, nil
}

func parseChatID(s string) any {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id
	}
	return s
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   PlainText(a),
	})
	if err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	return nil
}
