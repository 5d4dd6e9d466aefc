package notify

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Telegram sends operator alerts to a single admin chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegram authorizes the bot against endpoint, which defaults to the
// public Bot API.
func NewTelegram(token string, chatID int64, endpoint string, httpClient *http.Client, log *zap.Logger) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	log.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))
	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

func (t *Telegram) NotifyAdmin(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.log.Warn("admin notification failed", zap.Error(err))
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogNotifier stands in when Telegram is not configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) NotifyAdmin(_ context.Context, text string) error {
	n.Log.Warn("admin notification", zap.String("text", text))
	return nil
}
