package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// Sender отправляет сообщения Bot API.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier отправляет отчёты в чат операторов.
type Notifier struct {
	bot    Sender
	chatID int64
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier создаёт уведомителя.
func NewNotifier(bot Sender, chatID int64) *Notifier {
	return &Notifier{bot: bot, chatID: chatID}
}

// Notify отправляет текст, разбивая его на части по лимиту Telegram.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	for _, part := range SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(n.chatID, part)
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
