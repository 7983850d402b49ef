package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
	"github.com/speedwagon-io/tankwatch/internal/tank"
)

// Bot is the part of tgbotapi.BotAPI the sender needs.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetMe() (tgbotapi.User, error)
}

// TelegramSender delivers the rendered report to a fixed set of chats.
type TelegramSender struct {
	log     *slog.Logger
	bot     Bot
	chatIDs []int64
}

// NewTelegramBot authorizes against the Bot API.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return bot, nil
}

func NewTelegramSender(log *slog.Logger, bot Bot, chatIDs []int64) *TelegramSender {
	return &TelegramSender{
		log:     log,
		bot:     bot,
		chatIDs: chatIDs,
	}
}

func (s *TelegramSender) Name() string {
	return "telegram"
}

func (s *TelegramSender) Send(ctx context.Context, report *model.Report) error {
	text := formatTelegram(report)

	var errs []error
	for _, chatID := range s.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := s.bot.Send(msg); err != nil {
			s.log.Warn("failed to send telegram message",
				slog.Int64("chat_id", chatID),
				sl.Err(err),
			)
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}

	return errors.Join(errs...)
}

// Health asks the Bot API who we are, which fails on a revoked token or an
// unreachable API.
func (s *TelegramSender) Health(ctx context.Context) error {
	if s.bot == nil {
		return errors.New("telegram bot is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.bot.GetMe(); err != nil {
		return fmt.Errorf("telegram bot unreachable: %w", err)
	}
	return nil
}

func formatTelegram(report *model.Report) string {
	text := report.Render()

	var low []string
	for _, l := range report.Tanks {
		if l.Band == tank.BandLow {
			low = append(low, l.Tag)
		}
	}
	if len(low) > 0 {
		text += fmt.Sprintf("Low capacity (30%% or less): %v\n", low)
	}

	return text
}
