package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"intake/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotSender is the part of tgbotapi.BotAPI the alerter needs.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts ops alerts to manager chats.
type TelegramAlerter struct {
	bot     BotSender
	chatIDs []int64
}

func NewTelegramAlerter(bot BotSender, chatIDs []int64) *TelegramAlerter {
	return &TelegramAlerter{bot: bot, chatIDs: chatIDs}
}

// NewTelegramBot connects to the Bot API with the given token.
func NewTelegramBot(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

// Alert sends text to every configured chat. Errors from individual chats
// are joined.
func (a *TelegramAlerter) Alert(ctx context.Context, text string) error {
	if a == nil || a.bot == nil || len(a.chatIDs) == 0 {
		return fmt.Errorf("telegram: %w", ErrNotConfigured)
	}

	var errs []error
	for _, chatID := range a.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := a.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// PartialBookingAlert describes a booking the pipeline could not finish.
func PartialBookingAlert(labels ServiceLabels, bookingRef string, p models.NotificationPayload) string {
	req := p.Request
	lines := []string{
		"⚠️ Partial booking needs reconciliation",
		fmt.Sprintf("Service: %s", labels.Label(req.Service.Type)),
		strings.TrimSpace(fmt.Sprintf("Customer: %s %s", req.Customer.FirstName, req.Customer.LastName)),
		"Phone: " + orNA(req.Customer.Phone),
		"Source: " + orNA(req.Source),
	}
	if bookingRef != "" {
		lines = append(lines, "Ref: "+bookingRef)
	}
	if r := p.Result; r != nil {
		lines = append(lines,
			"Failed step: "+orNA(r.FailedStep),
			"Customer ID: "+idOrUnknown(r.CustomerID),
			"Estimate ID: "+idOrUnknown(r.EstimateID),
			"Calendar task ID: "+idOrUnknown(r.CalendarTaskID),
		)
		if r.Error != "" {
			lines = append(lines, "Error: "+r.Error)
		}
	}
	return strings.Join(lines, "\n")
}
