// Package notify delivers operator notifications. The Telegram notifier is
// the production path; the log notifier is the fallback when no chat is
// configured.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"mqrunner/pkg/logx"
)

// TelegramConfig configures chat delivery of health reports.
type TelegramConfig struct {
	Token  string
	ChatID int64
	// Prefix is prepended to every message, typically the app name.
	Prefix string
	// RatePerMin caps outgoing sends. Zero means the default of 20.
	RatePerMin int
}

// Telegram sends operator notifications to a single chat, throttled so a
// misbehaving reporter cannot flood the operators.
type Telegram struct {
	bot     *tele.Bot
	chat    *tele.Chat
	prefix  string
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: telegram chat id is required")
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 20
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: creating telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Telegram{
		bot:     bot,
		chat:    &tele.Chat{ID: cfg.ChatID},
		prefix:  strings.TrimSpace(cfg.Prefix),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 3),
		log:     log.With(logx.String("component", "notify")),
	}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: throttled send cancelled: %w", err)
	}
	if t.prefix != "" {
		text = t.prefix + " | " + text
	}
	if _, err := t.bot.Send(t.chat, text); err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	t.log.Debug("notification sent", logx.Int64("chat_id", t.chat.ID))
	return nil
}

// Log is a Notifier that writes reports to the log. Used when no chat
// delivery is configured, so health reports are never silently dropped.
type Log struct {
	Logger logx.Logger
}

func (l Log) Notify(ctx context.Context, text string) error {
	l.Logger.Info("health report", logx.String("report", text))
	return nil
}
