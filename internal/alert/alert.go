// Package alert notifies operators about degraded admission and browser
// capacity.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	telebot "gopkg.in/telebot.v3"

	apperrors "github.com/Proton-105/pagecapture/internal/errors"
)

// Kind groups alerts for cooldown purposes.
type Kind string

const (
	KindFailOpen      Kind = "fail_open"
	KindPoolExhausted Kind = "pool_exhausted"
)

// Sender delivers a rendered alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// TelegramSender posts alerts to one chat.
type TelegramSender struct {
	bot  *telebot.Bot
	chat *telebot.Chat
}

// NewTelegramSender builds an offline bot: it only sends and never polls.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telebot: %w", err)
	}
	return &TelegramSender{bot: tb, chat: &telebot.Chat{ID: chatID}}, nil
}

func (s *TelegramSender) Send(_ context.Context, text string) error {
	_, err := s.bot.Send(s.chat, text, telebot.NoPreview)
	return err
}

// Notifier sends at most one alert per kind per cooldown.
type Notifier struct {
	sender   Sender
	service  string
	cooldown time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[Kind]time.Time
}

func NewNotifier(sender Sender, service string, cooldown time.Duration, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Notifier{
		sender:   sender,
		service:  service,
		cooldown: cooldown,
		log:      log,
		now:      time.Now,
		last:     make(map[Kind]time.Time),
	}
}

// WithClock replaces the time source.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	n.now = now
	return n
}

// Notify sends text unless an alert of the same kind went out within the
// cooldown. It reports whether the alert was sent.
func (n *Notifier) Notify(ctx context.Context, kind Kind, text string) bool {
	if n == nil || n.sender == nil {
		return false
	}

	n.mu.Lock()
	now := n.now()
	if last, ok := n.last[kind]; ok && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		return false
	}
	n.last[kind] = now
	n.mu.Unlock()

	msg := fmt.Sprintf("[%s] %s\n%s", n.service, kind, text)
	if err := n.sender.Send(ctx, msg); err != nil {
		n.log.Error("failed to send alert", slog.String("kind", string(kind)), slog.Any("error", err))
		return false
	}
	n.log.Info("alert sent", slog.String("kind", string(kind)))
	return true
}

// BreakerHook alerts when the coordination-store breaker opens, which is when
// the fail policy starts deciding admissions.
func (n *Notifier) BreakerHook(store, policy string) func(from, to apperrors.State) {
	return func(from, to apperrors.State) {
		if to != apperrors.StateOpen {
			return
		}
		text := fmt.Sprintf("%s circuit %s -> %s, admissions now follow fail policy %q", store, from, to, policy)
		go n.Notify(context.Background(), KindFailOpen, text)
	}
}

// PoolExhaustedHook alerts when the browser pool gives up launching.
func (n *Notifier) PoolExhaustedHook() func(err error) {
	return func(err error) {
		go n.Notify(context.Background(), KindPoolExhausted, fmt.Sprintf("browser launch retries exhausted: %v", err))
	}
}
