package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "medremind/pkg/logx"
)

// TelegramConfig configures the Telegram sender.
type TelegramConfig struct {
	Token   string
	URL     string
	Timeout time.Duration
}

// Telegram sends reminders as bot messages. Contacts are numeric chat IDs.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Send-only: no poller, and Offline skips the getMe round trip at startup.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, log: log.With(logx.String("sender", "telegram"))}, nil
}

func (t *Telegram) Send(ctx context.Context, to, message string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return Permanent(fmt.Errorf("telegram chat id %q: %w", to, err))
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: id}, message)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return classifyTelegram(err)
		}
		t.log.Debug("telegram message sent", logx.Int64("chat_id", id))
		return nil
	case <-ctx.Done():
		return Transient(fmt.Errorf("telegram send: %w", ctx.Err()))
	}
}

func classifyTelegram(err error) error {
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests, te.Code >= 500:
			return Transient(err)
		case te.Code >= 400:
			return Permanent(err)
		}
	}
	return Transient(err)
}
