package alert

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tele "gopkg.in/telebot.v4"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL   string
	Attempts uint
	Delay    time.Duration
}

// TelegramSink posts alerts to a chat through the Bot API.
type TelegramSink struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegramSink(cfg TelegramConfig, log logx.Logger) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{cfg: cfg, bot: b, log: log}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Alert(ctx context.Context, ex model.Exhaustion) error {
	chat := &tele.Chat{ID: t.cfg.ChatID}
	opts := &tele.SendOptions{
		ThreadID:              t.cfg.ThreadID,
		DisableWebPagePreview: true,
	}
	text := Text(ex)
	return retry.Do(
		func() error {
			_, err := t.bot.Send(chat, text, opts)
			if err == nil {
				return nil
			}
			// 4xx other than flood control will not get better by retrying.
			var terr *tele.Error
			if errors.As(err, &terr) && terr.Code >= 400 && terr.Code < 500 && terr.Code != http.StatusTooManyRequests {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(t.cfg.Attempts),
		retry.Delay(t.cfg.Delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(t.cfg.Delay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.log.Debug("retrying telegram alert", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
}
