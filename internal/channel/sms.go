package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

type SMSConfig struct {
	Endpoint string
	APIKey   string
	Sender   string
	// MaxLength truncates bodies; 0 keeps them whole.
	MaxLength int
	Timeout   time.Duration
}

// SMS posts messages to an HTTP SMS gateway as a url-encoded form
// (to, from, body) with the key in an "apikey" header.
type SMS struct {
	cfg    SMSConfig
	client *http.Client
	log    logx.Logger
}

func NewSMS(cfg SMSConfig, log logx.Logger) (*SMS, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("sms endpoint is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, err
	}
	cfg.Timeout = timeoutOr(cfg.Timeout)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SMS{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

func (s *SMS) Channel() model.Channel { return model.ChannelSMS }

func (s *SMS) Send(ctx context.Context, msg model.RenderedMessage) Outcome {
	to := normalizePhone(msg.Recipient)
	if !validE164(to) {
		return PermanentFailure("invalid phone number " + msg.Recipient)
	}
	text := msg.Body
	if s.cfg.MaxLength > 0 {
		if r := []rune(text); len(r) > s.cfg.MaxLength {
			text = string(r[:s.cfg.MaxLength])
		}
	}

	form := url.Values{}
	form.Set("to", to)
	form.Set("from", s.cfg.Sender)
	form.Set("body", text)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PermanentFailure("building request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.cfg.APIKey != "" {
		req.Header.Set("apikey", s.cfg.APIKey)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	out := classifyHTTP(resp.StatusCode, strings.TrimSpace(string(snippet)),
		http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity)
	s.log.Debug("sms send",
		logx.String("to", to),
		logx.Int("status", resp.StatusCode),
		logx.String("outcome", out.Kind.String()),
		logx.Duration("duration", time.Since(start)),
	)
	return out
}

// normalizePhone drops the visual separators people put in numbers.
func normalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// validE164 accepts "+" followed by 8 to 15 digits, the first non-zero.
func validE164(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' || s[1] == '0' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
