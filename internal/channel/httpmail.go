package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

const defaultHTTPMailEndpoint = "https://api.brevo.com/v3/smtp/email"

type HTTPMailConfig struct {
	Endpoint string
	APIKey   string
	From     string
	FromName string
	Timeout  time.Duration
}

// HTTPMail sends email through a transactional email API that accepts a
// JSON body (Brevo's v3 smtp/email shape).
type HTTPMail struct {
	cfg    HTTPMailConfig
	client *http.Client
	log    logx.Logger
}

type httpMailRequest struct {
	Sender  httpMailContact   `json:"sender"`
	To      []httpMailContact `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"textContent"`
	Headers map[string]string `json:"headers,omitempty"`
}

type httpMailContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func NewHTTPMail(cfg HTTPMailConfig, log logx.Logger) (*HTTPMail, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("email api key is required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("email from address: %w", err)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultHTTPMailEndpoint
	}
	cfg.Timeout = timeoutOr(cfg.Timeout)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPMail{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

func (h *HTTPMail) Channel() model.Channel { return model.ChannelEmail }

func (h *HTTPMail) Send(ctx context.Context, msg model.RenderedMessage) Outcome {
	to, err := mail.ParseAddress(msg.Recipient)
	if err != nil {
		return PermanentFailure("invalid recipient address: " + err.Error())
	}
	req := httpMailRequest{
		Sender:  httpMailContact{Email: h.cfg.From, Name: h.cfg.FromName},
		To:      []httpMailContact{{Email: to.Address, Name: to.Name}},
		Subject: msg.Subject,
		Text:    msg.Body,
	}
	if msg.TemplateVersion != "" {
		req.Headers = map[string]string{"X-Template-Version": msg.TemplateVersion}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return PermanentFailure("encoding request: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return PermanentFailure("building request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("api-key", h.cfg.APIKey)

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	// 400 and 422 mean the provider rejected the content or the recipient.
	out := classifyHTTP(resp.StatusCode, strings.TrimSpace(string(snippet)),
		http.StatusBadRequest, http.StatusUnprocessableEntity)
	h.log.Debug("email api send",
		logx.String("to", to.Address),
		logx.Int("status", resp.StatusCode),
		logx.String("outcome", out.Kind.String()),
		logx.Duration("duration", time.Since(start)),
	)
	return out
}
