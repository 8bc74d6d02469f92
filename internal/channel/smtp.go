package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// Security is "starttls" (default), "tls" (implicit) or "none".
	Security string
	Timeout  time.Duration
}

// SMTP delivers email through an SMTP relay.
type SMTP struct {
	cfg  SMTPConfig
	from *mail.Address
	log  logx.Logger
	now  func() time.Time
}

func NewSMTP(cfg SMTPConfig, log logx.Logger) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("smtp from address: %w", err)
	}
	if cfg.FromName != "" {
		from.Name = cfg.FromName
	}
	switch cfg.Security {
	case "":
		cfg.Security = "starttls"
	case "starttls", "tls", "none":
	default:
		return nil, fmt.Errorf("unknown smtp security %q", cfg.Security)
	}
	cfg.Timeout = timeoutOr(cfg.Timeout)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SMTP{cfg: cfg, from: from, log: log, now: time.Now}, nil
}

func (s *SMTP) Channel() model.Channel { return model.ChannelEmail }

func (s *SMTP) Send(ctx context.Context, msg model.RenderedMessage) Outcome {
	to, err := mail.ParseAddress(msg.Recipient)
	if err != nil {
		return PermanentFailure("invalid recipient address: " + err.Error())
	}
	raw, err := s.compose(to, msg)
	if err != nil {
		return PermanentFailure("composing message: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err = s.deliver(ctx, to.Address, raw)
	out := classifySMTP(ctx, err)
	s.log.Debug("smtp send",
		logx.String("to", to.Address),
		logx.String("outcome", out.String()),
		logx.Duration("duration", time.Since(start)),
	)
	return out
}

func (s *SMTP) compose(to *mail.Address, msg model.RenderedMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{s.from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.TemplateVersion != "" {
		h.Set("X-Template-Version", msg.TemplateVersion)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SMTP) deliver(ctx context.Context, rcpt string, raw []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsCfg := &tls.Config{ServerName: s.cfg.Host}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.Security == "tls" {
		d := &tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock protocol reads when the caller cancels.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if s.cfg.Security == "starttls" {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not offer STARTTLS")
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("smtp STARTTLS: %w", err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(rcpt); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end of data: %w", err)
	}
	// The message is accepted once DATA completes; QUIT errors don't matter.
	_ = c.Quit()
	return nil
}

// classifySMTP maps reply codes: 5xx is permanent except 552 (mailbox over
// quota, which clears by itself), 4xx is transient.
func classifySMTP(ctx context.Context, err error) Outcome {
	if err == nil {
		return OK()
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code == 552:
			return TransientFailure(err.Error())
		case tp.Code >= 500:
			return PermanentFailure(err.Error())
		case tp.Code >= 400:
			return TransientFailure(err.Error())
		}
	}
	return classifyTransport(ctx, err)
}
