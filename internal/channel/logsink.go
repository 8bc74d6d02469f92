package channel

import (
	"context"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

// Log "delivers" by writing the message to the structured log. It is the
// adapter for development and dry runs.
type Log struct {
	ch  model.Channel
	log logx.Logger
}

func NewLog(ch model.Channel, log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{ch: ch, log: log}
}

func (l *Log) Channel() model.Channel { return l.ch }

func (l *Log) Send(ctx context.Context, msg model.RenderedMessage) Outcome {
	if err := ctx.Err(); err != nil {
		return TransientFailure(err.Error())
	}
	if msg.Recipient == "" {
		return PermanentFailure("empty recipient")
	}
	l.log.Info("message delivered to log",
		logx.String("channel", string(l.ch)),
		logx.String("to", msg.Recipient),
		logx.String("subject", msg.Subject),
		logx.String("body", msg.Body),
		logx.String("template_version", msg.TemplateVersion),
	)
	return OK()
}
