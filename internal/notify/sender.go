package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type SendResult struct {
	MessageID string
	SentAt    time.Time
}

type EmailSender interface {
	Send(ctx context.Context, m Message) (SendResult, error)
}

// LogSender writes mail to the log instead of sending it. Used when SMTP is
// not configured.
type LogSender struct{ Log *zap.Logger }

func (s *LogSender) Send(_ context.Context, m Message) (SendResult, error) {
	s.Log.Info("email not sent (smtp disabled)",
		zap.String("to", m.To), zap.String("subject", m.Subject), zap.Int("html_bytes", len(m.HTML)))
	return SendResult{MessageID: "log", SentAt: time.Now()}, nil
}
