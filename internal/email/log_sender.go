package email

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// LogSender only logs. It stands in for the provider when DRY_RUN is set.
type LogSender struct {
	Logger *zap.Logger
}

func (s *LogSender) Send(ctx context.Context, recipient string, tmpl Template, data map[string]any, idempotencyKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.Logger.Info("dry run: email not sent",
		zap.String("recipient", recipient),
		zap.String("template", string(tmpl)),
		zap.String("idempotency_key", idempotencyKey),
		zap.Any("data", data),
	)
	return http.StatusAccepted, nil
}

var _ Sender = (*LogSender)(nil)
