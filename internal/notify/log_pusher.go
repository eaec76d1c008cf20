package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogPusher is the development fallback when no delivery channel is
// configured.
type LogPusher struct {
	logger *zap.Logger
}

func NewLogPusher(logger *zap.Logger) *LogPusher {
	return &LogPusher{logger: logger}
}

func (p *LogPusher) Push(_ context.Context, userID uuid.UUID, category, title, body string) error {
	p.logger.Info("notification (log delivery)",
		zap.String("user_id", userID.String()),
		zap.String("category", category),
		zap.String("title", title),
		zap.String("body", body),
	)
	return nil
}
