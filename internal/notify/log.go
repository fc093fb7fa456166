package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes alerts to zap instead of delivering them.
// Use in development or when SMTP is not configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier backed by the given logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the alert and returns nil.
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("subject", a.Subject),
		zap.String("body", a.Body),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	if a.Severity == SeverityCritical {
		n.logger.Error("operator alert (log only, not sent)", fields...)
		return nil
	}
	n.logger.Warn("operator alert (log only, not sent)", fields...)
	return nil
}
