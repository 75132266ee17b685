package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation enriches the logger with operation and processing identifiers.
func WithOperation(logger *zap.Logger, operation, processingID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if processingID != "" {
		fields = append(fields, zap.String("processing_id", processingID))
	}
	return logger.With(fields...)
}
