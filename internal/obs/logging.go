package obs

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production zap logger at level, JSON encoded unless
// console is set.
func NewLogger(level string, console bool) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(defaultString(strings.ToLower(strings.TrimSpace(level)), "info"))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if console {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// LogCall writes a one-line summary of a finished call.
func LogCall(logger *zap.Logger, event CallEvent) {
	if logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("request_id", defaultString(event.RequestID, noneLabel)),
		zap.String("method", event.Method),
		zap.String("url", event.URL),
		zap.String("outcome", event.Outcome),
		zap.Int("status", event.Status),
		zap.Duration("duration", event.Duration),
		zap.Int("bytes", event.Bytes),
		zap.String("error_category", defaultString(event.ErrorCategory, noneLabel)),
	}
	if len(event.Headers) > 0 {
		fields = append(fields, zap.Any("headers", RedactHeaders(event.Headers)))
	}
	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
		logger.Warn("call failed", fields...)
		return
	}
	logger.Debug("call finished", fields...)
}

func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		out[name] = RedactHeaderValue(name, value)
	}
	return out
}

func RedactHeaderValue(name, value string) string {
	if name == "" {
		return value
	}
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
