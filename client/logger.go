package client

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewDefaultLogger create a default console logger with specified log level
func NewDefaultLogger(lvl zapcore.Level) (*zap.Logger, error) {
	cfg := &zap.Config{
		Encoding:    "console",
		Level:       zap.NewAtomicLevelAt(lvl),
		OutputPaths: []string{"stdout"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:       "message",
			LevelKey:         "level",
			NameKey:          "name",
			CallerKey:        "caller",
			TimeKey:          "time",
			EncodeLevel:      zapcore.CapitalLevelEncoder,
			EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02/15:04:05"),
			EncodeCaller:     zapcore.ShortCallerEncoder,
			ConsoleSeparator: " ",
		},
	}
	return cfg.Build()
}
