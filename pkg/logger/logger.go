package logger

import (
	"go.uber.org/zap"
)

// New 建立應用程式共用的 logger
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}
