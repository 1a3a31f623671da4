package logger

import (
	"go.uber.org/zap"
)

// New builds the process-wide zap logger. Dev mode gets the human-readable
// console encoder; everything else gets production JSON.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	return zap.NewProduction()
}
