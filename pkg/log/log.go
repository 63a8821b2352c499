package log

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/config"
)

var Module = fx.Module("log",
	fx.Provide(NewLogger),
)

// NewLogger builds the process-wide zap logger.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Environment == "development" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = true
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(
		zap.String("service", cfg.AppName),
		zap.String("version", cfg.AppVersion),
	), nil
}
