package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	instance *zap.SugaredLogger
	once     sync.Once
)

type Config struct {
	Development bool
	// Level overrides the preset's default ("debug", "info", "warn", ...).
	Level string
}

func New(cfg Config) (*zap.SugaredLogger, error) {
	var err error
	once.Do(func() {
		zc := zap.NewProductionConfig()
		if cfg.Development {
			zc = zap.NewDevelopmentConfig()
		}
		if cfg.Level != "" {
			var lvl zapcore.Level
			lvl, err = zapcore.ParseLevel(cfg.Level)
			if err != nil {
				return
			}
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
		var l *zap.Logger
		l, err = zc.Build()
		if err != nil {
			return
		}
		instance = l.Sugar()
	})
	return instance, err
}
