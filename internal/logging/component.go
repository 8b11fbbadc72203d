package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
)

// Component builds the process-wide zap logger from config. It starts first
// (everything else declares a dependency on it) so components log through
// the package helpers from their own Start.
type Component struct {
	*core.BaseComponent
	cfg    config.LoggingConfig
	logger *zap.Logger
}

func NewComponent(cfg config.LoggingConfig) *Component {
	return &Component{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_LOGGING),
		cfg:           cfg,
	}
}

func (lc *Component) Start(ctx context.Context) error {
	if err := lc.BaseComponent.Start(ctx); err != nil {
		return err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if lc.cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	syncer, err := lc.buildWriteSyncer()
	if err != nil {
		return fmt.Errorf("failed to create write syncer: %w", err)
	}

	lc.logger = zap.New(
		zapcore.NewCore(encoder, syncer, parseLevel(lc.cfg.Level)),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	setGlobal(lc.logger)

	lc.logger.Info("logging component started",
		zap.String("level", lc.cfg.Level),
		zap.String("format", lc.cfg.Format),
		zap.String("output", lc.cfg.Output),
	)
	return nil
}

func (lc *Component) Stop(ctx context.Context) error {
	if lc.logger != nil {
		_ = lc.logger.Sync()
	}
	return lc.BaseComponent.Stop(ctx)
}

func (lc *Component) HealthCheck() error {
	if err := lc.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if lc.logger == nil {
		return fmt.Errorf("logger is not initialized")
	}
	return nil
}

func (lc *Component) buildWriteSyncer() (zapcore.WriteSyncer, error) {
	switch strings.ToLower(lc.cfg.Output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// Anything else is a file path; rotate with lumberjack.
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:  lc.cfg.Output,
			MaxSize:   lc.cfg.MaxSizeMB,
			MaxAge:    lc.cfg.MaxAgeDays,
			Compress:  lc.cfg.Compress,
			LocalTime: true,
		}), nil
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
