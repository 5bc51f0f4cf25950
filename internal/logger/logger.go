// Package logger holds the process-wide zap logger and its gorm
// adapter. Initialize installs a configured logger; Get falls back to
// a production logger so early callers never see nil.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/amerfu/spendgate/internal/config"
)

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "fatal":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.FatalLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		if cfg.OutputPath == "stderr" {
			zapConfig.OutputPaths = []string{"stderr"}
			zapConfig.ErrorOutputPaths = []string{"stderr"}
		} else {
			zapConfig.OutputPaths = []string{cfg.OutputPath}
			zapConfig.ErrorOutputPaths = []string{cfg.OutputPath}
		}
	}

	logger, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	Logger = logger
	Sugar = logger.Sugar()

	return logger, nil
}

func Get() *zap.Logger {
	if Logger == nil {
		logger, _ := zap.NewProduction()
		Logger = logger
		Sugar = logger.Sugar()
	}
	return Logger
}

func GetSugar() *zap.SugaredLogger {
	if Sugar == nil {
		Get()
	}
	return Sugar
}

func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// GormLogger satisfies gorm's logger.Writer so query logs land in zap.
type GormLogger struct {
	ZapLogger *zap.Logger
}

func NewGormLogger(zapLogger *zap.Logger) *GormLogger {
	return &GormLogger{
		ZapLogger: zapLogger,
	}
}

func (l *GormLogger) Printf(format string, args ...interface{}) {
	l.ZapLogger.Sugar().Debugf(format, args...)
}

func init() {
	// Early callers get a sane logger before Initialize runs.
	if Logger == nil {
		var logger *zap.Logger
		if os.Getenv("ENV") == "production" {
			logger, _ = zap.NewProduction()
		} else {
			logger, _ = zap.NewDevelopment()
		}
		Logger = logger
		Sugar = logger.Sugar()
	}
}
