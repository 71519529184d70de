// Copyright 2025 James Ross
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the production JSON logger. With a non-empty file
// path, output additionally goes to a size-rotated log file.
func NewLogger(level, file string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if file == "" {
		return logger, nil
	}
	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	})
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		rotated,
		lvl,
	)
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})), nil
}

// Convenience typed fields
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field       { return zap.Error(err) }
