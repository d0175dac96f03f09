// Package logging builds the *zap.Logger every long-running pinloki
// component (Writer, Reader, FileTransformer) is handed at
// construction, writing structured JSON to a rotated file and,
// optionally, a human-readable encoder to stderr for local development.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config tunes the log sink. LogFile empty disables the file sink
// entirely (stderr-only, for local runs).
type Config struct {
	LogFile     string
	MaxSizeMB   int  // default 100
	MaxBackups  int  // default 5
	MaxAgeDays  int  // default 30
	Compress    bool // gzip rotated backups
	Development bool // also write a console-encoded copy to stderr
	Level       string
}

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

// New builds a *zap.Logger per cfg. The returned logger's Sync should
// be deferred by the caller.
func New(cfg Config) (*zap.Logger, error) {
	cfg = cfg.withDefaults()

	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if cfg.LogFile != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(sink), level))
	}
	if cfg.Development || cfg.LogFile == "" {
		consoleCfg := encoderCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}
