// Package logger provides leveled Printf-style loggers backed by zap.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes at a fixed level through the current zap core.
type Logger struct {
	level zapcore.Level
}

var (
	Info  = &Logger{level: zapcore.InfoLevel}
	Error = &Logger{level: zapcore.ErrorLevel}
	Debug = &Logger{level: zapcore.DebugLevel}
	Warn  = &Logger{level: zapcore.WarnLevel}
)

var sugar atomic.Pointer[zap.SugaredLogger]

type Config struct {
	Level      string // debug, info, warn, error
	Format     string // console, json
	Output     string // stdout, file, both
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
}

func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "console",
		Output: "stdout",
	}
}

func init() {
	sugar.Store(newLogger(DefaultConfig()).Sugar())
}

// Init replaces the active logger. It can be called again to reconfigure.
func Init(cfg Config) error {
	if _, err := parseLevel(cfg.Level); err != nil {
		return err
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath == "" {
		return fmt.Errorf("log output %q requires a file path", cfg.Output)
	}
	old := sugar.Swap(newLogger(cfg).Sugar())
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	if s := sugar.Load(); s != nil {
		_ = s.Sync()
	}
}

func (l *Logger) Printf(format string, args ...any) {
	s := sugar.Load()
	switch l.level {
	case zapcore.DebugLevel:
		s.Debugf(format, args...)
	case zapcore.WarnLevel:
		s.Warnf(format, args...)
	case zapcore.ErrorLevel:
		s.Errorf(format, args...)
	default:
		s.Infof(format, args...)
	}
}

func (l *Logger) Println(args ...any) {
	l.Printf("%s", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

func newLogger(cfg Config) *zap.Logger {
	level, _ := parseLevel(cfg.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	if cfg.Output == "" || cfg.Output == "stdout" || cfg.Output == "both" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// newForWriter builds a bare console logger over w.
func newForWriter(w zapcore.WriteSyncer, level zapcore.Level) *zap.SugaredLogger {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		EncodeLevel: zapcore.CapitalLevelEncoder,
	})
	return zap.New(zapcore.NewCore(enc, w, level), zap.AddCallerSkip(1)).Sugar()
}
