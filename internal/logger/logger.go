package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

// Options selects where log lines go. The zero value logs to stdout in
// console format.
type Options struct {
	Level LogLevel
	JSON  bool

	// Timestamps is false under systemd, where journald stamps lines itself.
	Timestamps bool

	// File enables a rotated log file next to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Logger struct {
	sugar *zap.SugaredLogger
	level LogLevel
	tag   string
}

func NewLogger(opts Options) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if !opts.Timestamps {
		encCfg.TimeKey = zapcore.OmitKey
	}

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	enabled := levelEnabler(opts.Level)
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), enabled)}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), enabled))
	}

	return &Logger{
		sugar: zap.New(zapcore.NewTee(cores...)).Sugar(),
		level: opts.Level,
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), level: LogLevelNone}
}

func levelEnabler(level LogLevel) zapcore.LevelEnabler {
	return zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		switch {
		case l >= zapcore.FatalLevel:
			return true
		case l >= zapcore.ErrorLevel:
			return level >= LogLevelError
		case l == zapcore.WarnLevel:
			return level >= LogLevelWarning
		case l == zapcore.InfoLevel:
			return level >= LogLevelInfo
		default:
			return level >= LogLevelDebug
		}
	})
}

// WithTag creates a new logger with a tag prefix
func (l *Logger) WithTag(tag string) *Logger {
	return &Logger{
		sugar: l.sugar,
		level: l.level,
		tag:   tag,
	}
}

func (l *Logger) formatMessage(format string) string {
	if l.tag != "" {
		return "[" + l.tag + "] " + format
	}
	return format
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(l.formatMessage(format), v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(l.formatMessage(format), v...)
}

// Printf is an alias for Infof for compatibility
func (l *Logger) Printf(format string, v ...interface{}) {
	l.Infof(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.sugar.Warnf(l.formatMessage(format), v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(l.formatMessage(format), v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.sugar.Fatalf(l.formatMessage(format), v...)
}

// Sync flushes buffered file output.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
