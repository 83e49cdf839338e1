// Package observability owns the process-wide logger of nmosctl and the field
// vocabulary its components log with.
package observability

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/config"
)

const defaultServiceName = "nmosctl"

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// palette maps the color names accepted in logger.colors to ANSI escapes.
var palette = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

const ansiReset = "\x1b[0m"

// InitializeLogger installs the global logger once per process. Console
// records go to stderr; stdout carries command output such as `-o json`.
func InitializeLogger(cfg config.LoggerConfig) {
	install(cfg, zapcore.Lock(os.Stderr))
}

func install(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	once.Do(func() {
		logger := New(cfg, console)
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
	})
}

// New builds a logger without touching the global one. Records go to console
// and, when cfg.LogFile is set, to a lumberjack-rotated JSON file. An
// unparsable level falls back to info.
func New(cfg config.LoggerConfig, console zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	_ = level.UnmarshalText([]byte(cfg.Level))

	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder(cfg), console, level)}
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(rotated), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Named(name)
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return ec
}

func jsonEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(encoderConfig())
}

func consoleEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	if cfg.Format != "console" {
		return jsonEncoder()
	}
	ec := encoderConfig()
	ec.EncodeLevel = coloredLevels(cfg.Colors)
	return zapcore.NewConsoleEncoder(ec)
}

// coloredLevels wraps each level name in the color configured for it. Levels
// without a known color print plain.
func coloredLevels(c config.ColorConfig) zapcore.LevelEncoder {
	colors := map[zapcore.Level]string{
		zapcore.DebugLevel:  palette[c.Debug],
		zapcore.InfoLevel:   palette[c.Info],
		zapcore.WarnLevel:   palette[c.Warn],
		zapcore.ErrorLevel:  palette[c.Error],
		zapcore.DPanicLevel: palette[c.DPanic],
		zapcore.PanicLevel:  palette[c.Panic],
		zapcore.FatalLevel:  palette[c.Fatal],
	}
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if color := colors[l]; color != "" {
			enc.AppendString(color + l.CapitalString() + ansiReset)
			return
		}
		enc.AppendString(l.CapitalString())
	}
}

// GetLogger returns the global logger, or a development logger before
// InitializeLogger ran.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("fallback")
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) *zap.Logger {
	return GetLogger().With(zap.String("component", name))
}

// Sync flushes buffered entries. Terminals reject fsync, which is not worth
// reporting.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

// -- Field vocabulary --

func ReceiverID(id string) zap.Field { return zap.String("receiver_id", id) }

func SenderID(id string) zap.Field { return zap.String("sender_id", id) }

func CommandID(id string) zap.Field { return zap.String("command_id", id) }

func Generation(gen uint64) zap.Field { return zap.Uint64("generation", gen) }

func Kind(kind schemas.ResourceKind) zap.Field { return zap.String("kind", string(kind)) }

// Command logs the identifying fields of a command as one object.
func Command(cmd schemas.Command) zap.Field {
	return zap.Object("command", zapCommand(cmd))
}

type zapCommand schemas.Command

func (c zapCommand) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", c.ID)
	enc.AddString("kind", string(c.Kind))
	enc.AddString("state", string(c.State))
	enc.AddString("activation", string(c.Activation.Mode))
	if c.SenderID != "" {
		enc.AddString("sender_id", c.SenderID)
	}
	if c.BatchID != "" {
		enc.AddString("batch_id", c.BatchID)
	}
	return enc.AddArray("receiver_ids", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
		for _, id := range c.ReceiverIDs {
			arr.AppendString(id)
		}
		return nil
	}))
}
