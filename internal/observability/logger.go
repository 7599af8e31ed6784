// Package observability owns the process-wide zap logger. Everything it
// writes goes to stderr or a log file; stdout belongs to the line protocol.
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

	"github.com/xkilldash9x/catalog-relay/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const colorReset = "\x1b[0m"

// ansiColors maps the color names accepted in logger.colors to escape codes.
var ansiColors = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize builds the global logger once. Later calls are ignored.
//
// Every entry carries the pid so lines from several relays started by the
// same parent can be told apart before a session id is assigned.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg), consoleWriter, level)}
		if cfg.LogFile != "" {
			rotating := &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
			cores = append(cores, zapcore.NewCore(newEncoder(config.LoggerConfig{Format: "json"}), zapcore.AddSync(rotating), level))
		}

		options := []zap.Option{
			zap.AddStacktrace(zap.ErrorLevel),
			zap.Fields(zap.Int("pid", os.Getpid())),
		}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		install(zap.New(zapcore.NewTee(cores...), options...).Named(cfg.ServiceName))
	})
}

// InitializeLogger is the production entry point; console output goes to a
// locked stderr.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stderr))
}

// WithSession tags the global logger with the relay session id and returns
// the tagged logger. Call it once per run.
func WithSession(id string) *zap.Logger {
	logger := GetLogger().With(zap.String("session_id", id))
	install(logger)
	return logger
}

func install(logger *zap.Logger) {
	globalLogger.Store(logger)
	zap.ReplaceGlobals(logger)
	zap.RedirectStdLog(logger)
}

// ResetForTest clears the global logger. Tests only.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

// levelColors resolves the configured color name for each level.
func levelColors(colors config.ColorConfig) map[zapcore.Level]string {
	return map[zapcore.Level]string{
		zapcore.DebugLevel:  ansiColors[colors.Debug],
		zapcore.InfoLevel:   ansiColors[colors.Info],
		zapcore.WarnLevel:   ansiColors[colors.Warn],
		zapcore.ErrorLevel:  ansiColors[colors.Error],
		zapcore.DPanicLevel: ansiColors[colors.DPanic],
		zapcore.PanicLevel:  ansiColors[colors.Panic],
		zapcore.FatalLevel:  ansiColors[colors.Fatal],
	}
}

func newColorizedLevelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	byLevel := levelColors(colors)
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if color := byLevel[level]; color != "" {
			enc.AppendString(color + level.CapitalString() + colorReset)
			return
		}
		enc.AppendString(level.CapitalString())
	}
}

// newEncoder returns the JSON encoder, or a colorized console encoder when
// cfg.Format is "console".
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = newColorizedLevelEncoder(cfg.Colors)
		// "catalog-relay.relay."
		encoderConfig.EncodeName = func(loggerName string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(loggerName + ".")
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// GetLogger returns the global logger, or a stderr development logger when
// Initialize has not run yet.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Global logger requested before initialization; using fallback.")
	return l.Named("fallback")
}

// Sync flushes buffered entries. Call it before exiting.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !isUnsyncable(err) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

// isUnsyncable reports errors from fsync on a terminal or pipe, which is what
// stderr usually is when the parent process holds it.
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTTY) ||
		errors.Is(err, syscall.ENOTSUP)
}
