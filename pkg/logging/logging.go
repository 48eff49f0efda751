// Package logging builds the process zap logger. Every entry is also kept
// in an in-memory ring so the dashboard can show recent lines.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
)

// Logger bundles the zap logger, its runtime level and the recent-lines ring.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
	Ring  *Ring
}

// New builds a logger from cfg writing to stderr.
func New(cfg core.LogConfig) (*Logger, error) {
	return NewWithSink(cfg, zapcore.Lock(os.Stderr))
}

// NewWithSink is New with an explicit primary sink.
func NewWithSink(cfg core.LogConfig, sink zapcore.WriteSyncer) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var primary zapcore.Encoder
	switch cfg.Format {
	case "json":
		primary = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		primary = zapcore.NewConsoleEncoder(consoleCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	// The ring always uses the compact console layout with a short clock.
	ringCfg := encCfg
	ringCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	ringCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	ringCfg.CallerKey = zapcore.OmitKey
	ringCfg.StacktraceKey = zapcore.OmitKey

	ring := NewRing(cfg.RingSize)
	tee := zapcore.NewTee(
		zapcore.NewCore(primary, sink, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(ringCfg), ring, level),
	)

	return &Logger{
		Logger: zap.New(tee, zap.AddCaller()),
		Level:  level,
		Ring:   ring,
	}, nil
}

// Nop returns a logger that discards output but still feeds an empty ring.
func Nop() *Logger {
	return &Logger{
		Logger: zap.NewNop(),
		Level:  zap.NewAtomicLevel(),
		Ring:   NewRing(1),
	}
}

// Recent returns up to n recent log lines, oldest first.
func (l *Logger) Recent(n int) []string {
	return l.Ring.Recent(n)
}
