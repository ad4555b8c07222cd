// Package logging builds the process logger and adapts line-oriented
// subprocess output to it.
package logging

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"basecai/internal/config"
)

// LevelEnv overrides the configured level when set.
const LevelEnv = "BASECAI_LOG_LEVEL"

// ParseLevel maps a level name to zerolog. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "err":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New returns a logger writing to stderr (console or JSON) and, when
// cfg.File is set, to a rotated JSON file. The closer flushes the file.
func New(cfg config.LogConfig, stderr io.Writer) (zerolog.Logger, io.Closer) {
	if stderr == nil {
		stderr = os.Stderr
	}
	level := cfg.Level
	if v := os.Getenv(LevelEnv); v != "" {
		level = v
	}

	var console io.Writer = stderr
	if cfg.Format != "json" {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: "15:04:05"}
	}
	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}
	out := zerolog.MultiLevelWriter(writers...)
	l := zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
	return l, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LineWriter logs every complete line written to it. Partial lines are
// held until the next newline or Flush.
type LineWriter struct {
	Log    zerolog.Logger
	Level  zerolog.Level
	Source string

	mu  sync.Mutex
	buf []byte
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		lw.emit(lw.buf[:idx])
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (lw *LineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.buf) > 0 {
		lw.emit(lw.buf)
		lw.buf = nil
	}
}

func (lw *LineWriter) emit(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	if line == "" {
		return
	}
	lw.Log.WithLevel(lw.Level).Str("source", lw.Source).Msg(line)
}
