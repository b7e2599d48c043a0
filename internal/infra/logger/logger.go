package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

type Logger struct {
	zl    zerolog.Logger
	level Level
}

func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	writers := []io.Writer{f}

	// Stdout only gets Info and above so debug spam doesn't break the CLI progress line
	if includeStdout {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
		writers = append(writers, &minLevelWriter{w: console, min: zerolog.InfoLevel})
	}

	return newWithWriter(zerolog.MultiLevelWriter(writers...), level), nil
}

// NewWriter logs to w only. Used by the CLI commands that don't want a log file.
func NewWriter(w io.Writer, level Level) *Logger {
	return newWithWriter(w, level)
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), level: LevelFatal + 1}
}

func newWithWriter(w io.Writer, level Level) *Logger {
	zerolog.TimeFieldFormat = "2006-01-02 15:04:05"
	zl := zerolog.New(w).With().Timestamp().Logger().Level(level.zerolog())
	return &Logger{zl: zl, level: level}
}

func (lvl Level) zerolog() zerolog.Level {
	switch lvl {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// With returns a child logger tagging every line with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger(), level: l.level}
}

func (l *Logger) Debug(f string, v ...any) { l.zl.Debug().Msg(fmt.Sprintf(f, v...)) }
func (l *Logger) Info(f string, v ...any)  { l.zl.Info().Msg(fmt.Sprintf(f, v...)) }
func (l *Logger) Warn(f string, v ...any)  { l.zl.Warn().Msg(fmt.Sprintf(f, v...)) }
func (l *Logger) Error(f string, v ...any) { l.zl.Error().Msg(fmt.Sprintf(f, v...)) }

func (l *Logger) Fatal(f string, v ...any) {
	l.zl.WithLevel(zerolog.FatalLevel).Msg(fmt.Sprintf(f, v...))
	os.Exit(1)
}

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}

type minLevelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (m *minLevelWriter) Write(p []byte) (int, error) {
	return m.w.Write(p)
}

func (m *minLevelWriter) WriteLevel(lvl zerolog.Level, p []byte) (int, error) {
	if lvl < m.min {
		return len(p), nil
	}
	return m.w.Write(p)
}
