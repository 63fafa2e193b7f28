package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Fields are structured key/value pairs attached to a log entry.
type Fields map[string]any

type Logger struct {
	format Format
	level  Level
	out    io.Writer
	text   *log.Logger
	mu     sync.Mutex
}

var (
	defaultLogger = New(FormatText)
	stdoutMu      sync.Mutex
)

func ParseFormat(raw string) (Format, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return FormatText, nil
	}
	switch raw {
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (expected text or json)", raw)
	}
}

func ParseLevel(raw string) (Level, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unsupported log level %q (expected debug, info, warn or error)", raw)
	}
}

func Setup(raw string) (*Logger, error) {
	format, err := ParseFormat(raw)
	if err != nil {
		return nil, err
	}
	logger := New(format)
	SetDefault(logger)
	return logger, nil
}

func New(format Format) *Logger {
	out := os.Stderr
	if format == FormatJSON {
		out = os.Stdout
	}
	return NewWithWriter(format, out)
}

// NewWithWriter builds a logger writing to w regardless of format.
func NewWithWriter(format Format, w io.Writer) *Logger {
	return &Logger{
		format: format,
		level:  LevelInfo,
		out:    w,
		text:   log.New(w, "", log.LstdFlags),
	}
}

func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultLogger = l
}

func Default() *Logger {
	return defaultLogger
}

func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func Infof(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Infof(format, args...)
}

func Errorf(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Fatalf(format, args...)
}

func Debug(ctx context.Context, msg string, fields Fields) {
	defaultLogger.Log(ctx, LevelDebug, msg, fields)
}

func Info(ctx context.Context, msg string, fields Fields) {
	defaultLogger.Log(ctx, LevelInfo, msg, fields)
}

func Warn(ctx context.Context, msg string, fields Fields) {
	defaultLogger.Log(ctx, LevelWarn, msg, fields)
}

func Error(ctx context.Context, msg string, fields Fields) {
	defaultLogger.Log(ctx, LevelError, msg, fields)
}

func (l *Logger) Infof(format string, args ...any) {
	l.Log(context.Background(), LevelInfo, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.Log(context.Background(), LevelError, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Fatalf(format string, args ...any) {
	l.Log(context.Background(), LevelError, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Log writes one entry. Request-scoped fields from ctx are merged in first so
// explicit fields win on key collisions.
func (l *Logger) Log(ctx context.Context, level Level, message string, fields Fields) {
	if l == nil || !l.enabled(level) {
		return
	}
	merged := contextFields(ctx)
	for k, v := range fields {
		merged[k] = v
	}

	if l.format == FormatText {
		l.text.Printf("%-5s %s%s", strings.ToUpper(level.String()), message, formatTextFields(merged))
		return
	}

	entry := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"msg":       message,
		"component": "server",
	}
	for k, v := range merged {
		if _, reserved := entry[k]; reserved {
			k = "field_" + k
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	if l.out == os.Stdout {
		WriteJSONLineStdout(entry)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	writeJSONLine(l.out, entry)
}

func formatTextFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(" |")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func WriteJSONLineStdout(fields map[string]any) {
	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	writeJSONLine(os.Stdout, fields)
}

func writeJSONLine(w io.Writer, fields map[string]any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(fields)
}
