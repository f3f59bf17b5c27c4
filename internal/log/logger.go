package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/probe"
)

// Level represents log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Logger writes one JSON object per line. It is safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	now    func() time.Time
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewLogger creates a logger writing to stderr.
func NewLogger(level Level) *Logger {
	return &Logger{
		level:  level,
		output: os.Stderr,
		now:    time.Now,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := NewLogger(LevelError + 1)
	l.output = io.Discard
	return l
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: l.now().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, "[%s] %s: %s\n", entry.Timestamp, entry.Level, message)
		return
	}

	fmt.Fprintln(l.output, string(data))
}

func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(LevelWarn, message, fields)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(LevelError, message, fields)
}

// LogTrialResult records one probe trial. Passing trials log at info,
// mismatches and failures at warn.
func (l *Logger) LogTrialResult(target probe.Target, index int, res probe.Result) {
	fields := map[string]interface{}{
		"target":    target.Name,
		"address":   target.Endpoint.Address(),
		"transport": string(target.Transport),
		"trial":     index,
		"outcome":   res.Outcome(),
		"bytes":     len(res.Payload),
		"rtt_ms":    res.RTT.Milliseconds(),
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}

	switch {
	case res.Passed():
		l.Info("trial passed", fields)
	case res.Kind == probe.KindSuccess:
		fields["reply_bytes"] = len(res.Reply)
		l.Warn("echo mismatch", fields)
	default:
		l.Warn("trial failed", fields)
	}
}

// LogConnect records the outcome of establishing a session.
func (l *Logger) LogConnect(target probe.Target, err error) {
	fields := map[string]interface{}{
		"target":    target.Name,
		"address":   target.Endpoint.Address(),
		"transport": string(target.Transport),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("connect failed", fields)
		return
	}
	l.Info("connected", fields)
}

// LogConfigLoad logs a config load event
func (l *Logger) LogConfigLoad(success bool, path string, err error) {
	fields := map[string]interface{}{
		"path": path,
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if success {
		l.Info("config loaded", fields)
	} else {
		l.Error("config load failed", fields)
	}
}

// LogError logs a general error
func (l *Logger) LogError(component string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = component
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error("error occurred", fields)
}

// ParseLevel maps a level name to a Level. Unknown names fall back to warn.
func ParseLevel(levelStr string) Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelWarn
	}
}
