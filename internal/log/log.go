// Package log provides structured logging for Hivemux.
// Entries are written to a size-capped rotating file and published to a
// pub/sub broker so the monitor feed can tail the orchestrator log.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zjrosen/hivemux/internal/pubsub"
)

// Level represents log severity.
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
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log messages.
type Category string

const (
	CatConfig     Category = "config"     // Configuration loading/saving
	CatTmux       Category = "tmux"       // Pane adapter operations
	CatWriter     Category = "writer"     // Paste-safe keystroke delivery
	CatEngine     Category = "engine"     // Instance lifecycle
	CatBus        Category = "bus"        // Message bus delivery and replies
	CatCoord      Category = "coord"      // Multi-instance coordination
	CatSupervisor Category = "supervisor" // Periodic evaluation and interventions
	CatRPC        Category = "rpc"        // Tool surface transports
	CatJournal    Category = "journal"    // Communication and audit journals
	CatMonitor    Category = "monitor"    // Monitor feed
)

// Rotation limits for the orchestrator log.
const (
	maxLogSize   = 10 * 1024 * 1024
	maxRotations = 5
)

// Logger provides structured logging with size-based rotation.
type Logger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger writing to path.
// Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		defaultLogger.mu.Lock()
		defer defaultLogger.mu.Unlock()
		if defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
			defaultLogger.file = nil
		}
	}, nil
}

func newLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is the configured log path
	if err != nil {
		return nil, err
	}

	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	return &Logger{
		path:     path,
		file:     f,
		size:     size,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to info.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Broker returns the broker carrying formatted log entries, or nil when the
// logger is uninitialized. Used by the monitor feed to mirror the log.
func Broker() *pubsub.Broker[string] {
	if defaultLogger == nil {
		return nil
	}
	return defaultLogger.broker
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	logAt(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	logAt(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	logAt(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	logAt(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	logAt(LevelError, cat, msg, fields...)
}

// SafeGo runs fn in a goroutine, logging and recovering any panic.
// The name identifies the goroutine in the panic log entry.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatEngine, "goroutine panic", "name", name, "panic", fmt.Sprintf("%v", r))
			}
		}()
		fn()
	}()
}

func logAt(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if !defaultLogger.enabled || level < defaultLogger.minLevel {
		return
	}

	// Format: 2025-12-06T10:45:00 [ERROR] [bus] message key=value key2=value2
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	// Odd field count - append orphan key with no value
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	defaultLogger.writeLocked([]byte(entry))

	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

// writeLocked appends to the log file, rotating when the size cap is hit.
// Caller holds l.mu.
func (l *Logger) writeLocked(b []byte) {
	if l.file == nil {
		return
	}
	if l.size+int64(len(b)) > maxLogSize {
		l.rotateLocked()
	}
	n, _ := l.file.Write(b)
	l.size += int64(n)
}

// rotateLocked shifts orchestrator.log -> .1 -> .2 ... dropping the oldest.
// Caller holds l.mu.
func (l *Logger) rotateLocked() {
	_ = l.file.Close()
	for i := maxRotations - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
	}
	_ = os.Rename(l.path, l.path+".1")

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: rotation reopens the configured path
	if err != nil {
		l.file = nil
		return
	}
	l.file = f
	l.size = 0
}
