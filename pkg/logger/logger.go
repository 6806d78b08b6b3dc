package logger

import (
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a textual level into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

// paymentColors is the palette payment tags are hashed into
var paymentColors = []color.Attribute{
	color.FgHiGreen,
	color.FgYellow,
	color.FgMagenta,
	color.FgHiBlue,
	color.FgRed,
	color.FgBlue,
	color.FgGreen,
	color.FgCyan,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithPayment(paymentID string, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithPayment(paymentID string, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithPayment(paymentID string, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithPayment(paymentID string, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                        {}
func (l *EmptyLogger) InfoWithPayment(_ string, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                       {}
func (l *EmptyLogger) ErrorWithPayment(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                       {}
func (l *EmptyLogger) DebugWithPayment(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) NoticeWithPayment(_ string, _ string, _ ...interface{}) {}

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

// PaymentTag shortens a payment id to a fixed width tag, e.g. "[0x1a2b..9f0e] "
func PaymentTag(paymentID string) string {
	if paymentID == "" {
		return ""
	}
	short := paymentID
	if len(paymentID) > 14 {
		short = paymentID[:6] + ".." + paymentID[len(paymentID)-4:]
	}
	return "[" + short + "] "
}

func paymentColor(paymentID string) color.Attribute {
	h := fnv.New32a()
	_, _ = h.Write([]byte(paymentID))
	return paymentColors[h.Sum32()%uint32(len(paymentColors))]
}

// formatMessage formats the log message with the appropriate log level, payment tag, and coloring if enabled.
func (l *StdLogger) formatMessage(level Level, paymentID string, format string) string {
	tag := PaymentTag(paymentID)
	if l.enableColoring && tag != "" {
		tag = color.New(paymentColor(paymentID)).Sprint(tag)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + tag + format
}

func (l *StdLogger) logf(level Level, paymentID string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= level {
		log.Printf(l.formatMessage(level, paymentID, format), args...)
	}
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, "", format, args...)
}

func (l *StdLogger) InfoWithPayment(paymentID string, format string, args ...interface{}) {
	l.logf(InfoLevel, paymentID, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, "", format, args...)
}

func (l *StdLogger) ErrorWithPayment(paymentID string, format string, args ...interface{}) {
	l.logf(ErrorLevel, paymentID, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, "", format, args...)
}

func (l *StdLogger) DebugWithPayment(paymentID string, format string, args ...interface{}) {
	l.logf(DebugLevel, paymentID, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, "", format, args...)
}

func (l *StdLogger) NoticeWithPayment(paymentID string, format string, args ...interface{}) {
	l.logf(NoticeLevel, paymentID, format, args...)
}
