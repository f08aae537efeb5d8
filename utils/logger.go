package utils

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides leveled, printf-style logging throughout the application.
// Fields attached with With are emitted as structured key/values.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a Logger writing to stdout. LOG_LEVEL selects the minimum
// level and LOG_FORMAT=json switches to JSON lines.
func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

// NewLoggerTo creates a Logger writing to w.
func NewLoggerTo(w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{entry: logrus.NewEntry(base)}
}

// With returns a child logger carrying an extra structured field.
func (l *Logger) With(key string, value any) *Logger {
	if s, ok := value.(string); ok {
		value = redact(s)
	}
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Info(format string, args ...any) {
	l.entry.Info(redact(sprintf(format, args...)))
}

func (l *Logger) Warn(format string, args ...any) {
	l.entry.Warn(redact(sprintf(format, args...)))
}

func (l *Logger) Error(format string, args ...any) {
	l.entry.Error(redact(sprintf(format, args...)))
}

func (l *Logger) Debug(format string, args ...any) {
	if !l.entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	l.entry.Debug(redact(sprintf(format, args...)))
}

var emailRegexp = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redact(s string) string {
	return emailRegexp.ReplaceAllStringFunc(s, RedactEmail)
}

// RedactEmail masks an address for log output.
// "john.doe@example.com" → "jo***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	if len(parts[0]) > 2 {
		return parts[0][:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
