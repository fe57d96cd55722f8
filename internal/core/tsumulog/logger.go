// Package tsumulog provides the component-scoped structured logger used
// throughout the core engine. It is built on github.com/sirupsen/logrus and
// follows the nil-is-a-safe-no-op idiom of mutagen's pkg/logging.Logger: a
// *Logger may be nil (e.g. in a test that doesn't care about log output) and
// every method on it becomes a no-op rather than panicking, so call sites
// never need to nil-check before logging.
package tsumulog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry, scoped to a component name and carrying a set
// of structured fields inherited by every sub-logger derived from it.
type Logger struct {
	entry *logrus.Entry
}

var (
	rootMu     sync.Mutex
	rootLogger = logrus.New()
)

func init() {
	rootLogger.SetOutput(os.Stderr)
	rootLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	rootLogger.SetLevel(logrus.InfoLevel)
}

// Configure adjusts the shared root logger's level, format, and output. It
// is called once during start-up from the loaded configuration.
func Configure(level logrus.Level, json bool, output io.Writer) {
	rootMu.Lock()
	defer rootMu.Unlock()

	rootLogger.SetLevel(level)
	if json {
		rootLogger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		rootLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if output != nil {
		rootLogger.SetOutput(output)
	}
}

// New creates a root-scoped Logger for the named component (e.g.
// "cachemgr", "syncworker", "synclog").
func New(component string) *Logger {
	return &Logger{entry: rootLogger.WithField("component", component)}
}

// Sublogger derives a child logger scoped to name, nested under the
// parent's component label, mirroring mutagen's Logger.Sublogger.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithField("subcomponent", name)}
}

// WithField returns a derived logger carrying an additional structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived logger carrying additional structured fields.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l != nil {
		l.entry.Debugf(format, args...)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l != nil {
		l.entry.Infof(format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l != nil {
		l.entry.Warnf(format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l != nil {
		l.entry.Errorf(format, args...)
	}
}

// Warn logs an error at warning level, mirroring mutagen's Logger.Warn(err).
func (l *Logger) Warn(err error) {
	if l != nil && err != nil {
		l.entry.Warnf("warning: %v", err)
	}
}

// Error logs an error at error level, mirroring mutagen's Logger.Error(err).
func (l *Logger) Error(err error) {
	if l != nil && err != nil {
		l.entry.Errorf("error: %v", err)
	}
}
