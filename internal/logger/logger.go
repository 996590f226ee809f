// Package logger provides the structured logger used throughout the
// compaction engine: a handful of printf-style methods plus a Silent
// switch, backed by logrus.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging capability every engine component depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Silent(silent bool)
}

type logrusLogger struct {
	log *logrus.Logger
}

// NewLogger returns a Logger at the given verbosity. 0 is Info, higher
// values increase verbosity up to Debug. Output goes to stderr, matching
// operator expectations for an embedded component that never owns stdout.
func NewLogger(verbosity int) Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if verbosity > 0 {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &logrusLogger{log: l}
}

// Silent discards all output when silent is true. Used by tests and by
// embedders that want their own logger to own output entirely.
func (l *logrusLogger) Silent(silent bool) {
	if silent {
		l.log.Out = io.Discard
	} else {
		l.log.Out = os.Stderr
	}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
