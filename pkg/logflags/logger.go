package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is what the engine and its backends log through. There are no
// Fatal or Panic variants: nothing below the command line ends the
// process.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Fields are attached to every message of a Logger.
type Fields map[string]interface{}

// LoggerFactory builds the Logger of a layer. The level is DebugLevel when
// the layer was selected with --log-output, ErrorLevel otherwise. out is
// nil unless --log-dest was given.
type LoggerFactory func(layer string, level logrus.Level, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus based loggers handed out by this
// package. A nil factory restores them.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

type logrusLogger struct {
	e *logrus.Entry
}

func newLogrusLogger(layer string, level logrus.Level, out io.Writer) Logger {
	l := logrus.New()
	l.Formatter = textFormatterInstance
	l.Level = level
	if out != nil {
		l.Out = out
	}
	return &logrusLogger{l.WithField(layerKey, layer)}
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.e.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.e.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.e.WithError(err)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.e.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{}) { l.e.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{}) { l.e.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.e.Errorf(format, args...) }
