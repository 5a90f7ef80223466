// Package log is the inspector's logging facade over logrus.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
}

var (
	once   sync.Once
	mu     sync.RWMutex
	logger Logger = defaultLogger()
	output *MultiWriter
)

// GetLogger returns the process logger. Before Init it writes to stderr.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init installs the logger described by cfg. Only the first call has effect.
func Init(cfg *LoggerConfig) error {
	var err error
	once.Do(func() {
		var l Logger
		var out *MultiWriter
		l, out, err = New(cfg)
		if err != nil {
			return
		}
		mu.Lock()
		logger, output = l, out
		mu.Unlock()
	})
	return err
}

// Close flushes and closes the appenders installed by Init.
func Close() error {
	mu.RLock()
	out := output
	mu.RUnlock()
	if out == nil {
		return nil
	}
	return out.Close()
}

func defaultLogger() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&formatter{pattern: DefaultPattern, time: DefaultTimeLayout})
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}
