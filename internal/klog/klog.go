// Package klog is the kernel's structured logger. The teacher logs
// boot and debug messages with bare fmt.Printf; we replace that with
// logrus the way gvisor.dev/gvisor's sentry logs subsystem events, so
// that panics-with-context (spec.md §7) and OOM notices carry
// structured fields instead of ad-hoc strings.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global kernel log level (Info until changed).
func SetLevel(lvl logrus.Level) {
	log.SetLevel(lvl)
}

// Fields is re-exported so callers don't need to import logrus directly.
type Fields = logrus.Fields

func WithFields(f Fields) *logrus.Entry { return log.WithFields(f) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }

// Fatal logs a structured panic with context fields and then panics,
// matching spec.md §7's "fatal conditions ... panic with context."
func Fatal(msg string, f Fields) {
	log.WithFields(f).Error(msg)
	panic(msg)
}
