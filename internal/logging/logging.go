package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing human readable text to out. Unknown levels
// fall back to info.
func New(level string, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    true,
		DisableTimestamp: false,
	})
	parsed, err := ParseLevel(level)
	if err != nil {
		logger.WithError(err).Warn("falling back to info log level")
	}
	logger.SetLevel(parsed)
	return logger
}

// ParseLevel accepts logrus level names, case-insensitive. An empty string is info.
func ParseLevel(level string) (logrus.Level, error) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return logrus.InfoLevel, nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, err
	}
	return parsed, nil
}

// Component returns an entry tagged with the component name. A nil logger
// resolves to the standard logger.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", name)
}

// OrDefault returns entry, or a standard-logger entry when entry is nil.
func OrDefault(entry *logrus.Entry, component string) *logrus.Entry {
	if entry != nil {
		return entry
	}
	return Component(nil, component)
}

// Discard returns an entry that drops everything; handy in tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
