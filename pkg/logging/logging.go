// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Environment overrides, applied on top of the configured values
const (
	EnvLevel  = "MAILBOX_LOG_LEVEL"
	EnvFormat = "MAILBOX_LOG_FORMAT"
)

// Setup applies level and format to the standard logger. Empty values keep
// the logrus defaults.
func Setup(level, format string) error {
	return Configure(logrus.StandardLogger(), level, format)
}

// Configure applies level and format to logger
func Configure(logger *logrus.Logger, level, format string) error {
	if env := strings.TrimSpace(os.Getenv(EnvLevel)); env != "" {
		level = env
	}
	if env := strings.TrimSpace(os.Getenv(EnvFormat)); env != "" {
		format = env
	}

	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		logger.SetLevel(lvl)
	}

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("log format %q: want text or json", format)
	}

	return nil
}

// New returns a dedicated logger writing to out
func New(out io.Writer, level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	if err := Configure(logger, level, format); err != nil {
		return nil, err
	}
	return logger, nil
}

// Component returns an entry tagged with the component field
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", name)
}
