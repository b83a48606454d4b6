// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies level and format ("text" or "json") to logger and sends its
// output to w. An empty level or format keeps info and text.
func Setup(logger *logrus.Logger, w io.Writer, level, format string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", format)
	}

	logger.SetLevel(lvl)
	if w != nil {
		logger.SetOutput(w)
	}
	return nil
}
