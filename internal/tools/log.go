package tools

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a JSON logger writing to stdout and, when file is set,
// appending to that file as well.
func NewLogger(level string, file string) (*logrus.Logger, error) {
	l := logrus.New()
	l.Formatter = &logrus.JSONFormatter{}
	l.SetLevel(ParseLevel(level))

	if file == "" {
		l.SetOutput(os.Stdout)
		return l, nil
	}
	logFile, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	l.SetOutput(io.MultiWriter(logFile, os.Stdout))
	return l, nil
}

// ParseLevel maps debug, info, warn and error onto logrus levels, info otherwise.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
