package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxnode/config"
)

// setupLogging points logrus at the selected output.
func setupLogging(logType config.LogType, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch logType {
	case config.LogStderr, "":
		logrus.SetOutput(os.Stderr)
	case config.LogStdout:
		logrus.SetOutput(os.Stdout)
	case config.LogSyslog:
		hook, err := newSyslogHook()
		if err != nil {
			return fmt.Errorf("syslog: %w", err)
		}
		logrus.AddHook(hook)
		logrus.SetOutput(io.Discard)
	case config.LogNone:
		logrus.SetOutput(io.Discard)
	default:
		return fmt.Errorf("unknown log type %q", logType)
	}
	return nil
}
