package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timada-org/pikav-relay/internal/core"
)

var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:     "pikav-relay",
		Short:   "Relay server-sent event streams to websocket clients",
		Long:    `Pikav relay consumes upstream server-sent event streams and fans every event out to authenticated websocket sessions, each with its own bounded queue`,
		Version: version,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(watchCmd)
}

func newLogger(cfg core.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log format %q is invalid", cfg.Format)
	}

	return logger, nil
}
