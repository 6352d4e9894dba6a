package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/pkg/client"
)

var (
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Print upstream status events published by relays",

		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.NewConfig(cfgFile)
			if err != nil {
				return err
			}

			logger, err := newLogger(config.Log)
			if err != nil {
				return err
			}

			c, err := client.New(client.ClientOptions{
				URL:   config.Broker.URL,
				Topic: config.Broker.Topic,
				Name:  config.ID + "-watch",
			})
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.Subscribe(ctx, config.ID+"-watch", func(event *client.Event) {
				logger.WithFields(logrus.Fields{
					"topic": event.Topic.String(),
					"data":  event.Data,
				}).Info(event.Name)
			})
		},
	}
)

func init() {
	watchCmd.Flags().StringVarP(&cfgFile, "config", "c", "/etc/config/pikav-relay.yml", "config file")
}
