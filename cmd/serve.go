package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timada-org/pikav-relay/internal/api"
	"github.com/timada-org/pikav-relay/internal/auth"
	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/internal/relay"
	"github.com/timada-org/pikav-relay/internal/telemetry"
	"github.com/timada-org/pikav-relay/pkg/client"
)

var (
	cfgFile string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",

		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.NewConfig(cfgFile)
			if err != nil {
				return err
			}

			logger, err := newLogger(config.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, config, logger)
		},
	}
)

func init() {
	serveCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/config/pikav-relay.yml", "config file")
}

func serve(ctx context.Context, config *core.Config, logger *logrus.Logger) error {
	provider, err := telemetry.Init(ctx, config.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush metrics")
		}
	}()

	verifier, err := newVerifier(config.Auth, logger)
	if err != nil {
		return err
	}
	defer verifier.Close()

	options := relay.HubOptions{
		Config: config,
		Authenticator: auth.New(auth.Options{
			Verifier:       verifier,
			RequiredScopes: config.Auth.RequiredScopes,
		}),
		Logger: logger,
	}

	if config.Broker.URL != "" {
		c, err := client.New(client.ClientOptions{
			URL:   config.Broker.URL,
			Topic: config.Broker.Topic,
			Name:  config.ID,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		options.Notifier = c
	}

	hub, err := relay.NewHub(options)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubErr := make(chan error, 1)
	go func() {
		hubErr <- hub.Run(ctx)
	}()

	app := api.New(api.AppOptions{
		Config: config,
		Hub:    hub,
		Logger: logger,
	})

	err = app.Listen(ctx)
	cancel()

	if err := <-hubErr; err != nil {
		logger.WithError(err).Warn("some topics stopped before shutdown")
	}

	return err
}

func newVerifier(cfg core.AuthConfig, logger logrus.FieldLogger) (*auth.KeyfuncVerifier, error) {
	if cfg.JwksURL != "" {
		return auth.NewJWKSVerifier(cfg.JwksURL, logger)
	}

	return auth.NewSecretVerifier([]byte(cfg.Secret)), nil
}
