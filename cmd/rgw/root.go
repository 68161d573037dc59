package main

import (
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jllorente/realmgateway/internal/config"
	"github.com/jllorente/realmgateway/internal/engine"
	"github.com/jllorente/realmgateway/internal/netsink"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		publicIf   string
		fakeSink   bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "rgw",
		Short: "Realm Gateway: DNS-driven NAT for a shared public address pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrap(err, "invalid --log-level")
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if publicIf != "" {
				cfg.PublicIface = publicIf
			}

			sink, err := buildSink(cfg, fakeSink)
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, sink, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return eng.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "/etc/rgw/config.yaml", "path to the gateway configuration file")
	flags.StringVar(&publicIf, "public-interface", "", "network interface carrying the public address pool (overrides config)")
	flags.BoolVar(&fakeSink, "fake-sink", false, "use an in-memory packet sink instead of nfqueue/iptables (for local testing)")
	flags.StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")

	return cmd
}

func buildSink(cfg *config.Config, fake bool) (netsink.Sink, error) {
	if fake {
		return netsink.NewFake(), nil
	}
	iface := cfg.PublicIface
	if iface == "" {
		return nil, errors.New("rgw: public_interface must be set in config or via --public-interface")
	}
	return netsink.NewLinuxSink(iface)
}
