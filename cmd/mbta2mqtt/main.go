package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/mbta2mqtt"
	_ "github.com/drblury/mbta2mqtt/transport/transports"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configFiles []string
	defaults    string
	logLevel    string
	transport   string
	dryRun      bool
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return mbta2mqtt.ExitCode(err)
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "mbta2mqtt [flags] [stop-id...]",
		Short: "Publish MBTA stream data as Home Assistant sensors over MQTT",
		Long: `mbta2mqtt follows the MBTA v3 streaming API for the given stops and keeps
one Home Assistant discovery entity per resource on the broker. Stop ids given
as arguments replace the stops from the configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&opts.configFiles, "config", "c", nil, "configuration file read after the configpath chain (repeatable)")
	flags.StringVar(&opts.defaults, "defaults", "", "replace the built-in defaults file")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "trace, debug, info, warn or error")
	flags.StringVar(&opts.transport, "transport", "", "broker transport (mqtt, channel, io, nats, kafka, rabbitmq, http)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "use the in-memory broker instead of a real one")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "mbta2mqtt", version)
		},
	}
}

func (o *options) overrides(stops []string) []mbta2mqtt.ConfigOverride {
	overrides := []mbta2mqtt.ConfigOverride{mbta2mqtt.WithStops(stops...)}
	if o.logLevel != "" {
		overrides = append(overrides, func(c *mbta2mqtt.Config) { c.Logger.Level = o.logLevel })
	}
	if o.transport != "" {
		overrides = append(overrides, func(c *mbta2mqtt.Config) { c.Transport.System = o.transport })
	}
	if o.dryRun {
		overrides = append(overrides, func(c *mbta2mqtt.Config) { c.Transport.System = "channel" })
	}
	return overrides
}

func run(ctx context.Context, opts *options, stops []string) error {
	src := mbta2mqtt.ConfigSources{Defaults: opts.defaults, Files: opts.configFiles}
	conf, notes, err := mbta2mqtt.LoadConfig(src, opts.overrides(stops)...)
	if err != nil {
		for _, n := range notes {
			fmt.Fprintf(os.Stderr, "%s: %s\n", n.Msg, n.File)
		}
		return err
	}

	logger, err := mbta2mqtt.NewLogger(conf.Logger, os.Stderr)
	if err != nil {
		return err
	}
	mbta2mqtt.LogNotes(logger, notes)
	logger.Info("Starting mbta2mqtt", mbta2mqtt.LogFields{
		"version":   version,
		"stops":     conf.MBTA.Stops,
		"transport": conf.GetPubSubSystem(),
	})

	svc, err := mbta2mqtt.NewService(conf, logger, ctx, mbta2mqtt.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}
