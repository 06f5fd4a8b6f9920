// Peerlink CLI entry point.
//
// The root command connects to a broadcast relay, negotiates a WebRTC data
// channel with another peer and exchanges position updates over it. The
// relay subcommand runs a local development relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/coordinator"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/relay"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

// options are the values of the command-line flags.
type options struct {
	configFile string
	saveConfig string
	debug      bool

	relayURL   string
	name       string
	iceServers string
	loopback   bool

	listen string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "peerlink",
		Short:         "Peer-to-peer data channel over a WebSocket signaling relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runClient(cfg)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	persistent.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	bindClientFlags(cmd.Flags(), opts)

	cmd.AddCommand(newRelayCmd(opts))
	return cmd
}

func bindClientFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVarP(&opts.relayURL, "relay", "r", "", "Relay WebSocket URL (default "+config.DefaultRelayURL+")")
	flags.StringVarP(&opts.name, "name", "n", "", "Identity announced with offers (default "+config.DefaultName+")")
	flags.StringVar(&opts.iceServers, "ice", "", "Comma-separated ICE server URLs")
	flags.BoolVar(&opts.loopback, "loopback", false, "Gather loopback candidates (same-host testing)")
	flags.StringVar(&opts.saveConfig, "save-config", "", "Write the effective config to this file")
}

func newRelayCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a development broadcast relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(cmd, opts); err != nil {
				return err
			}
			return runRelay(opts.listen)
		},
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", ":4444", "Listen address")
	return cmd
}

// loadConfig reads the config sources, then applies the flags the user set
// explicitly, and configures logging.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, cmd.Flags(), opts); err != nil {
		return nil, err
	}

	if err := util.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if opts.debug {
		util.EnableDebug()
	}

	if opts.saveConfig != "" {
		if err := cfg.Save(opts.saveConfig); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		util.LogInfo("config written to %s", opts.saveConfig)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cfg *config.Config, flags *pflag.FlagSet, opts *options) error {
	if flags.Changed("relay") {
		cfg.RelayURL = opts.relayURL
	}
	if flags.Changed("name") {
		cfg.Name = opts.name
	}
	if flags.Changed("ice") {
		cfg.ICEServers = opts.iceServers
	}
	if flags.Changed("loopback") {
		cfg.IncludeLoopback = opts.loopback
	}
	return cfg.Validate()
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runClient(cfg *config.Config) error {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d, err := cfg.Durations()
	if err != nil {
		return err
	}

	api, err := peer.NewAPI(peer.APIOptions{
		LogLevel:        cfg.PionLogLevel,
		IncludeLoopback: cfg.IncludeLoopback,
	})
	if err != nil {
		return err
	}

	tr := signaling.NewTransport(signaling.Options{PingInterval: d.PingInterval})
	defer tr.Close()

	co := coordinator.New(coordinator.Config{
		RelayURL:           cfg.RelayURL,
		Identity:           cfg.Name,
		ICEServers:         peer.ICEServers(cfg.ICEServerURLs()),
		MaxPendingOffers:   cfg.MaxPendingOffers,
		PendingOfferTTL:    d.PendingOfferTTL,
		NegotiationTimeout: d.NegotiationTimeout,
	}, tr, peer.New(api))
	defer co.Close()

	pterm.Info.Println(fmt.Sprintf("Peerlink v%s", version))
	pterm.Println()

	if d.StatsInterval > 0 {
		util.StartStatsReporter(ctx, d.StatsInterval)
	}
	go watchState(ctx, co)

	return runMenu(ctx, co)
}

func runRelay(listen string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := relay.NewServer()
	port, err := srv.Start(listen)
	if err != nil {
		return err
	}
	defer srv.Close()

	pterm.Info.Println(fmt.Sprintf("Relay ready, connect with ws://localhost:%d", port))
	<-ctx.Done()
	util.LogInfo("relay shutting down")
	return nil
}
