package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lanshare/config"
	"lanshare/discovery"
	"lanshare/metrics"
	"lanshare/models"
	"lanshare/node"
)

type globalFlags struct {
	logLevel string
	dev      bool
	dataDir  string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "lanshare",
		Short:        "Share files with peers on the local network",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.dev, "dev", false, "human-readable development logging")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (overrides "+config.DataDirEnv+")")

	root.AddCommand(
		newRunCommand(flags),
		newDiscoverCommand(flags),
		newConfigCommand(flags),
	)
	return root
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		shareDir     string
		downloadDir  string
		controlPort  int
		transferPort int
		approval     string
		enableMDNS   bool
		openTransfer bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and open the interactive shell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(flags.logLevel, flags.dev)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			cfg, cfgPath, dataDir, err := loadConfig(flags)
			if err != nil {
				return err
			}

			changed := cmd.Flags().Changed
			if changed("share") {
				cfg.ShareDir = shareDir
			}
			if changed("download-dir") {
				cfg.DownloadDir = downloadDir
			}
			if changed("control-port") {
				cfg.ControlPort = controlPort
			}
			if changed("transfer-port") {
				cfg.TransferPort = transferPort
			}
			if changed("approval") {
				cfg.ApprovalPolicy = approval
			}
			if changed("mdns") {
				cfg.EnableMDNS = enableMDNS
			}
			if changed("open-transfer") {
				cfg.SetTransferAuthRequired(!openTransfer)
			}
			if err := os.MkdirAll(cfg.DownloadDir, 0o700); err != nil {
				return fmt.Errorf("create download folder: %w", err)
			}

			scope, closer := metrics.NewRootScope(logger, metrics.DefaultReportInterval)
			defer func() {
				_ = closer.Close()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			n, err := node.New(node.Options{
				Config:     cfg,
				ConfigPath: cfgPath,
				DataDir:    dataDir,
				OnEvent:    func(event node.Event) { printEvent(out, event) },
				Logger:     logger,
				Stats:      scope,
			})
			if err != nil {
				return err
			}

			runErr := make(chan error, 1)
			go func() {
				runErr <- n.Run(ctx)
			}()

			fmt.Fprintf(out, "Peer ID:        %s\n", n.PeerID())
			fmt.Fprintf(out, "Display Name:   %s\n", n.DisplayName())
			fmt.Fprintf(out, "Control Port:   %d\n", n.ControlPort())
			fmt.Fprintf(out, "Transfer Port:  %d\n", n.TransferPort())
			fmt.Fprintf(out, "Share Folder:   %s\n", valueOr(cfg.ShareDir, "(none)"))
			fmt.Fprintf(out, "Data Directory: %s\n", dataDir)

			newShell(n, cmd.InOrStdin(), out).run(ctx)
			stop()
			return <-runErr
		},
	}

	cmd.Flags().StringVar(&shareDir, "share", "", "share folder for this run")
	cmd.Flags().StringVar(&downloadDir, "download-dir", "", "download folder for this run")
	cmd.Flags().IntVar(&controlPort, "control-port", 0, "control TCP port (0 picks a free port)")
	cmd.Flags().IntVar(&transferPort, "transfer-port", 0, "transfer TCP port (0 picks a free port)")
	cmd.Flags().StringVar(&approval, "approval", config.ApprovalPrompt, "incoming connect policy: prompt, accept-all or reject-all")
	cmd.Flags().BoolVar(&enableMDNS, "mdns", false, "also advertise and browse over mDNS")
	cmd.Flags().BoolVar(&openTransfer, "open-transfer", false, "serve transfer requests from peers without a session")
	return cmd
}

func newDiscoverCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the network once and print the peers found",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(flags.logLevel, flags.dev)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			cfg, _, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.ScanTimeout()
			}

			self := uuid.NewString()
			peers, err := discovery.Discover(cmd.Context(), discovery.DiscoverConfig{
				SelfPeerID: self,
				Ports:      cfg.DiscoveryPorts,
				Timeout:    timeout,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			if cfg.EnableMDNS {
				found, err := discovery.BrowseMDNS(cmd.Context(), discovery.MDNSConfig{
					SelfPeerID:  self,
					ScanTimeout: timeout,
					Logger:      logger,
				})
				if err != nil {
					logger.Warn("mDNS browse failed", zap.Error(err))
				}
				peers = discovery.MergePeers(peers, found)
			}

			printPeers(cmd.OutOrStdout(), peers)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "response window (default from config)")
	return cmd
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgPath, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n%s\n", cfgPath, raw)
			return nil
		},
	}
}

func loadConfig(flags *globalFlags) (*config.NodeConfig, string, string, error) {
	dataDir := flags.dataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, "", "", err
		}
		dataDir = resolved
	}
	cfg, cfgPath, err := config.LoadOrCreateAt(dataDir)
	if err != nil {
		return nil, "", "", fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, dataDir, nil
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func printPeers(out io.Writer, peers []models.PeerDescriptor) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "No peers found.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tCONTROL\tTRANSFER\tSTATE\tSOURCE")
	for _, peer := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			shortID(peer.PeerID), peer.DisplayName, peer.Address,
			peer.ControlPort, peer.TransferPort, peer.State, peer.Source)
	}
	_ = tw.Flush()
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
