package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "infiniquotient",
		Short: "Content-addressed block store fronted by an expandable quotient filter",
		Long: `infiniquotient stores blocks by CID and answers lookups for blocks it does
not hold from an in-memory infini filter, without touching the datastore.

Commands:
  serve     Run the HTTP API, optionally replicated with raft
  probe     Measure filter false positive rates and sizes
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config, newLogger(config))
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default "+DefaultConfigFilename+" if present)")
	return cmd
}

func serve(ctx context.Context, config *Config, logger hclog.Logger) error {
	logger.Info("loaded configuration",
		"filter", config.Filter.Type,
		"false_positive_rate", config.Filter.FalsePositiveRate,
		"policy", config.Filter.Policy,
		"datastore", config.Datastore.Type,
		"address", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		"raft", config.Raft.Enabled)

	store, err := openStore(ctx, config, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	server := NewServer(config, store, NewMetrics(store), logger)

	if config.Raft.Enabled {
		rebuild := func(ctx context.Context) error { return rebuildFilter(ctx, config, store, logger) }
		node, err := NewRaftNode(config, NewFSM(store, rebuild, logger), logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := node.Stop(); err != nil {
				logger.Error("stopping raft", "error", err)
			}
		}()
		if err := node.Start(); err != nil {
			return fmt.Errorf("bootstrapping raft: %w", err)
		}
		logger.Info("raft node started", "id", config.Raft.NodeID, "address", config.Raft.TCPAddress)
		server.ReplicateThrough(node)
	}

	err = server.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func probeCmd() *cobra.Command {
	o := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Build a filter over random keys and measure it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := hclog.New(&hclog.LoggerOptions{Name: "probe", Level: hclog.Warn})
			_, err := runProbe(cmd.OutOrStdout(), o, logger)
			return err
		},
	}
	cmd.Flags().IntVar(&o.initial, "initial", 100_000, "keys the filter is sized for")
	cmd.Flags().IntVar(&o.keys, "keys", 1_000_000, "keys to insert in total")
	cmd.Flags().IntVar(&o.queries, "queries", 1_000_000, "lookups of keys never inserted")
	cmd.Flags().Float64Var(&o.falsePositiveRate, "fpr", defaultFalsePositiveRate, "target false positive rate")
	cmd.Flags().StringVar(&o.policy, "policy", defaultPolicy, "fingerprint growth policy: uniform, polynomial or geometric")
	cmd.Flags().StringVar(&o.hash, "hash", defaultHash, "hash family: xxh, murmur3, sip or arbitrary")
	cmd.Flags().IntVar(&o.minLogSize, "min-log-size", 10, "smallest table is 2^min-log-size buckets")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "infiniquotient %s\n", version)
		},
	}
}
