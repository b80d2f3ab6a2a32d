package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/delivery"
	"github.com/parleyhq/parley/pkg/log"
	"github.com/parleyhq/parley/pkg/replication"
	"github.com/parleyhq/parley/pkg/server"
	"github.com/parleyhq/parley/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - Replicated chat service",
	Long: `Parley is a fault-tolerant chat service. A small cluster of nodes
elects a leader, replicates every mutation to a quorum, and keeps
serving as long as a majority survives. The same binary runs a
cluster node and the command-line chat client.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Parley version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(chatCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a cluster node",
	Long: `Run one Parley cluster node. The node opens its SQLite store,
joins the election protocol with its peers, and serves the chat RPC
and replication endpoints on a single HTTP listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadNodeConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithNodeID(cfg.Bind)

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}

		repl := replication.NewManager(cfg.Bind, cfg.Peers, st, replication.NewHTTPTransport())
		hub := delivery.NewHub()
		srv := server.NewServer(cfg.Bind, st, repl, hub)

		repl.Start()
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- err
			}
		}()

		logger.Info().
			Str("db", cfg.DBPath).
			Strs("peers", cfg.Peers).
			Msg("node is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("server failed")
		}

		repl.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
		if err := st.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
		return nil
	},
}

// loadNodeConfig merges the optional config file with flag overrides
func loadNodeConfig(cmd *cobra.Command) (*config.Node, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Node
	if path != "" {
		loaded, err := config.LoadNode(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Node{}
	}

	if cmd.Flags().Changed("bind") {
		cfg.Bind, _ = cmd.Flags().GetString("bind")
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath, _ = cmd.Flags().GetString("db")
	}
	if cmd.Flags().Changed("peers") {
		raw, _ := cmd.Flags().GetString("peers")
		cfg.Peers = nil
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Peers = append(cfg.Peers, p)
			}
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	serverCmd.Flags().String("config", "", "Path to node config file (YAML)")
	serverCmd.Flags().String("bind", "127.0.0.1:9101", "Address to listen on; also the node's cluster identity")
	serverCmd.Flags().String("db", "./parley.db", "SQLite database path")
	serverCmd.Flags().String("peers", "", "Comma-separated peer addresses")
	serverCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}
