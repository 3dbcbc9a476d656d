package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	clientcmd "github.com/rzbill/relayd/internal/cmd/client"
	serverrun "github.com/rzbill/relayd/internal/cmd/server"
	cfgpkg "github.com/rzbill/relayd/internal/config"
	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "relayd replication server and CLI",
		Long: "relayd is a key/value store that replicates its write-ahead log from a primary to any number of replicas. " +
			"This CLI runs the server and talks to its admin API.",
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverCmd.AddCommand(newStartCommand("start", "Start a relayd instance (primary unless configured otherwise)", ""))
	rootCmd.AddCommand(serverCmd)

	replicaCmd := &cobra.Command{Use: "replica", Short: "Replica commands"}
	replicaCmd.AddCommand(newStartCommand("start", "Start a replica following --upstream", cfgpkg.RoleReplica))
	rootCmd.AddCommand(replicaCmd)

	clientcmd.AddCommands(rootCmd, clientcmd.APIURLFromEnv)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newStartCommand builds a start command. A non-empty role pins the
// instance role regardless of config.
func newStartCommand(use, short, role string) *cobra.Command {
	startCmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if role != "" {
				cfg.Role = role
			}
			mode, err := pebblestore.ParseFsyncMode(cfg.Storage.Fsync)
			if err != nil {
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       cfg.DataDir,
				GRPCAddr:      cfg.GRPCAddr,
				HTTPAddr:      cfg.HTTPAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(cfg.Storage.FsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	f := startCmd.Flags()
	f.String("config", os.Getenv("RELAYD_CONFIG"), "Config file (.yaml, .yml or .json)")
	f.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	f.String("grpc", ":3301", "gRPC replication listen address")
	f.String("http", ":8080", "HTTP admin listen address")
	f.String("upstream", "", "Primary gRPC address to follow (replica only)")
	f.String("fsync", "always", "Fsync mode: always|interval|never")
	f.Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	f.Int("replication-timeout-ms", 1000, "Heartbeat interval in ms; peers silent for four intervals are dropped")
	f.String("filter", "", "CEL row filter applied by the primary (replica only)")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	return startCmd
}

// loadConfig layers defaults, the config file, RELAYD_* env vars and
// explicitly set flags, in that order.
func loadConfig(f *pflag.FlagSet) (cfgpkg.Config, error) {
	cfg := cfgpkg.Default()
	if path, _ := f.GetString("config"); path != "" {
		loaded, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfgpkg.FromEnv(&cfg)

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	str("data-dir", &cfg.DataDir)
	str("grpc", &cfg.GRPCAddr)
	str("http", &cfg.HTTPAddr)
	str("upstream", &cfg.Upstream)
	str("fsync", &cfg.Storage.Fsync)
	num("fsync-interval-ms", &cfg.Storage.FsyncIntervalMs)
	num("replication-timeout-ms", &cfg.Replication.TimeoutMs)
	str("filter", &cfg.Replication.Filter)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	return cfg, nil
}
