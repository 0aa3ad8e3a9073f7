package main

import (
	"fmt"
	"os"

	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
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
	Use:   "steward",
	Short: "Steward - application domain controller for Kubernetes",
	Long: `Steward keeps the pods of application domains in line with their
declarations: one admin server and any number of clusters of managed
servers per domain, created, patched and rolled on Kubernetes.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Steward version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Config file (default ./steward.yaml or /etc/steward/steward.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for the domain store")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Steward version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"data-dir":             config.KeyDataDir,
	"log-level":            config.KeyLogLevel,
	"log-json":             config.KeyLogJSON,
	"kubeconfig":           config.KeyKubeconfig,
	"metrics-addr":         config.KeyMetricsAddr,
	"workers":              config.KeyWorkers,
	"max-concurrent-rolls": config.KeyMaxConcurrentRolls,
	"reconcile-interval":   config.KeyReconcileInterval,
	"restart-evicted-pods": config.KeyRestartEvictedPods,
}

// loadConfig reads the configuration file, STEWARD_* variables and the flags
// set on cmd, in increasing order of precedence, and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(configFile)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(cmd, v); err != nil {
		return nil, err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

// bindFlags binds the flags of cmd that were set explicitly
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// openStore opens the domain store of cfg. The store is locked by a running
// controller.
func openStore(cfg *config.Config) (*storage.BoltStore, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store in %s (is a controller running on it?): %w", cfg.DataDir, err)
	}
	return store, nil
}
