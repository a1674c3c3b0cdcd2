package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apiary-io/apiary/pkg/config"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/metrics"
	"github.com/apiary-io/apiary/pkg/plane"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apiary",
	Short: "Apiary - Coordination plane for autonomous agent swarms",
	Long: `Apiary coordinates a local swarm of autonomous worker agents:
a durable task store with atomic claims, skill-aware scheduling,
exclusive file leases, inter-agent messaging, quality tracking, and
incremental sync against a remote peer.

All state lives under a single data directory; blow it away and the
swarm starts fresh.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Apiary version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default: ./apiary.yaml, then APIARY_* env, then built-ins)")
}

// loadConfig resolves configuration and points the global logger at it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)
	return cfg, nil
}

// openPlane is the shared entry point for commands that need the
// coordination plane. The caller owns Close.
func openPlane() (*plane.Plane, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return plane.Open(cfg)
}
