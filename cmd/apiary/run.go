package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apiary-io/apiary/pkg/governor"
	"github.com/apiary-io/apiary/pkg/plane"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordination plane",
	Long: `Run the coordination plane until the governor reaches an end state
or the process receives SIGINT/SIGTERM.

The plane serves metrics and health probes on the configured metrics
address and, in hybrid or edge mode, keeps the change log synced with
the remote peer. Worker agents connect in-process via the worker
package or out-of-process against the same data directory.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := p.Run(ctx)
	if err != nil {
		return err
	}
	if state == governor.EndFatalError {
		_, reason := p.Governor.Result()
		return fmt.Errorf("run ended with fatal error: %s", reason)
	}

	fmt.Printf("Run finished: %s\n", state)
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize an Apiary data directory",
	Long: `Initialize the data directory: create the task store, the change
log, and a starter apiary.yaml when none exists.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(initCmd)
}

const starterConfig = `# Apiary configuration. Every key can also be set via APIARY_* env vars.
mode: local

# mode: hybrid
# edge:
#   url: https://sync.example.com
#   token: changeme

runtime:
  idleTimeout: 10m
  maxConsecutiveFailures: 5

metrics:
  addr: 127.0.0.1:9464
`

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}

	if configPath == "" {
		if _, err := os.Stat("apiary.yaml"); os.IsNotExist(err) {
			if err := os.WriteFile("apiary.yaml", []byte(starterConfig), 0o644); err != nil {
				return fmt.Errorf("writing apiary.yaml: %w", err)
			}
			fmt.Println("✓ Wrote apiary.yaml")
		}
	}

	// Opening the plane creates the store and change log.
	p, err := plane.Open(cfg)
	if err != nil {
		return err
	}
	if err := p.Close(); err != nil {
		return err
	}

	abs, _ := filepath.Abs(cfg.DataDir)
	fmt.Printf("✓ Initialized data directory: %s\n", abs)
	return nil
}
