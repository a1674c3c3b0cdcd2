package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle against the edge peer",
	Long: `Push pending local changes to the configured edge peer and apply
its deltas back. Requires mode hybrid or edge.`,
	RunE: runSync,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted sync state",
	RunE:  runSyncStatus,
}

func init() {
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	if p.Syncer == nil {
		return fmt.Errorf("sync requires mode hybrid or edge (current: %s)", p.Config.Mode)
	}

	res, err := p.Syncer.Sync(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("✓ Sync complete in %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("  Pushed:    %d (%d accepted, %d rejected, %d queued)\n",
		res.Pushed, res.Accepted, res.Rejected, res.Queued)
	fmt.Printf("  Pulled:    %d (%d applied)\n", res.Pulled, res.Applied)
	if res.Conflicts > 0 {
		fmt.Printf("  Conflicts: %d resolved\n", res.Conflicts)
	}
	return nil
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	if p.Syncer == nil {
		return fmt.Errorf("sync requires mode hybrid or edge (current: %s)", p.Config.Mode)
	}

	state := p.Syncer.Status()
	fmt.Printf("Client:       %s\n", state.ClientID)
	fmt.Printf("Status:       %s\n", state.Status)
	if state.LastSyncAt != nil {
		fmt.Printf("Last sync:    %s\n", state.LastSyncAt.Format("2006-01-02 15:04:05 MST"))
	} else {
		fmt.Println("Last sync:    never")
	}
	fmt.Printf("Last version: %d\n", state.LastSyncVersion)
	if state.LastError != "" {
		fmt.Printf("Last error:   %s\n", state.LastError)
	}

	if p.Queue != nil {
		depth, err := p.Queue.Depth(cmd.Context())
		if err != nil {
			return err
		}
		online := "online"
		if !p.Queue.Online() {
			online = "offline"
		}
		fmt.Printf("Queue:        %d pending (%s)\n", depth, online)
	}
	return nil
}
