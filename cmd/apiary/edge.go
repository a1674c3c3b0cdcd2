package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apiary-io/apiary/pkg/edge"
)

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Run the reference sync peer",
}

var edgeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the push/pull sync API",
	Long: `Serve the reference edge peer: an HTTP server implementing the
push/pull wire contract over a local change feed. Point other nodes'
edge.url at this address.`,
	RunE: runEdgeServe,
}

func init() {
	edgeServeCmd.Flags().String("addr", "127.0.0.1:8787", "Listen address")
	edgeServeCmd.Flags().String("db", "edge.db", "Change feed database file")
	edgeServeCmd.Flags().String("token", "", "Bearer token clients must present (empty disables auth)")

	edgeCmd.AddCommand(edgeServeCmd)
	rootCmd.AddCommand(edgeCmd)
}

func runEdgeServe(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	dbPath, _ := cmd.Flags().GetString("db")
	token, _ := cmd.Flags().GetString("token")

	feed, err := edge.OpenLog(dbPath)
	if err != nil {
		return err
	}
	defer feed.Close()

	server := edge.NewServer(feed, token)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	fmt.Println("Edge peer stopped")
	return <-errCh
}
