package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/apiary-io/apiary/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect registered agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentList,
}

var agentDeregisterCmd = &cobra.Command{
	Use:   "deregister <agent-id>",
	Short: "Deregister an agent and release its leases",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentDeregister,
}

func init() {
	agentListCmd.Flags().String("status", "", "Filter by status")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentDeregisterCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentList(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	status, _ := cmd.Flags().GetString("status")
	agents, err := p.Agents.List(cmd.Context(), types.AgentStatus(status))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSKILLS\tTASK\tHEARTBEAT\tDONE/FAILED")
	for _, a := range agents {
		current := "-"
		if a.CurrentTaskID != nil {
			current = shortID(*a.CurrentTaskID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			shortID(a.ID), a.Name, a.Status, strings.Join(a.Skills, ","),
			current, time.Since(a.LastHeartbeat).Round(time.Second),
			a.TasksCompleted, a.TasksFailed)
	}
	return w.Flush()
}

func runAgentDeregister(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	released, err := p.Agents.Deregister(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("✓ Agent deregistered: %s (%d lease(s) released)\n", args[0], released)
	return nil
}
