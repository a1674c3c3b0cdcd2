package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/apiary-io/apiary/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCreate,
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release <task-id>",
	Short: "Release a claimed task back to the pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRelease,
}

func init() {
	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().String("agent", "", "Filter by assigned agent")
	taskListCmd.Flags().String("branch", "", "Filter by branch")
	taskListCmd.Flags().Int("limit", 0, "Limit results")

	taskCreateCmd.Flags().String("description", "", "Task description")
	taskCreateCmd.Flags().String("priority", "", "Priority: low, medium, high, critical")
	taskCreateCmd.Flags().String("type", "", "Task type")
	taskCreateCmd.Flags().StringSlice("skill", nil, "Required skill (repeatable)")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "Dependency task ID (repeatable)")
	taskCreateCmd.Flags().String("branch", "", "Branch the task works on")

	taskReleaseCmd.Flags().String("reason", "released via CLI", "Release reason")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskReleaseCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	f := types.TaskFilter{}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		f.Status = []types.TaskStatus{types.TaskStatus(s)}
	}
	f.AssignedAgent, _ = cmd.Flags().GetString("agent")
	f.Branch, _ = cmd.Flags().GetString("branch")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	tasks, err := p.Tasks.List(cmd.Context(), f)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIORITY\tAGENT\tRETRIES")
	for _, t := range tasks {
		agent := "-"
		if t.AssignedAgent != nil {
			agent = *t.AssignedAgent
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			shortID(t.ID), t.Title, t.Status, t.Priority, agent, t.RetryCount, t.MaxRetries)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.Tasks.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	t := &types.Task{Title: args[0]}
	t.Description, _ = cmd.Flags().GetString("description")
	priority, _ := cmd.Flags().GetString("priority")
	t.Priority = types.TaskPriority(priority)
	t.Type, _ = cmd.Flags().GetString("type")
	t.RequiredSkills, _ = cmd.Flags().GetStringSlice("skill")
	t.Dependencies, _ = cmd.Flags().GetStringSlice("depends-on")
	t.Branch, _ = cmd.Flags().GetString("branch")

	created, err := p.Tasks.Create(cmd.Context(), t)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Task created: %s (%s)\n", created.ID, created.Status)
	return nil
}

func runTaskRelease(cmd *cobra.Command, args []string) error {
	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	reason, _ := cmd.Flags().GetString("reason")
	t, err := p.Tasks.Release(cmd.Context(), args[0], reason)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Task released: %s (%s)\n", t.ID, t.Status)
	return nil
}

// shortID trims UUIDs for table output; explicit IDs pass through.
func shortID(id string) string {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}
