package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/apiary-io/apiary/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest file",
	Long: `Apply task or memory definitions from a YAML manifest.

Examples:
  # Queue a batch of tasks
  apiary apply -f tasks.yaml

  # Multiple resources in one file, separated by ---
  apiary apply -f swarm-setup.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one YAML document in a manifest.
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// TaskSpec is the manifest shape of a task.
type TaskSpec struct {
	Description      string   `yaml:"description,omitempty"`
	Priority         string   `yaml:"priority,omitempty"`
	Type             string   `yaml:"type,omitempty"`
	RequiredSkills   []string `yaml:"requiredSkills,omitempty"`
	Dependencies     []string `yaml:"dependencies,omitempty"`
	Files            []string `yaml:"files,omitempty"`
	Branch           string   `yaml:"branch,omitempty"`
	MaxRetries       *int     `yaml:"maxRetries,omitempty"`
	EstimatedMinutes *int     `yaml:"estimatedMinutes,omitempty"`
}

// MemorySpec is the manifest shape of a shared memory entry.
type MemorySpec struct {
	Kind    string   `yaml:"kind,omitempty"`
	Content string   `yaml:"content"`
	Tags    []string `yaml:"tags,omitempty"`
	AgentID string   `yaml:"agentId,omitempty"`
	TaskID  string   `yaml:"taskId,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	p, err := openPlane()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := cmd.Context()
	dec := yaml.NewDecoder(f)
	applied := 0
	for {
		var resource Resource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		if resource.Kind == "" {
			continue
		}

		switch resource.Kind {
		case "Task":
			var spec TaskSpec
			if err := resource.Spec.Decode(&spec); err != nil {
				return fmt.Errorf("task %q: %w", resource.Metadata.Name, err)
			}
			t := &types.Task{
				Title:          resource.Metadata.Name,
				Description:    spec.Description,
				Priority:       types.TaskPriority(spec.Priority),
				Type:           spec.Type,
				RequiredSkills: spec.RequiredSkills,
				Dependencies:   spec.Dependencies,
				Files:          spec.Files,
				Branch:         spec.Branch,
			}
			if spec.MaxRetries != nil {
				t.MaxRetries = *spec.MaxRetries
			}
			if spec.EstimatedMinutes != nil {
				t.EstimatedMinutes = spec.EstimatedMinutes
			}
			created, err := p.Tasks.Create(ctx, t)
			if err != nil {
				return fmt.Errorf("task %q: %w", resource.Metadata.Name, err)
			}
			fmt.Printf("✓ Task created: %s (%s, %s)\n", created.Title, created.ID, created.Status)

		case "Memory":
			var spec MemorySpec
			if err := resource.Spec.Decode(&spec); err != nil {
				return fmt.Errorf("memory %q: %w", resource.Metadata.Name, err)
			}
			m := &types.Memory{
				Kind:    types.MemoryKind(spec.Kind),
				Content: spec.Content,
				Tags:    spec.Tags,
			}
			if spec.AgentID != "" {
				m.AgentID = &spec.AgentID
			}
			if spec.TaskID != "" {
				m.TaskID = &spec.TaskID
			}
			created, err := p.Memories.Create(ctx, m)
			if err != nil {
				return fmt.Errorf("memory %q: %w", resource.Metadata.Name, err)
			}
			fmt.Printf("✓ Memory created: %s\n", created.ID)

		default:
			return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
		}
		applied++
	}

	if applied == 0 {
		return fmt.Errorf("no resources found in %s", filename)
	}
	fmt.Printf("Applied %d resource(s)\n", applied)
	return nil
}
