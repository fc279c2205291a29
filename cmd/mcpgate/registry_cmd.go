package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"pkt.systems/mcpgate/registry"
)

func newRegistryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect deployment registry files",
	}
	cmd.AddCommand(newRegistryCheckCommand())
	return cmd
}

// newRegistryCheckCommand lints a deployments file the same way the server
// loads it, so an operator can validate an edit before rollout.
func newRegistryCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a deployments YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			deployments, err := registry.ParseDocument(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			sort.Slice(deployments, func(i, j int) bool {
				return deployments[i].ID < deployments[j].ID
			})
			for _, d := range deployments {
				target := d.Address
				if d.Kind == registry.KindLocal {
					target = d.Command
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", d.ID, d.Kind, d.Status, target)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d deployment(s) OK\n", len(deployments))
			return nil
		},
	}
	return cmd
}
