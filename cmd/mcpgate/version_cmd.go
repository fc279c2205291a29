package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/mcpgate"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mcpgate version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mcpgate %s\n", mcpgate.Version())
			return err
		},
	}
}
