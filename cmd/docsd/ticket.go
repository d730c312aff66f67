package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

var (
	ticketCmd = &cobra.Command{
		Use:   "ticket",
		Short: "Inspect document tickets",
	}
	ticketInspectCmd = &cobra.Command{
		Use:   "inspect <ticket>",
		Short: "Print the namespace, capability and nodes of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ticket.Parse(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "namespace: %s\n", t.Capability.ID())
			fmt.Fprintf(cmd.OutOrStdout(), "mode:      %s\n", t.Capability.Mode())
			for _, n := range t.Nodes {
				fmt.Fprintf(cmd.OutOrStdout(), "node:      %s\n", n)
			}
			return nil
		},
	}
)

func init() {
	ticketCmd.AddCommand(ticketInspectCmd)
}
