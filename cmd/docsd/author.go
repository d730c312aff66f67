package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	docs "github.com/i5heu/ouroboros-docs"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

var (
	authorCmd = &cobra.Command{
		Use:   "author",
		Short: "Manage the author keys of the data directory",
	}
	authorCreateCmd = &cobra.Command{
		Use:     "create",
		Short:   "Create an author",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, func(ctx context.Context, node *docs.Node) error {
				id, err := node.Authors().Create(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id.String())
				return nil
			})
		},
	}
	authorListCmd = &cobra.Command{
		Use:     "list",
		Short:   "List the authors, marking the default with *",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, func(ctx context.Context, node *docs.Node) error {
				def, err := node.Authors().Default(ctx)
				if err != nil {
					return err
				}
				list, err := node.Authors().List(ctx)
				if err != nil {
					return err
				}
				for _, id := range list {
					mark := " "
					if id == def {
						mark = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, id)
				}
				return nil
			})
		},
	}
	authorDefaultCmd = &cobra.Command{
		Use:     "default <author>",
		Short:   "Make an author the default",
		Args:    cobra.ExactArgs(1),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keys.ParseAuthorID(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, node *docs.Node) error {
				return node.Authors().SetDefault(ctx, id)
			})
		},
	}
)

func init() {
	authorCmd.AddCommand(authorCreateCmd)
	authorCmd.AddCommand(authorListCmd)
	authorCmd.AddCommand(authorDefaultCmd)
}
