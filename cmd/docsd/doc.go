package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	docs "github.com/i5heu/ouroboros-docs"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/query"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

var (
	docCmd = &cobra.Command{
		Use:   "doc",
		Short: "Work with the documents of the data directory",
		Long: `Work with the documents of the data directory. These commands open
the stores themselves, so they cannot run while serve holds the
directory.`,
	}
	docCreateCmd = &cobra.Command{
		Use:     "create",
		Short:   "Create a document and print its write ticket",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, func(ctx context.Context, node *docs.Node) error {
				doc, err := node.Docs().Create(ctx)
				if err != nil {
					return err
				}
				defer func() { _ = doc.Close() }()
				// The endpoint of a one-shot command is gone once it exits,
				// so tickets carry only the node id.
				t, err := doc.Share(ctx, ticket.Write, ticket.AddrID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc.ID().String())
				fmt.Fprintln(cmd.OutOrStdout(), t.String())
				return nil
			})
		},
	}
	docListCmd = &cobra.Command{
		Use:     "list",
		Short:   "List the stored documents",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, func(ctx context.Context, node *docs.Node) error {
				list, err := node.Docs().List(ctx)
				if err != nil {
					return err
				}
				for _, info := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", info.ID, info.Mode)
				}
				return nil
			})
		},
	}
	docSetCmd = &cobra.Command{
		Use:     "set <doc> <key> <value>",
		Short:   "Write a value",
		Args:    cobra.ExactArgs(3),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDoc(cmd, args[0], func(ctx context.Context, node *docs.Node, doc *docs.Doc) error {
				author, err := authorFlag(ctx, node)
				if err != nil {
					return err
				}
				h, err := doc.SetBytes(ctx, author, []byte(args[1]), []byte(args[2]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), h.String())
				return nil
			})
		},
	}
	docGetCmd = &cobra.Command{
		Use:     "get <doc> <key>",
		Short:   "Print the latest value of a key across authors",
		Args:    cobra.ExactArgs(2),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDoc(cmd, args[0], func(ctx context.Context, _ *docs.Node, doc *docs.Doc) error {
				se, ok, err := doc.GetOne(ctx, query.SingleLatestPerKeyExact([]byte(args[1])))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %q not found", args[1])
				}
				value, err := doc.ReadToBytes(ctx, se)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
	docKeysCmd = &cobra.Command{
		Use:     "keys <doc> [prefix]",
		Short:   "List the current entries",
		Args:    cobra.RangeArgs(1, 2),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.All()
			if len(args) == 2 {
				q = query.KeyPrefixed([]byte(args[1]))
			}
			q = q.WithSortBy(query.SortKeyAuthor)
			return withDoc(cmd, args[0], func(ctx context.Context, _ *docs.Node, doc *docs.Doc) error {
				entries, err := doc.GetMany(ctx, q)
				if err != nil {
					return err
				}
				for _, se := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d\n", se.Key, se.Author.Short(), se.Hash.Short(), se.Len)
				}
				return nil
			})
		},
	}
	docDeleteCmd = &cobra.Command{
		Use:     "del <doc> <prefix>",
		Short:   "Delete every entry of the author under a prefix",
		Args:    cobra.ExactArgs(2),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDoc(cmd, args[0], func(ctx context.Context, node *docs.Node, doc *docs.Doc) error {
				author, err := authorFlag(ctx, node)
				if err != nil {
					return err
				}
				n, err := doc.Delete(ctx, author, []byte(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
				return nil
			})
		},
	}
	docShareCmd = &cobra.Command{
		Use:     "share <doc>",
		Short:   "Print a ticket for a document",
		Args:    cobra.ExactArgs(1),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := ticket.Read
			switch m := viper.GetString("mode"); m {
			case "read":
			case "write":
				mode = ticket.Write
			default:
				return fmt.Errorf("unknown mode %q", m)
			}
			return withDoc(cmd, args[0], func(ctx context.Context, _ *docs.Node, doc *docs.Doc) error {
				t, err := doc.Share(ctx, mode, ticket.AddrID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.String())
				return nil
			})
		},
	}
	docDropCmd = &cobra.Command{
		Use:     "drop <doc>",
		Short:   "Delete a document and all its entries",
		Args:    cobra.ExactArgs(1),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keys.ParseNamespaceID(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, node *docs.Node) error {
				return node.Docs().Drop(ctx, id)
			})
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{docSetCmd, docDeleteCmd} {
		c.Flags().String("author", "", wrapString("Author id to write as. Defaults to the default author"))
	}
	docShareCmd.Flags().String("mode", "read", wrapString("Capability of the ticket (read, write)"))

	docCmd.AddCommand(docCreateCmd)
	docCmd.AddCommand(docListCmd)
	docCmd.AddCommand(docSetCmd)
	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docKeysCmd)
	docCmd.AddCommand(docDeleteCmd)
	docCmd.AddCommand(docShareCmd)
	docCmd.AddCommand(docDropCmd)
}

// withDoc opens the document named by raw for one command.
func withDoc(
	cmd *cobra.Command,
	raw string,
	fn func(ctx context.Context, node *docs.Node, doc *docs.Doc) error,
) error {
	id, err := keys.ParseNamespaceID(raw)
	if err != nil {
		return err
	}
	return withNode(cmd, func(ctx context.Context, node *docs.Node) error {
		doc, err := node.Docs().Open(ctx, id)
		if err != nil {
			return err
		}
		defer func() { _ = doc.Close() }()
		return fn(ctx, node, doc)
	})
}
