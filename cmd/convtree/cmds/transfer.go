package cmds

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/go-go-golems/convtree/pkg/conversation/manager"
	"github.com/go-go-golems/convtree/pkg/conversation/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewExportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a tree with all of its nodes as a single YAML document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					tree, err := m.ActiveTree()
					if err != nil {
						return err
					}
					var w io.Writer = cmd.OutOrStdout()
					if output != "" && output != "-" {
						f, err := os.Create(output)
						if err != nil {
							return errors.Wrapf(err, "could not create %s", output)
						}
						defer func() {
							_ = f.Close()
						}()
						w = f
					}
					return store.ExportYAML(w, tree)
				})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func NewImportCommand() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a tree written by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrapf(err, "could not open %s", args[0])
				}
				defer func() {
					_ = f.Close()
				}()
				r = f
			}
			tree, err := store.ImportYAML(r)
			if err != nil {
				return err
			}

			return runWithManager(cmd.Context(), runOptions{},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					imported, err := m.ImportTree(ctx, tree, replace)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s, %s)\n",
						imported.ID, imported.Name, pluralize(len(imported.Nodes), "node"))
					return err
				})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace a stored tree with the same id")
	return cmd
}
