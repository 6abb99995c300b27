package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/go-go-golems/convtree/pkg/conversation/manager"
	"github.com/go-go-golems/convtree/pkg/helpers"
	"github.com/spf13/cobra"
)

func NewCreateCommand() *cobra.Command {
	var (
		description string
		tags        []string
		messages    []string
		seedFile    string
		contextKV   []string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new conversation tree",
		Long: `Create a new conversation tree with a single root node.

Seed messages are given as role:content, for example
  convtree create research --message "user:What is a B-tree?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := conversation.Conversation{}
			if seedFile != "" {
				fromFile, err := conversation.LoadMessagesFromFile(seedFile)
				if err != nil {
					return err
				}
				seed = append(seed, fromFile...)
			}
			fromFlags, err := parseMessages(messages)
			if err != nil {
				return err
			}
			seed = append(seed, fromFlags...)
			snapshot, err := helpers.ParsePairs(contextKV)
			if err != nil {
				return err
			}
			opts := manager.CreateOptions{
				Description: description,
				Messages:    seed,
				Tags:        tags,
			}
			if len(snapshot) > 0 {
				opts.Context = snapshot
			}

			return runWithManager(cmd.Context(), runOptions{},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					tree, err := m.CreateTree(ctx, args[0], opts)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", tree.ID)
					return err
				})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Tree description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags of the tree")
	cmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "Seed message as role:content, repeatable")
	cmd.Flags().StringVar(&seedFile, "messages-file", "", "JSON or YAML file with seed messages, added before --message")
	cmd.Flags().StringArrayVar(&contextKV, "context", nil, "Context of the root node as key:value, repeatable")
	return cmd
}

func parseMessages(specs []string) (conversation.Conversation, error) {
	ret := conversation.Conversation{}
	for _, s := range specs {
		role, content, ok := strings.Cut(s, ":")
		if !ok {
			return nil, conversation.NewValidationError("parse message", "write messages as role:content", "invalid message %q", s)
		}
		r, err := parseRole(role)
		if err != nil {
			return nil, err
		}
		ret = append(ret, conversation.NewMessage(r, strings.TrimSpace(content)))
	}
	return ret, nil
}

func parseRole(s string) (conversation.Role, error) {
	switch r := conversation.Role(strings.ToLower(strings.TrimSpace(s))); r {
	case conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant, conversation.RoleTool:
		return r, nil
	}
	return "", conversation.NewValidationError("parse message", "use system, user, assistant or tool", "unknown role %q", s)
}

func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored trees, most recently modified first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					summaries, err := m.ListTrees(ctx)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					_, _ = fmt.Fprintln(w, "ID\tNAME\tNODES\tMESSAGES\tBRANCHES\tMODIFIED")
					for _, s := range summaries {
						_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
							s.ID, s.Name, s.NodeCount, s.MessageCount, s.BranchCount, humanize.Time(s.LastModified))
					}
					return w.Flush()
				})
		},
	}
}

func NewShowCommand() *cobra.Command {
	var showMessages bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the nodes of a tree as an outline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					tree, err := m.ActiveTree()
					if err != nil {
						return err
					}
					printTree(cmd.OutOrStdout(), tree, showMessages)
					return nil
				})
		},
	}
	cmd.Flags().BoolVar(&showMessages, "messages", false, "Print the messages of every node")
	return cmd
}

func printTree(w io.Writer, tree *conversation.Tree, showMessages bool) {
	_, _ = fmt.Fprintf(w, "%s (%s)\n", tree.Name, tree.ID)
	if tree.Description != "" {
		_, _ = fmt.Fprintf(w, "  %s\n", tree.Description)
	}
	_, _ = fmt.Fprintf(w, "  created %s, modified %s\n\n",
		humanize.Time(tree.CreatedAt), humanize.Time(tree.LastModified))

	var walk func(id string, prefix string)
	walk = func(id string, prefix string) {
		n, ok := tree.Node(id)
		if !ok {
			return
		}
		marker := " "
		if id == tree.ActiveNodeID {
			marker = "*"
		}
		_, _ = fmt.Fprintf(w, "%s%s %s [%s] %s, %s, %s\n",
			prefix, marker, n.Name, n.ID,
			pluralize(len(n.Messages), "message"),
			humanize.Bytes(uint64(n.Metadata.Size)),
			n.Metadata.MergeStatus)
		if showMessages {
			for _, msg := range n.Messages {
				_, _ = fmt.Fprintf(w, "%s    %s: %s\n", prefix, msg.Role, truncate(msg.Content, 72))
			}
		}
		for _, c := range n.Children {
			walk(c, prefix+"  ")
		}
	}
	walk(tree.RootID, "")
}

func pluralize(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func NewStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print statistics of a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					stats, err := m.Stats()
					if err != nil {
						return err
					}
					md := stats.Metadata
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					_, _ = fmt.Fprintf(w, "tree\t%s (%s)\n", stats.Name, stats.TreeID)
					_, _ = fmt.Fprintf(w, "active node\t%s (depth %d)\n", stats.ActiveNodeID, stats.ActiveDepth)
					_, _ = fmt.Fprintf(w, "nodes\t%s\n", humanize.Comma(int64(md.TotalNodes)))
					_, _ = fmt.Fprintf(w, "messages\t%s\n", humanize.Comma(int64(md.TotalMessages)))
					_, _ = fmt.Fprintf(w, "max depth\t%d\n", md.MaxDepth)
					_, _ = fmt.Fprintf(w, "branches\t%d (%d merged, %d conflicted)\n",
						md.BranchCount, md.MergedBranches, md.ConflictedBranches)
					if len(md.Tags) > 0 {
						_, _ = fmt.Fprintf(w, "tags\t%s\n", strings.Join(md.Tags, ", "))
					}
					return w.Flush()
				})
		},
	}
}

func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tree-id>",
		Short: "Delete a tree from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					deleted, err := m.DeleteTree(ctx, args[0])
					if err != nil {
						return err
					}
					if !deleted {
						_, err = fmt.Fprintf(cmd.OutOrStdout(), "tree %s does not exist\n", args[0])
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
					return err
				})
		},
	}
}

func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [tree-id]",
		Short: "Check the structural integrity of a tree",
		Long: `Check the structural integrity of a tree.

The tree is read without validation, so that broken trees can be inspected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			m := manager.NewFromSettings(settings, manager.WithValidateOnLoad(false))
			return runManager(cmd.Context(), m, settings, runOptions{loadTree: len(args) == 0},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					id := argOrActive(args, m)
					if len(args) > 0 {
						if _, err := m.LoadTree(ctx, id); err != nil {
							return err
						}
					}
					res, err := m.ValidateTree(id)
					if err != nil {
						return err
					}
					if res.IsValid {
						_, err = fmt.Fprintf(cmd.OutOrStdout(), "tree %s is valid\n", id)
						return err
					}
					for _, e := range res.Errors {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", e)
					}
					return res.Err()
				})
		},
	}
}

func NewPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove empty leaf branches of a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					removed, err := m.PruneEmptyBranches(ctx)
					if err != nil {
						return err
					}
					sort.Strings(removed)
					for _, id := range removed {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %s\n", pluralize(len(removed), "node"))
					return err
				})
		},
	}
}

func NewWatchCommand() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load a tree, keep it auto-saved and print its events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			return runWithManager(ctx, runOptions{loadTree: true, printEvents: true, autoSave: true},
				func(ctx context.Context, m *manager.Manager, settings *config.Settings) error {
					_, _ = fmt.Fprintf(os.Stderr, "watching %s, auto-save every %s\n",
						m.ActiveTreeID(), settings.AutoSaveInterval)
					<-ctx.Done()
					return nil
				})
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this duration")
	return cmd
}
