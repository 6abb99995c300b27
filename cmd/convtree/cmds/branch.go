package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/go-go-golems/convtree/pkg/conversation/branch"
	"github.com/go-go-golems/convtree/pkg/conversation/manager"
	"github.com/go-go-golems/convtree/pkg/conversation/navigation"
	"github.com/go-go-golems/convtree/pkg/helpers"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewBranchCommand() *cobra.Command {
	var (
		from         string
		description  string
		reason       string
		tags         []string
		custom       []string
		copyMessages bool
		copyContext  bool
		checkpoint   bool
		switchTo     bool
	)
	cmd := &cobra.Command{
		Use:   "branch <name>",
		Short: "Create a branch off a node of the tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customData, err := helpers.ParsePairs(custom)
			if err != nil {
				return err
			}
			opts := branch.Options{
				Description:      description,
				DivergenceReason: reason,
				CopyMessages:     helpers.FlagPointer(cmd.Flags().Changed("copy-messages"), copyMessages),
				CopyContext:      helpers.FlagPointer(cmd.Flags().Changed("copy-context"), copyContext),
				Tags:             tags,
				CreateCheckpoint: checkpoint,
			}
			if len(customData) > 0 {
				opts.Custom = customData
			}

			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					node, err := m.CreateBranch(ctx, from, args[0], opts)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", node.ID)
					if !switchTo {
						return nil
					}
					res, err := m.SwitchToNode(ctx, node.ID)
					printSwitch(cmd, res)
					return err
				})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Node to branch from (default: the active node)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Branch description")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the conversation diverges here")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags of the branch")
	cmd.Flags().StringArrayVar(&custom, "meta", nil, "Custom metadata as key:value, repeatable")
	cmd.Flags().BoolVar(&copyMessages, "copy-messages", true, "Copy the messages of the source node")
	cmd.Flags().BoolVar(&copyContext, "copy-context", true, "Copy the context of the source node")
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "Checkpoint the session history before branching")
	cmd.Flags().BoolVar(&switchTo, "switch", false, "Switch to the new branch")
	return cmd
}

func NewSwitchCommand() *cobra.Command {
	var (
		parent  bool
		child   int
		sibling int
	)
	cmd := &cobra.Command{
		Use:   "switch [node-id]",
		Short: "Move the active node and replay its messages into the session history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					var res *navigation.SwitchResult
					var err error
					switch {
					case len(args) == 1:
						res, err = m.SwitchToNode(ctx, args[0])
					case parent:
						res, err = m.NavigateToParent(ctx)
					case cmd.Flags().Changed("child"):
						res, err = m.NavigateToChild(ctx, child)
					case cmd.Flags().Changed("sibling"):
						res, err = m.NavigateToSibling(ctx, sibling)
					default:
						return conversation.NewValidationError("switch node",
							"pass a node id, --parent, --child or --sibling", "no target given")
					}
					if res == nil && err == nil {
						_, err = fmt.Fprintln(cmd.OutOrStdout(), "nothing to switch to")
						return err
					}
					printSwitch(cmd, res)
					return err
				})
		},
	}
	cmd.Flags().BoolVar(&parent, "parent", false, "Switch to the parent of the active node")
	cmd.Flags().IntVar(&child, "child", 0, "Switch to the n-th child of the active node")
	cmd.Flags().IntVar(&sibling, "sibling", 0, "Move n positions through the siblings of the active node")
	return cmd
}

func printSwitch(cmd *cobra.Command, res *navigation.SwitchResult) {
	if res == nil {
		return
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "switched %s -> %s (%s, %s)\n",
		res.PreviousNodeID, res.Node.ID, res.Node.Name, pluralize(len(res.Node.Messages), "message"))
}

func NewMergeCommand() *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "merge <source-node> <target-node>",
		Short: "Merge a branch into another node",
		Long: `Merge a branch into another node.

Strategies:
  fast_forward  target adopts the source state, target must be an ancestor of source
  three_way     combine both sides, refuse on any conflict
  auto_resolve  combine both sides, resolving message order and context conflicts
  manual        report conflicts, merge only if there are none`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := conversation.ParseMergeStrategy(strategy)
			if err != nil {
				return err
			}
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					res, err := m.MergeBranches(ctx, args[0], args[1], s)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					if res.Success {
						_, err = fmt.Fprintf(out, "merged %s into %s (%s), %s\n",
							args[0], args[1], res.Strategy, pluralize(res.Metadata.MergedMessages, "new message"))
						return err
					}
					if len(res.Conflicts) == 0 {
						return conversation.NewValidationError("merge branches",
							"fast-forward needs the target to be an ancestor of the source, try three_way",
							"%s cannot be merged into %s with %s", args[0], args[1], res.Strategy)
					}
					_, _ = fmt.Fprintf(out, "merge blocked by %s:\n", pluralize(len(res.Conflicts), "conflict"))
					enc := yaml.NewEncoder(out)
					enc.SetIndent(2)
					if err := enc.Encode(res.Conflicts); err != nil {
						return err
					}
					return enc.Close()
				})
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(conversation.MergeStrategyThreeWay),
		"Merge strategy (fast_forward, three_way, auto_resolve, manual)")
	return cmd
}

func NewCompareCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <node-a> <node-b>",
		Short: "Describe how two branches diverged",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					cmp, err := m.CompareBranches(args[0], args[1])
					if err != nil {
						return err
					}
					enc := yaml.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent(2)
					if err := enc.Encode(cmp); err != nil {
						return err
					}
					return enc.Close()
				})
		},
	}
}

func NewAppendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "append <role> <content>",
		Short: "Append a message to the active node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseRole(args[0])
			if err != nil {
				return err
			}
			return runWithManager(cmd.Context(), runOptions{loadTree: true},
				func(ctx context.Context, m *manager.Manager, _ *config.Settings) error {
					msg := conversation.NewMessage(role, args[1])
					if err := m.AppendMessage(ctx, msg); err != nil {
						return err
					}
					if err := m.SaveActiveTree(ctx); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", msg.ID)
					return err
				})
		},
	}
}
