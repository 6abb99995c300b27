package cmds

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/go-go-golems/convtree/pkg/conversation/branch"
	"github.com/go-go-golems/convtree/pkg/conversation/manager"
	"github.com/go-go-golems/convtree/pkg/conversation/navigation"
	"github.com/go-go-golems/convtree/pkg/events"
	"github.com/go-go-golems/convtree/pkg/history"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	KeyTree        = "tree"
	KeyPrintEvents = "print-events"
)

var (
	_ navigation.SessionLog = (*history.Log)(nil)
	_ branch.Checkpointer   = (*history.Log)(nil)
)

// AddCommands registers all convtree subcommands on root.
func AddCommands(root *cobra.Command) {
	root.AddCommand(
		NewCreateCommand(),
		NewListCommand(),
		NewShowCommand(),
		NewStatsCommand(),
		NewDeleteCommand(),
		NewValidateCommand(),
		NewPruneCommand(),
		NewBranchCommand(),
		NewSwitchCommand(),
		NewMergeCommand(),
		NewCompareCommand(),
		NewAppendCommand(),
		NewExportCommand(),
		NewImportCommand(),
		NewWatchCommand(),
		NewConfigCommand(),
	)
}

// PrintError writes err and, for tree errors, the recovery hint.
func PrintError(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", err)
	if hint := conversation.Hint(err); hint != "" {
		_, _ = fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

func loadSettings() (*config.Settings, error) {
	return config.NewSettingsFromViper(viper.GetViper())
}

type runOptions struct {
	// loadTree loads the tree named by --tree before running.
	loadTree bool
	// printEvents forces the event printer on, regardless of --print-events.
	printEvents bool
	// autoSave starts the auto-saver if it is enabled in the settings.
	autoSave bool
}

// runWithManager creates and initializes a manager from the settings, runs f
// and closes the manager. If events are printed, an event router runs next to
// f and is shut down after the manager is closed.
func runWithManager(
	ctx context.Context,
	opts runOptions,
	f func(ctx context.Context, m *manager.Manager, settings *config.Settings) error,
) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	hist, err := history.New(settings.HistoryDir, history.WithPathFormat(settings.HistoryFormat))
	if err != nil {
		return err
	}

	managerOptions := []manager.Option{
		manager.WithSessionLog(hist),
		manager.WithCheckpointer(hist),
	}

	var router *events.EventRouter
	if opts.printEvents || viper.GetBool(KeyPrintEvents) {
		router, err = events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
		if err != nil {
			return err
		}
		router.AddHandler("tree-printer", events.TopicTreeEvents, events.TreePrinterFunc(os.Stderr))

		pm := events.NewPublisherManager()
		pm.SubscribePublisher(events.TopicTreeEvents, router.Publisher)
		managerOptions = append(managerOptions, manager.WithPublisher(pm))
	}

	m := manager.NewFromSettings(settings, managerOptions...)

	if router == nil {
		return runManager(ctx, m, settings, opts, f)
	}

	eg, groupCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(groupCtx)
	})
	eg.Go(func() error {
		defer func() {
			_ = router.Close()
		}()
		select {
		case <-router.Running():
		case <-groupCtx.Done():
			return groupCtx.Err()
		}
		return runManager(groupCtx, m, settings, opts, f)
	})
	return eg.Wait()
}

func runManager(
	ctx context.Context,
	m *manager.Manager,
	settings *config.Settings,
	opts runOptions,
	f func(ctx context.Context, m *manager.Manager, settings *config.Settings) error,
) (err error) {
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		// the command context may be gone by now, closing still has to save
		if closeErr := m.Close(context.Background()); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if opts.loadTree {
		id := viper.GetString(KeyTree)
		if id == "" {
			return conversation.NewValidationError("load tree",
				"pass --tree, set CONVTREE_TREE or run convtree config set tree <id>",
				"no tree selected")
		}
		if _, err := m.LoadTree(ctx, id); err != nil {
			return err
		}
	}

	if opts.autoSave && settings.AutoSaveEnabled {
		if err := m.StartAutoSave(ctx); err != nil {
			return err
		}
	}

	log.Debug().Str("storage_dir", settings.StorageDir).Msg("Running command")
	return f(ctx, m, settings)
}

// argOrActive returns the first argument, or the id of the active tree.
func argOrActive(args []string, m *manager.Manager) string {
	if len(args) > 0 {
		return args[0]
	}
	return m.ActiveTreeID()
}
