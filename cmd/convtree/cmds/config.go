package cmds

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configFilePath is the config file in use, or ~/.convtree/config.yaml.
func configFilePath() (string, error) {
	if path := viper.ConfigFileUsed(); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".convtree", "config.yaml"), nil
}

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and edit the configuration file",
	}
	cmd.AddCommand(newConfigSetCommand(), newConfigGetCommand(), newConfigPathCommand())
	return cmd
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value in the configuration file, keeping comments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configFilePath()
			if err != nil {
				return err
			}
			if err := config.SetValue(path, args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", args[0], args[1], path)
			return err
		},
	}
}

func newConfigGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the effective value of a setting",
		Long: `Print the effective value of a setting, taking flags, environment and
the configuration file into account. Use --raw to only read the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			if !raw {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%v\n", viper.Get(args[0]))
				return err
			}
			path, err := configFilePath()
			if err != nil {
				return err
			}
			v, ok, err := config.GetValue(path, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not set in %s", args[0], path)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
			return err
		},
	}
	cmd.Flags().Bool("raw", false, "Read the value from the configuration file only")
	return cmd
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the path of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configFilePath()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}
