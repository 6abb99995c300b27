package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/convtree/cmd/convtree/cmds"
	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:           "convtree",
	Short:         "convtree manages persistent, branchable conversation trees",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return initLogger()
	},
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() error {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}

	return InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

// InitLogger configures the global zerolog logger. An empty format picks
// console output on a terminal and JSON otherwise.
func InitLogger(cfg *logConfig) error {
	format := cfg.LogFormat
	if format == "" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}

	var logWriter io.Writer
	switch format {
	case "text":
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	case "json":
		logWriter = os.Stderr
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}

	if cfg.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   cfg.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, //days
				},
			})
	}

	logger := zerolog.New(logWriter).With().Timestamp()
	if cfg.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

func initConfig(configPath string) error {
	viper.SetEnvPrefix(config.EnvPrefix)
	config.SetDefaults(viper.GetViper())

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if homeDir, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(homeDir, ".convtree"))
		}
		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(xdgConfigPath, "convtree"))
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, defaults and environment only
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	// picks up the log settings of the config file, --verbose is only seen
	// once cobra has parsed the flags
	if err := initLogger(); err != nil {
		return err
	}

	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("Loaded configuration")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		cmds.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.Bool("with-caller", false, "Log caller")
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	pf.String("log-format", "", "Log format (json, text), defaults to text on a terminal")
	pf.String("log-file", "", "Also log to this file, rotated")
	pf.Bool("verbose", false, "Verbose output")

	pf.String("config", "", "Path to config file (default ~/.convtree/config.yaml)")
	pf.String(config.KeyStorageDir, config.DefaultStorageDir(), "Directory the trees are stored in")
	pf.String(config.KeyHistoryDir, "", "Directory of the session history (default ~/.convtree/history)")
	pf.String(cmds.KeyTree, "", "Id of the tree to operate on")
	pf.Bool(cmds.KeyPrintEvents, false, "Print tree events to stderr")

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		} else if strings.HasPrefix(arg, "--config=") {
			configFile = strings.TrimPrefix(arg, "--config=")
		}
	}

	if err := initConfig(configFile); err != nil {
		cmds.PrintError(os.Stderr, err)
		os.Exit(1)
	}

	cmds.AddCommands(rootCmd)
}
