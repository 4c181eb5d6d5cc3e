package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"uebridge/client"
	"uebridge/config"
	"uebridge/logging"
	"uebridge/script"

	_ "uebridge/server/demo" // demo type descriptors
)

type GlobalFlags struct {
	ConfigPath  string
	Endpoint    string
	Codec       string
	LogLevel    string
	NonBlocking bool
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "uebridge",
	Short: "Drive engine objects from Lua",
	Long: `uebridge connects to an engine and runs Lua against it.

The engine is found through --endpoint, the registry in the config file, or
a scan of 127.0.0.1:60001-60005. Scripts use the ue table:

  local o = ue.new("MyObject")
  print(o:call("Add", ue.arg("a", "int32", 3), ue.arg("b", "int32", 4)))
  o:destroy()`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(globalFlags.ConfigPath); err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("endpoint") {
			cfg.Endpoint = globalFlags.Endpoint
		}
		if flags.Changed("codec") {
			cfg.Codec = globalFlags.Codec
		}
		if flags.Changed("log-level") {
			cfg.Log.Level = globalFlags.LogLevel
		}
		if flags.Changed("non-blocking") {
			cfg.NonBlocking = globalFlags.NonBlocking
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.InternTypes(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Endpoint, "endpoint", "e", "", "engine endpoint (tcp://, host:port, ws://)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Codec, "codec", "json", "body codec: json|binary")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "info", "debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.NonBlocking, "non-blocking", false, "fail calls on objects still being constructed")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(pingCmd)
}

// scriptContext is cancelled by ^C or --timeout.
func scriptContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	if runTimeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func connect(ctx context.Context) (*client.Client, error) {
	return client.Connect(ctx, cfg, logger)
}

// withEngine connects, runs fn with a script engine and tears both down.
func withEngine(ctx context.Context, fn func(*script.Engine) error) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	e := script.New(ctx, c.Client, logger)
	defer e.Close()
	return fn(e)
}
