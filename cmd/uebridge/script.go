package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"uebridge/script"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <file.lua>",
	Short: "Run a Lua script file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := scriptContext(cmd)
		defer cancel()
		return withEngine(ctx, func(e *script.Engine) error {
			return e.DoFile(args[0])
		})
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval <lua>",
	Short: "Run a Lua chunk given on the command line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := scriptContext(cmd)
		defer cancel()
		return withEngine(ctx, func(e *script.Engine) error {
			return e.DoString(args[0])
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to the engine and report where it was found",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := scriptContext(cmd)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "engine at %s (%s)\n", c.Addr(), cfg.Codec)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, evalCmd, pingCmd} {
		cmd.Flags().DurationVar(&runTimeout, "timeout", 0, "abort after this long (0 = no limit)")
	}
}
