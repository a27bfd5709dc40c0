package main

import (
	"github.com/danmuck/stackguard/internal/logging"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "stackguard",
	Short:         "Self-verifying float64 stack with an out-of-process shadow replica",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Name() != shadowCmd.Name() {
			logging.ConfigureRuntime()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (defaults apply when empty)")
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(shadowCmd)
}
