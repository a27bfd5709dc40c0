package main

import (
	"fmt"

	"github.com/danmuck/stackguard/internal/shadow"
	"github.com/spf13/cobra"
)

// shadowCmd serves the worker protocol on stdin/stdout. Supervisors normally
// re-exec the binary with the worker env set instead; this entry point is for
// running a worker by hand.
var shadowCmd = &cobra.Command{
	Use:    "shadow",
	Short:  "Serve the shadow worker protocol on stdin/stdout",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if code := shadow.RunWorker(); code != 0 {
			return fmt.Errorf("shadow worker exited with code %d", code)
		}
		return nil
	},
}
