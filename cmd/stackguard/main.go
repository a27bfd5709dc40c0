package main

import (
	"fmt"
	"os"

	"github.com/danmuck/stackguard/internal/shadow"
)

func main() {
	shadow.MaybeRunWorker()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stackguard: %v\n", err)
		os.Exit(1)
	}
}
