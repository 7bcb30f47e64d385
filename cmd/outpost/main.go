package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "outpost",
	Short: "Offline-first caching and write-queueing proxy.",

	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(newStartCmd(), newQueueCmd(), newSyncCmd(), newFlushCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
