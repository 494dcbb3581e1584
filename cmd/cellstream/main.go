package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cellstream",
	Short: "cellstream runs code cells and streams their output to attached clients.",
	Long: `cellstream executes batches of code cells against a runtime and streams
output back to the client that submitted them. Output of runs whose client
went away is written to fallback storage instead.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
