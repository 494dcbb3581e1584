package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/holon-run/cellstream/pkg/cellrun"
	"github.com/holon-run/cellstream/pkg/config"
	"github.com/holon-run/cellstream/pkg/fallback"
	"github.com/holon-run/cellstream/pkg/serve"
)

var (
	statusURL   string
	statusPath  string
	statusStats bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a server for kernel status or run counters",
	Long: `Query a running server over POST /rpc.

Examples:
  cellstream status --url http://127.0.0.1:8765 --path nb.py
  cellstream status --url http://127.0.0.1:8765 --stats`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		endpoint := strings.TrimRight(statusURL, "/") + "/rpc"
		var result interface{}
		if statusStats {
			var stats cellrun.Stats
			if err := serve.Call(cmd.Context(), endpoint, serve.MethodServerStats, nil, &stats); err != nil {
				return err
			}
			result = stats
		} else {
			if statusPath == "" {
				return errors.New("--path is required unless --stats is set")
			}
			var status cellrun.KernelStatus
			if err := serve.Call(cmd.Context(), endpoint, serve.MethodKernelStatus, serve.KernelStatusParams{Path: statusPath}, &status); err != nil {
				return err
			}
			result = status
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var fallbackCmd = &cobra.Command{
	Use:   "fallback",
	Short: "Inspect stored fallback output",
}

var fallbackShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print a stored run as NDJSON",
	Long: `Print the messages of a fallback file (.ndjson or .ndjson.zst), one per
line. The command fails when the run never reached its done marker.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, done, err := fallback.ReadRun(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetEscapeHTML(false)
		for _, msg := range msgs {
			if err := enc.Encode(msg); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
		if !done {
			return fmt.Errorf("%s: run is incomplete", args[0])
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "http://"+config.DefaultListen, "Base HTTP URL of the server")
	statusCmd.Flags().StringVarP(&statusPath, "path", "p", "", "Target path")
	statusCmd.Flags().BoolVar(&statusStats, "stats", false, "Print server counters instead")
	rootCmd.AddCommand(statusCmd)

	fallbackCmd.AddCommand(fallbackShowCmd)
	rootCmd.AddCommand(fallbackCmd)
}
