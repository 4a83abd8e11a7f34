// Command runctl drives the control plane from a terminal: it submits and
// approves runs, acts as a worker, resolves interrupts, approves changesets
// and tails a run's audit stream.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "runctl",
	Short:         "Operate agent runs on the control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	apiAddr      string
	internalAddr string
	outputJSON   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", envOr("RUNCTL_API", "http://127.0.0.1:8080"), "Admission API address")
	rootCmd.PersistentFlags().StringVar(&internalAddr, "internal", envOr("RUNCTL_INTERNAL", "http://127.0.0.1:8081"), "Worker API address")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(runCmd, workerCmd, changesetCmd, webhookCmd, tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
