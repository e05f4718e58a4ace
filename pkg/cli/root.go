// Package cli wires the sentryd daemon's single cobra command: parse
// environment configuration, build the capture pipeline, and run it
// until a shutdown signal arrives.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sentryd",
	Short: "sentryd - node-resident HTTP endpoint inventory sentry",
	Long: `sentryd sniffs plaintext HTTP traffic on a node's network
interfaces, reconstructs request/response pairs from raw TCP payloads,
attributes them to a logical service, de-duplicates repeat observations,
and publishes newly observed endpoints to an external API-inventory
control plane.`,
	RunE: runDaemon,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentryd version %s\n", Version)
	},
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
