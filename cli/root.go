// Package cli implements the peernode command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "peernode",
	Short: "peernode runs a node of a peer-to-peer network",
	Long: `peernode joins a peer-to-peer network through a bootstrap discovery
server, keeps its peers alive with heartbeats and reconnects with
exponential backoff when the bootstrap server goes away.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
