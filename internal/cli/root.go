// Package cli implements the letsmeet command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/letsmeet-app/letsmeet/internal/version"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "letsmeet",
	Short:   "Peer-to-peer video calls from the terminal using WebRTC",
	Long:    `letsmeet establishes direct peer-to-peer audio/video calls between two participants. A small relay server routes the connection negotiation; once connected, all media flows directly between the peers.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and runs it. Called
// by main.main().
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
