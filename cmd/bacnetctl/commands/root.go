// Package commands implements the bacnetctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// outputFormat controls the output format for all commands (table or json).
var outputFormat string

// rootCmd is the top-level cobra command for bacnetctl.
var rootCmd = &cobra.Command{
	Use:   "bacnetctl",
	Short: "Offline toolbox for BACnet MS/TP and BVLC wire data",
	Long:  "bacnetctl encodes and decodes MS/TP frames, parses BACnet addresses, and inspects BVLC broadcast-distribution tables. It has no daemon to talk to: every subcommand runs entirely locally against files or arguments.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(frameCmd())
	rootCmd.AddCommand(addrCmd())
	rootCmd.AddCommand(bvlcCmd())
	rootCmd.AddCommand(selftestCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
