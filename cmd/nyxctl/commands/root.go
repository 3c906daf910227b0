// Package commands implements the nyxctl command tree.
package commands

import (
	"github.com/spf13/cobra"
)

// Global flags shared by all subcommands.
var (
	flagEndpoint string
	flagToken    string
	flagCookie   string
	flagJSON     bool
)

// rootCmd is the nyxctl entry point.
var rootCmd = &cobra.Command{
	Use:   "nyxctl",
	Short: "Control CLI for the Nyx daemon",
	Long: `nyxctl talks to a running nyxd over its management API.

Authentication uses the daemon control cookie. The token is resolved
from NYX_CONTROL_TOKEN, NYX_TOKEN, NYX_DAEMON_COOKIE (a file path), or
the platform default cookie location, unless --token is given.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

//nolint:gochecknoinits // Cobra command wiring is conventionally done in init.
func init() {
	rootCmd.PersistentFlags().StringVar(&flagEndpoint, "endpoint",
		"http://127.0.0.1:43310", "management API endpoint")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token",
		"", "control token (overrides cookie lookup)")
	rootCmd.PersistentFlags().StringVar(&flagCookie, "cookie",
		"", "control cookie file path")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json",
		false, "print raw JSON responses")

	rootCmd.AddCommand(
		newInfoCmd(),
		newConnectionsCmd(),
		newSessionsCmd(),
		newConfigCmd(),
		newErrorsCmd(),
		newEventsCmd(),
		newVersionCmd(),
	)
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}
