package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "robodic",
	Short: "robodic - robot-synchronized time-series image acquisition",
	Long: `Robodic orchestrates a motion robot, a serial digital-I/O bridge,
and a set of area-scan cameras into long-running unattended time-series
acquisitions.

The robot visits each sample position and requests a capture over the
bridge; robodic captures one image per camera, acknowledges, and repeats
for every sample of every run on the configured cadence.`,
	Version: version,
	// Show help instead of silently succeeding when no subcommand is given
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Errors are printed with color by the printer package, not by Cobra
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
