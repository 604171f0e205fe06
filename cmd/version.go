package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vinlin24/tacobot-public/tacobot"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(
			cmd.OutOrStdout(),
			"tacobot %s (commit %s, built %s)\n",
			tacobot.Version,
			tacobot.CommitSHA,
			tacobot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
