package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/vinlin24/tacobot-public/tacobot"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the TacoBot bot and admin API",
	Run:   runBot,
}

func runBot(cmd *cobra.Command, _ []string) {
	tb, err := tacobot.New(cfg)
	if err != nil {
		log.Fatalf("error creating tacobot: %v", err)
	}

	if err = tb.Run(cmd.Context()); err != nil {
		log.Fatalf("error running tacobot: %v", err)
	}

	// the restart command stops the bot with exit code 0 so
	// the process manager brings it back up; abort exits 1
	if code := tb.ExitCode(); code != 0 {
		os.Exit(code)
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
