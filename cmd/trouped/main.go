// trouped is the session orchestration daemon: it keeps durable conversation
// state per (bot, user) pair, runs worker invocations, brokers bot-to-bot
// delegations, and multiplexes web terminals over a single websocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"troupe/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "trouped",
		Short:         "Multi-bot session orchestration daemon",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/troupe.yaml", "path to the daemon config file")
	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newValidateCommand(&configPath))
	return root
}
