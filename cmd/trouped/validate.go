package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"troupe/internal/bot"
	"troupe/internal/config"
)

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and bots file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			bots, err := bot.LoadBotsFile(cfg.Paths.BotsFile)
			if err != nil {
				return fmt.Errorf("bots: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d bots, listening on %s\n", len(bots), cfg.Server.Addr)
			for _, b := range bots {
				mode := "gateway"
				if b.WebOnly {
					mode = "web-only"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s, brain=%s)\n", b.ID, mode, b.BrainRef)
			}
			return nil
		},
	}
}
