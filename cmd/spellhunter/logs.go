package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"github.com/paulohpb/spell-hunter-bot/internal/launch"
)

func newLogsCmd() *cobra.Command {
	var cfgPath string
	var follow bool
	var tail int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print or follow the bot's log stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			plan, err := assemblePlan(cfg)
			if err != nil {
				return err
			}
			rt, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			handle := &drydock.Instance{InstanceName: cfg.Bot.Name}
			if follow {
				orch := &launch.Orchestrator{
					Runtime: rt,
					Plan:    plan,
					Out:     cmd.OutOrStdout(),
				}
				return orch.Follow(cmd.Context(), handle)
			}
			lines, err := rt.TailLogs(cmd.Context(), handle, tail)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow the log stream")
	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "number of recent lines to print")
	return cmd
}
