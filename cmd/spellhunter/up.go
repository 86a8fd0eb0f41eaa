package main

import (
	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/internal/launch"
)

func newUpCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Build the bot image, start it detached and follow its logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			plan, err := assemblePlan(cfg)
			if err != nil {
				return err
			}
			builder, err := selectBuilder(cfg)
			if err != nil {
				return err
			}
			rt, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			orch := &launch.Orchestrator{
				Builder: builder,
				Runtime: rt,
				Plan:    plan,
				Out:     cmd.OutOrStdout(),
			}
			return orch.Up(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
