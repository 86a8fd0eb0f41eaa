package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/internal/launch"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	var follow bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot detached from an already built image",
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

			ok, err := rt.ImageExists(cmd.Context(), plan.Launch.Image)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("image %s not found; run spellhunter build first", plan.Launch.Image)
			}

			orch := &launch.Orchestrator{
				Runtime: rt,
				Plan:    plan,
				Out:     cmd.OutOrStdout(),
			}
			fmt.Fprintln(cmd.OutOrStdout(), launch.MsgStarting)
			handle, err := orch.Start(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logs available at %s\n", plan.LogHint)
			if follow {
				return orch.Follow(cmd.Context(), handle)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow the log stream after starting")
	return cmd
}
