package main

import (
	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"pkt.systems/pslog"
)

func newStopCmd() *cobra.Command {
	var cfgPath string
	var remove bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running bot instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			rt, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			logger := pslog.Ctx(cmd.Context())
			handle := &drydock.Instance{InstanceName: cfg.Bot.Name}
			if err := rt.Stop(cmd.Context(), handle); err != nil {
				return err
			}
			logger.Info("bot stopped", "container", cfg.Bot.Name)
			if remove {
				if err := rt.Remove(cmd.Context(), handle); err != nil {
					return err
				}
				logger.Info("bot removed", "container", cfg.Bot.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&remove, "rm", false, "remove the container after stopping")
	return cmd
}
