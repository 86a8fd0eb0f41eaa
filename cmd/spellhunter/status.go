package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
)

func newStatusCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report image and instance state",
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

			out := cmd.OutOrStdout()
			imageOK, err := rt.ImageExists(cmd.Context(), cfg.Image.Reference)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "image %s: %s\n", cfg.Image.Reference, presence(imageOK, "present", "missing"))

			handle := &drydock.Instance{InstanceName: cfg.Bot.Name}
			running, err := rt.Running(cmd.Context(), handle)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "instance %s: %s\n", cfg.Bot.Name, presence(running, "running", "stopped"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func presence(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
