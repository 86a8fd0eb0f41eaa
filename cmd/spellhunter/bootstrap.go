package main

import (
	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/bootstrap"
	"pkt.systems/pslog"
)

func newBootstrapCmd() *cobra.Command {
	var outputDir string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Generate starter config, Containerfile and project files",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			paths, err := bootstrap.WriteBootstrap(outputDir, overwrite)
			if err != nil {
				return err
			}
			logger.Info("bootstrap complete",
				"config", paths.ConfigPath,
				"containerfile", paths.ContainerfilePath,
				"env", paths.EnvPath,
				"products", paths.ProductsPath,
				"logs", paths.LogDir,
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "output directory")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing files (secrets are always kept)")
	return cmd
}
