package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"github.com/paulohpb/spell-hunter-bot/internal/launch"
	"pkt.systems/pslog"
)

func newBuildCmd() *cobra.Command {
	var cfgPath string
	var tag string
	var output string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the bot image without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			if value := strings.TrimSpace(tag); value != "" {
				cfg.Image.Reference = value
			}
			if value := strings.TrimSpace(output); value != "" {
				cfg.Build.OutputTar = value
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
				Builder: eventLoggingBuilder{builder},
				Runtime: rt,
				Plan:    plan,
				Out:     cmd.OutOrStdout(),
			}
			logger := pslog.Ctx(cmd.Context())
			logger.Info("build.start", "tags", plan.Build.Tags, "output", plan.Build.OutputPath)
			res, err := orch.Build(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("build.complete", "images", res.ImageNames)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "image tag (default: image.reference)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "path to OCI tar export")
	return cmd
}

// eventLoggingBuilder surfaces build progress through the logger when
// the backend can stream events.
type eventLoggingBuilder struct {
	inner drydock.Builder
}

func (b eventLoggingBuilder) Build(ctx context.Context, spec drydock.BuildSpec) (drydock.BuildResult, error) {
	withEvents, ok := b.inner.(drydock.BuilderWithEvents)
	if !ok {
		return b.inner.Build(ctx, spec)
	}
	logger := pslog.Ctx(ctx)
	events := make(chan drydock.BuildEvent, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		logBuildEvents(ctx, logger, events)
	}()
	res, err := withEvents.BuildWithEvents(ctx, spec, events)
	close(events)
	<-done
	return res, err
}

func logBuildEvents(ctx context.Context, logger pslog.Logger, events <-chan drydock.BuildEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case drydock.BuildEventVertexStarted:
				logger.Info(buildEventMessage(ev), "state", "started")
			case drydock.BuildEventVertexCompleted:
				if ev.Error != "" {
					logger.Error(buildEventMessage(ev), "vertex", ev.VertexID, "err", ev.Error)
				} else {
					logger.Info(buildEventMessage(ev), "state", "completed")
				}
			case drydock.BuildEventLog:
				line := strings.TrimSpace(ev.Message)
				if line == "" {
					line = buildEventMessage(ev)
				}
				logger.Info(line)
			case drydock.BuildEventWarning:
				logger.Warn(buildEventMessage(ev), "warning", ev.Message)
			default:
				logger.Info(buildEventMessage(ev), "kind", ev.Kind, "msg", ev.Message)
			}
		}
	}
}

func buildEventMessage(ev drydock.BuildEvent) string {
	if strings.TrimSpace(ev.Name) != "" {
		return ev.Name
	}
	return "build.event"
}
