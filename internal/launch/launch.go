// Package launch drives the build, run and observe pipeline for the
// bot container: build the image, start one detached instance, then
// follow its log stream until the operator interrupts. Each phase must
// succeed before the next runs; there are no retries.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulohpb/spell-hunter-bot/internal/botimage"
	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"pkt.systems/pslog"
)

// Operator-facing status lines, printed in order by Up.
const (
	MsgBuilding = "Building Docker Container..."
	MsgStarting = "Starting Bot..."
	msgLogsFmt  = "Logs available at %s"
)

// DefaultLogHint is the documented log location when the plan does not
// override it.
const DefaultLogHint = "./logs/app.log"

// Plan binds the build and launch parameters for one bot deployment.
type Plan struct {
	Build  drydock.BuildSpec
	Launch drydock.LaunchSpec
	// ImportTar imports the build's OCI tar output into the runtime's
	// image store after a successful build. Only meaningful when
	// Build.OutputPath is set.
	ImportTar bool
	// LogHint is the operator-facing log location. Defaults to
	// DefaultLogHint.
	LogHint string
}

// Orchestrator runs the build → start → follow pipeline.
type Orchestrator struct {
	Builder drydock.Builder
	Runtime drydock.Runtime
	Plan    Plan
	// Out receives the status lines and the followed log stream.
	// Defaults to os.Stdout.
	Out io.Writer
}

func (o *Orchestrator) out() io.Writer {
	if o.Out != nil {
		return o.Out
	}
	return os.Stdout
}

// Build builds the bot image. When the plan carries Containerfile data
// it is verified against the non-root and stage-ordering invariants
// before the build backend ever sees it.
func (o *Orchestrator) Build(ctx context.Context) (drydock.BuildResult, error) {
	log := pslog.Ctx(ctx).With("phase", "build")
	if o.Builder == nil {
		log.Warn("launch build rejected", "reason", "no builder")
		return drydock.BuildResult{}, errors.New("builder is required")
	}
	if len(o.Plan.Build.ContainerfileData) > 0 {
		if err := botimage.Verify(o.Plan.Build.ContainerfileData); err != nil {
			log.Warn("launch build rejected", "reason", "containerfile verification", "err", err)
			return drydock.BuildResult{}, fmt.Errorf("containerfile verification: %w", err)
		}
	}
	log.Info("launch build start", "tags", len(o.Plan.Build.Tags))
	result, err := o.Builder.Build(ctx, o.Plan.Build)
	if err != nil {
		log.Warn("launch build failed", "err", err)
		return drydock.BuildResult{}, err
	}
	if o.Plan.ImportTar && strings.TrimSpace(o.Plan.Build.OutputPath) != "" {
		if o.Runtime == nil {
			log.Warn("launch build failed", "err", "no runtime for import")
			return drydock.BuildResult{}, errors.New("runtime is required to import build output")
		}
		if err := o.Runtime.Import(ctx, o.Plan.Build.OutputPath, o.Plan.Build.Tags); err != nil {
			log.Warn("launch build failed", "err", err)
			return drydock.BuildResult{}, err
		}
	}
	// A run must never be attempted against a half-built image.
	if o.Runtime != nil {
		ok, err := o.Runtime.ImageExists(ctx, o.Plan.Launch.Image)
		if err != nil {
			log.Warn("launch build failed", "err", err)
			return drydock.BuildResult{}, err
		}
		if !ok {
			log.Warn("launch build failed", "err", "image missing after build")
			return drydock.BuildResult{}, fmt.Errorf("image %s missing after build", o.Plan.Launch.Image)
		}
	}
	log.Info("launch build ok")
	return result, nil
}

// Start launches one detached bot instance. It returns as soon as the
// runtime has accepted the instance; the application's own startup is
// never awaited.
func (o *Orchestrator) Start(ctx context.Context) (drydock.Handle, error) {
	log := pslog.Ctx(ctx).With("phase", "start")
	if o.Runtime == nil {
		log.Warn("launch start rejected", "reason", "no runtime")
		return nil, errors.New("runtime is required")
	}
	log.Info("launch start begin", "container", o.Plan.Launch.Name)
	handle, err := o.Runtime.Start(ctx, o.Plan.Launch)
	if err != nil {
		log.Warn("launch start failed", "err", err)
		return nil, err
	}
	log.Info("launch start ok", "id", handle.ID())
	return handle, nil
}

// Follow streams the instance's logs to Out until ctx is cancelled.
// An operator interrupt is not an error and leaves the instance
// running.
func (o *Orchestrator) Follow(ctx context.Context, handle drydock.Handle) error {
	log := pslog.Ctx(ctx).With("phase", "follow")
	if o.Runtime == nil {
		return errors.New("runtime is required")
	}
	log.Info("launch follow start", "container", handle.Name())
	err := o.Runtime.FollowLogs(ctx, handle, o.out())
	if err != nil && ctx.Err() == nil {
		log.Warn("launch follow failed", "err", err)
		return err
	}
	log.Info("launch follow detached")
	return nil
}

// Up runs the full pipeline: build, start detached, follow logs. The
// three status lines are printed in order; the first failure aborts.
func (o *Orchestrator) Up(ctx context.Context) error {
	out := o.out()
	fmt.Fprintln(out, MsgBuilding)
	if _, err := o.Build(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, MsgStarting)
	handle, err := o.Start(ctx)
	if err != nil {
		return err
	}
	hint := strings.TrimSpace(o.Plan.LogHint)
	if hint == "" {
		hint = DefaultLogHint
	}
	fmt.Fprintf(out, msgLogsFmt+"\n", hint)
	return o.Follow(ctx, handle)
}
