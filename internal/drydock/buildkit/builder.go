package buildkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"pkt.systems/pslog"
)

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Builder implements drydock.Builder using BuildKit.
type Builder struct {
	addresses []string
}

// New constructs a BuildKit builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image using BuildKit.
func (b *Builder) Build(ctx context.Context, spec drydock.BuildSpec) (drydock.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec drydock.BuildSpec, events chan<- drydock.BuildEvent) (drydock.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec drydock.BuildSpec, events chan<- drydock.BuildEvent) (drydock.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	if len(spec.Tags) == 0 {
		log.Warn("buildkit build rejected", "reason", "missing tags")
		return drydock.BuildResult{}, errors.New("build tags are required")
	}
	staged, err := stageContainerfile(spec)
	if err != nil {
		log.Warn("buildkit build rejected", "err", err)
		return drydock.BuildResult{}, err
	}
	defer staged.cleanup()

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 20 * time.Minute
	}
	log.Info("buildkit build start", "tags", len(spec.Tags), "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkclient, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return drydock.BuildResult{}, err
	}
	defer func() { _ = bkclient.Close() }()

	attrs := map[string]string{
		"filename": staged.filename,
	}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}

	var statusCh chan *client.SolveStatus
	var wg sync.WaitGroup
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relaySolveStatus(buildCtx, statusCh, events)
		}()
	}

	exports, err := exportEntries(ctx, spec)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return drydock.BuildResult{}, err
	}

	resp, err := bkclient.Solve(buildCtx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    staged.contextDir,
			"dockerfile": staged.dockerfileDir,
		},
		Exports: exports,
	}, statusCh)
	if statusCh != nil {
		wg.Wait()
	}
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return drydock.BuildResult{}, err
	}
	if strings.TrimSpace(spec.OutputPath) != "" {
		log.Info("build.export.complete", "path", spec.OutputPath)
	}
	imageID := ""
	if resp != nil {
		imageID = resp.ExporterResponse["containerimage.digest"]
	}
	log.Info("buildkit build ok", "tags", len(spec.Tags), "image_id", imageID)
	return drydock.BuildResult{ImageNames: spec.Tags, ImageID: imageID}, nil
}

// stagedBuild locates the Containerfile for a solve. BuildKit reads
// the dockerfile through a local directory transfer, so generated
// content is staged in a temp dir instead of the caller's context.
type stagedBuild struct {
	contextDir    string
	dockerfileDir string
	filename      string
	tempDir       string
}

func (s stagedBuild) cleanup() {
	if s.tempDir != "" {
		_ = os.RemoveAll(s.tempDir)
	}
}

func stageContainerfile(spec drydock.BuildSpec) (stagedBuild, error) {
	staged := stagedBuild{contextDir: spec.ContextDir}
	dockerfilePath := spec.ContainerfilePath
	if len(spec.ContainerfileData) > 0 {
		dir, err := os.MkdirTemp("", "spellhunter-containerfile-*")
		if err != nil {
			return stagedBuild{}, err
		}
		staged.tempDir = dir
		dockerfilePath = filepath.Join(dir, "Containerfile")
		if err := os.WriteFile(dockerfilePath, spec.ContainerfileData, 0o600); err != nil {
			staged.cleanup()
			return stagedBuild{}, err
		}
		if staged.contextDir == "" {
			staged.contextDir = dir
		}
	}
	if staged.contextDir == "" {
		staged.cleanup()
		return stagedBuild{}, errors.New("build context is required")
	}
	if dockerfilePath == "" {
		dockerfilePath = filepath.Join(staged.contextDir, "Containerfile")
	}
	staged.dockerfileDir = filepath.Dir(dockerfilePath)
	staged.filename = filepath.Base(dockerfilePath)
	return staged, nil
}

// relaySolveStatus converts buildkit solve status updates into build
// events, deduplicating vertex transitions.
func relaySolveStatus(ctx context.Context, statusCh <-chan *client.SolveStatus, events chan<- drydock.BuildEvent) {
	type vertexState struct {
		name      string
		started   bool
		completed bool
		lastError string
	}
	vertices := make(map[string]*vertexState)
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			for _, v := range status.Vertexes {
				if v == nil {
					continue
				}
				id := v.Digest.String()
				state := vertices[id]
				if state == nil {
					state = &vertexState{name: v.Name}
					vertices[id] = state
				} else if state.name == "" && v.Name != "" {
					state.name = v.Name
				}
				if v.Started != nil && !state.started {
					state.started = true
					sendBuildEvent(ctx, events, drydock.BuildEvent{
						Kind:      drydock.BuildEventVertexStarted,
						VertexID:  id,
						Name:      state.name,
						Timestamp: *v.Started,
					})
				}
				if v.Completed != nil && !state.completed {
					state.completed = true
					state.lastError = v.Error
					sendBuildEvent(ctx, events, drydock.BuildEvent{
						Kind:      drydock.BuildEventVertexCompleted,
						VertexID:  id,
						Name:      state.name,
						Timestamp: *v.Completed,
						Error:     v.Error,
					})
				}
				if v.Error != "" && v.Error != state.lastError {
					state.lastError = v.Error
					sendBuildEvent(ctx, events, drydock.BuildEvent{
						Kind:     drydock.BuildEventVertexCompleted,
						VertexID: id,
						Name:     state.name,
						Error:    v.Error,
					})
				}
			}
			for _, log := range status.Logs {
				if log == nil {
					continue
				}
				msg := strings.TrimSpace(string(log.Data))
				if msg == "" {
					continue
				}
				name := ""
				if state := vertices[log.Vertex.String()]; state != nil {
					name = state.name
				}
				sendBuildEvent(ctx, events, drydock.BuildEvent{
					Kind:      drydock.BuildEventLog,
					VertexID:  log.Vertex.String(),
					Name:      name,
					Message:   msg,
					Timestamp: log.Timestamp,
				})
			}
			for _, warn := range status.Warnings {
				if warn == nil {
					continue
				}
				short := strings.TrimSpace(string(warn.Short))
				if warn.URL != "" {
					if short != "" {
						short = short + " (" + warn.URL + ")"
					} else {
						short = warn.URL
					}
				}
				if short == "" {
					continue
				}
				name := ""
				if state := vertices[warn.Vertex.String()]; state != nil {
					name = state.name
				}
				sendBuildEvent(ctx, events, drydock.BuildEvent{
					Kind:     drydock.BuildEventWarning,
					VertexID: warn.Vertex.String(),
					Name:     name,
					Message:  short,
				})
			}
		}
	}
}

// exportEntries selects the solve export: an OCI archive when an
// output path is requested, the image store otherwise.
func exportEntries(ctx context.Context, spec drydock.BuildSpec) ([]client.ExportEntry, error) {
	outputPath := strings.TrimSpace(spec.OutputPath)
	if outputPath == "" {
		return []client.ExportEntry{
			{
				Type: client.ExporterImage,
				Attrs: map[string]string{
					"name":           strings.Join(spec.Tags, ","),
					"push":           "false",
					"store":          "true",
					"unpack":         "true",
					"oci-mediatypes": "true",
				},
			},
		}, nil
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, err
	}
	pslog.Ctx(ctx).Info("build.export.start", "path", outputPath, "backend", "buildkit")
	output := func(_ map[string]string) (io.WriteCloser, error) {
		return os.Create(outputPath)
	}
	return []client.ExportEntry{
		{
			Type:   client.ExporterOCI,
			Output: output,
			Attrs: map[string]string{
				"name":           strings.Join(spec.Tags, ","),
				"tar":            "true",
				"oci-mediatypes": "true",
			},
		},
	}, nil
}

func sendBuildEvent(ctx context.Context, events chan<- drydock.BuildEvent, event drydock.BuildEvent) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case events <- event:
	default:
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, lastErr
}

func candidateAddresses(primary string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add("unix://" + filepath.Join(runtimeDir, "buildkit", "buildkitd.sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add("unix://" + filepath.Join(userRunDir, "buildkit", "buildkitd.sock"))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
