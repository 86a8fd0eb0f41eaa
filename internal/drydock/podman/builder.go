package podman

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"pkt.systems/pslog"
)

// injectedContainerfile is the tar-relative name under which generated
// Containerfile content is added to the build context stream. The
// caller's context directory on disk is never modified.
const injectedContainerfile = ".spellhunter.containerfile"

// Builder implements drydock.Builder using the Podman API.
type Builder struct {
	addresses []string
}

// NewBuilder constructs a Podman builder with fallback socket addresses.
func NewBuilder(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image using Podman.
func (b *Builder) Build(ctx context.Context, spec drydock.BuildSpec) (drydock.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec drydock.BuildSpec, events chan<- drydock.BuildEvent) (drydock.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec drydock.BuildSpec, events chan<- drydock.BuildEvent) (drydock.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "podman")
	if len(spec.Tags) == 0 {
		log.Warn("podman build rejected", "reason", "missing tags")
		return drydock.BuildResult{}, errors.New("build tags are required")
	}
	if spec.ContextDir == "" {
		log.Warn("podman build rejected", "reason", "missing context")
		return drydock.BuildResult{}, errors.New("build context is required")
	}
	dockerfileName, injected, err := resolveContainerfile(spec)
	if err != nil {
		log.Warn("podman build rejected", "reason", "dockerfile outside context", "err", err)
		return drydock.BuildResult{}, err
	}

	client, err := b.dial(ctx)
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return drydock.BuildResult{}, err
	}

	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()
	log.Info("podman build start", "tags", len(spec.Tags))

	tarStream := contextTar(spec.ContextDir, injected)
	defer func() { _ = tarStream.Close() }()

	query := url.Values{}
	query.Set("dockerfile", dockerfileName)
	for _, tag := range spec.Tags {
		query.Add("t", tag)
	}
	if len(spec.BuildArgs) > 0 {
		args, err := json.Marshal(spec.BuildArgs)
		if err != nil {
			log.Warn("podman build failed", "err", err)
			return drydock.BuildResult{}, err
		}
		query.Set("buildargs", string(args))
	}

	res, err := client.post(ctx, "/build", query, tarStream, "application/x-tar")
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return drydock.BuildResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman build failed", "status", res.StatusCode)
		return drydock.BuildResult{}, apiError(res)
	}

	imageID, err := decodeBuildStream(ctx, res.Body, events)
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return drydock.BuildResult{}, err
	}

	if spec.OutputPath != "" {
		if err := exportImage(ctx, client, spec.Tags[0], spec.OutputPath); err != nil {
			log.Warn("podman build failed", "err", err)
			return drydock.BuildResult{}, err
		}
	}
	log.Info("podman build ok", "tags", len(spec.Tags), "image_id", imageID)
	return drydock.BuildResult{ImageNames: spec.Tags, ImageID: imageID}, nil
}

// resolveContainerfile decides which file in the build context the
// daemon should build from. Generated content is shipped as a synthetic
// tar entry so the context directory stays untouched; an on-disk
// Containerfile must live inside the context.
func resolveContainerfile(spec drydock.BuildSpec) (name string, injected []byte, err error) {
	if len(spec.ContainerfileData) > 0 {
		return injectedContainerfile, spec.ContainerfileData, nil
	}
	path := spec.ContainerfilePath
	if path == "" {
		path = filepath.Join(spec.ContextDir, "Containerfile")
	}
	rel, err := filepath.Rel(spec.ContextDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", nil, fmt.Errorf("dockerfile must be within context: %s", path)
	}
	return filepath.ToSlash(rel), nil, nil
}

func (b *Builder) dial(ctx context.Context) (*apiClient, error) {
	var lastErr error
	for _, addr := range b.addresses {
		cl, err := dialAPI(addr)
		if err != nil {
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			lastErr = err
			continue
		}
		return cl, nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	return nil, lastErr
}

// contextTar streams the context directory as a tar archive. A non-nil
// injected payload is appended as an extra entry named
// injectedContainerfile.
func contextTar(root string, injected []byte) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				file, err := os.Open(path)
				if err != nil {
					return err
				}
				_, err = io.Copy(tw, file)
				_ = file.Close()
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil && len(injected) > 0 {
			err = writeTarEntry(tw, injectedContainerfile, injected)
		}
		if err == nil {
			err = tw.Close()
		}
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()
	return pr
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// decodeBuildStream relays podman's JSON-lines build progress as events
// and returns the image ID reported on the aux record, when present.
func decodeBuildStream(ctx context.Context, body io.Reader, events chan<- drydock.BuildEvent) (string, error) {
	const maxLine = 1024 * 1024
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	imageID := ""
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return imageID, ctx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp buildResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			sendBuildEvent(ctx, events, drydock.BuildEvent{
				Kind:      drydock.BuildEventLog,
				Name:      "podman.build",
				Message:   line,
				Timestamp: time.Now(),
			})
			continue
		}
		if resp.Error != "" || resp.ErrorDetail.Message != "" {
			msg := resp.Error
			if msg == "" {
				msg = resp.ErrorDetail.Message
			}
			return imageID, errors.New(msg)
		}
		if resp.Aux.ID != "" {
			imageID = resp.Aux.ID
		}
		if resp.Stream != "" {
			sendBuildEvent(ctx, events, drydock.BuildEvent{
				Kind:      drydock.BuildEventLog,
				Name:      "podman.build",
				Message:   strings.TrimSpace(resp.Stream),
				Timestamp: time.Now(),
			})
		}
	}
	return imageID, scanner.Err()
}

// exportImage saves the built image as an OCI archive at outputPath.
// Older daemons reject the format parameter, so the default format is
// retried before giving up.
func exportImage(ctx context.Context, client *apiClient, image, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	log := pslog.Ctx(ctx).With("backend", "podman")
	log.Info("build.export.start", "path", outputPath)

	query := url.Values{}
	query.Set("format", "oci-archive")
	err := saveImageArchive(ctx, client, image, outputPath, query)
	if err != nil {
		err = saveImageArchive(ctx, client, image, outputPath, nil)
	}
	if err != nil {
		return err
	}
	log.Info("build.export.complete", "path", outputPath)
	return nil
}

func saveImageArchive(ctx context.Context, client *apiClient, image, outputPath string, query url.Values) error {
	res, err := client.get(ctx, "/images/"+escapeImagePath(image)+"/get", query)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return apiError(res)
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, res.Body); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
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
