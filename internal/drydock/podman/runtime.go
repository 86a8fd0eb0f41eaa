package podman

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"pkt.systems/pslog"
)

const (
	labelManaged = "spellhunter.managed"
)

// Config configures the Podman runtime.
type Config struct {
	Address     string
	UserNSMode  string
	PullTimeout time.Duration
}

// Runtime implements drydock.Runtime using Podman's HTTP API.
type Runtime struct {
	client      *apiClient
	pullTimeout time.Duration
	usernsMode  string
}

// New constructs a Podman runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("podman connect attempt", "address", addr)
		cl, err := dialAPI(addr)
		if err != nil {
			log.Warn("podman connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Warn("podman ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		timeout := cfg.PullTimeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		log.Info("podman runtime ready", "address", addr)
		return &Runtime{
			client:      cl,
			pullTimeout: timeout,
			usernsMode:  strings.TrimSpace(cfg.UserNSMode),
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	log.Warn("podman runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases any resources held by the runtime.
func (r *Runtime) Close() error { return nil }

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		r.logger(ctx).Warn("podman image check rejected", "reason", "missing image")
		return false, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	log.Debug("podman image exists check")
	res, err := r.client.get(ctx, fmt.Sprintf("/libpod/images/%s/exists", escapeImagePath(image)), nil)
	if err != nil {
		log.Warn("podman image check failed", "err", err)
		return false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		log.Debug("podman image missing")
		return false, nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman image check failed", "status", res.StatusCode)
		return false, apiError(res)
	}
	log.Debug("podman image present")
	return true, nil
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("podman ensure image start")
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("podman ensure image failed", "err", err)
		return err
	}
	if ok {
		log.Info("podman ensure image ok")
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	name, tag := splitImageRef(image)
	query.Set("fromImage", name)
	if tag != "" {
		query.Set("tag", tag)
	}
	res, err := r.client.post(pullCtx, "/images/create", query, nil, "")
	if err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman image pull failed", "status", res.StatusCode)
		return apiError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	log.Info("podman ensure image ok")
	return nil
}

// Import loads an OCI tar archive into the podman image store.
func (r *Runtime) Import(ctx context.Context, tarPath string, tags []string) error {
	if strings.TrimSpace(tarPath) == "" {
		return errors.New("tar path is required")
	}
	log := r.logger(ctx).With("tar", tarPath)
	log.Info("podman import start", "tags", len(tags))
	file, err := os.Open(tarPath)
	if err != nil {
		log.Warn("podman import failed", "err", err)
		return err
	}
	defer func() { _ = file.Close() }()

	res, err := r.client.post(ctx, "/libpod/images/load", nil, file, "application/x-tar")
	if err != nil {
		log.Warn("podman import failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman import failed", "status", res.StatusCode)
		return apiError(res)
	}
	var loaded loadResponse
	if err := json.NewDecoder(res.Body).Decode(&loaded); err != nil {
		log.Warn("podman import failed", "err", err)
		return err
	}
	if len(loaded.Names) == 0 {
		log.Warn("podman import failed", "err", "load did not return any images")
		return errors.New("load did not return any images")
	}
	existing := map[string]struct{}{}
	for _, name := range loaded.Names {
		existing[name] = struct{}{}
	}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := existing[tag]; ok {
			continue
		}
		if err := r.tagImage(ctx, loaded.Names[0], tag); err != nil {
			log.Warn("podman import tag failed", "err", err, "tag", tag)
			return err
		}
	}
	log.Info("podman import ok", "images", len(loaded.Names))
	return nil
}

func (r *Runtime) tagImage(ctx context.Context, source, tag string) error {
	repo, ref := splitImageRef(tag)
	query := url.Values{}
	query.Set("repo", repo)
	if ref != "" {
		query.Set("tag", ref)
	}
	res, err := r.client.post(ctx, fmt.Sprintf("/images/%s/tag", escapeImagePath(source)), query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return apiError(res)
	}
	return nil
}

// Start creates the bot container if needed and starts it detached. It
// returns once podman has accepted the start request.
func (r *Runtime) Start(ctx context.Context, spec drydock.LaunchSpec) (drydock.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("podman start begin")
	inspect, exists, err := r.inspectContainer(ctx, spec.Name)
	if err != nil {
		log.Warn("podman inspect failed", "err", err)
		return nil, err
	}
	if !exists {
		created, err := r.createContainer(ctx, spec)
		if err != nil {
			log.Warn("podman create failed", "err", err)
			return nil, err
		}
		inspect.ID = created.ID
		inspect.Name = spec.Name
		inspect.State.Running = false
		log.Info("podman container created", "id", inspect.ID)
	}
	if !inspect.State.Running {
		if err := r.startContainer(ctx, inspect.ID); err != nil {
			log.Warn("podman start failed", "err", err)
			return nil, err
		}
		log.Info("podman container started", "id", inspect.ID)
	}
	log.Info("podman start ok", "id", inspect.ID)
	return &handle{name: spec.Name, id: inspect.ID}, nil
}

// Running reports whether the container is in the running state.
func (r *Runtime) Running(ctx context.Context, h drydock.Handle) (bool, error) {
	if h == nil {
		return false, errors.New("container handle is required")
	}
	inspect, exists, err := r.inspectContainer(ctx, h.Name())
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	return inspect.State.Running, nil
}

// FollowLogs streams the container's output to w until ctx is
// cancelled or the container exits. Detaching never affects the
// container itself.
func (r *Runtime) FollowLogs(ctx context.Context, h drydock.Handle, w io.Writer) error {
	ref, err := containerRef(h)
	if err != nil {
		return err
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Debug("podman follow logs start")
	query := url.Values{}
	query.Set("follow", "1")
	query.Set("since", "0")
	query.Set("stdout", "1")
	query.Set("stderr", "1")
	res, err := r.client.get(ctx, fmt.Sprintf("/containers/%s/logs", ref), query)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("podman follow logs failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman follow logs failed", "status", res.StatusCode)
		return apiError(res)
	}
	if err := copyDockerStream(res.Body, w, w); err != nil {
		// Cancelling the follow tears down the HTTP stream; the reader
		// going away is not an error.
		if ctx.Err() != nil {
			log.Debug("podman follow logs detached")
			return nil
		}
		log.Warn("podman follow logs failed", "err", err)
		return err
	}
	log.Debug("podman follow logs ended")
	return nil
}

// TailLogs returns the last N log lines for a container.
func (r *Runtime) TailLogs(ctx context.Context, h drydock.Handle, limit int) ([]string, error) {
	ref, err := containerRef(h)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	query := url.Values{}
	query.Set("follow", "0")
	query.Set("since", "0")
	query.Set("tail", strconv.Itoa(limit))
	query.Set("stdout", "1")
	query.Set("stderr", "1")
	res, err := r.client.get(ctx, fmt.Sprintf("/containers/%s/logs", ref), query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, apiError(res)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := copyDockerStream(bytes.NewReader(data), &buf, &buf); err != nil {
		buf.Reset()
		_, _ = buf.Write(data)
	}
	return tailLines(buf.String(), limit), nil
}

// Stop stops a running container.
func (r *Runtime) Stop(ctx context.Context, h drydock.Handle) error {
	if h == nil {
		return nil
	}
	ref, err := containerRef(h)
	if err != nil {
		return err
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman stop start")
	query := url.Values{}
	query.Set("timeout", "10")
	res, err := r.client.post(ctx, fmt.Sprintf("/containers/%s/stop", ref), query, nil, "")
	if err != nil {
		log.Warn("podman stop failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 304 || res.StatusCode == 404 {
		log.Info("podman stop skipped", "status", res.StatusCode)
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman stop failed", "status", res.StatusCode)
		return apiError(res)
	}
	log.Info("podman stop ok")
	return nil
}

// Remove removes a container.
func (r *Runtime) Remove(ctx context.Context, h drydock.Handle) error {
	if h == nil {
		return nil
	}
	ref, err := containerRef(h)
	if err != nil {
		return err
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman remove start")
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.del(ctx, fmt.Sprintf("/containers/%s", ref), query)
	if err != nil {
		log.Warn("podman remove failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		log.Info("podman remove skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman remove failed", "status", res.StatusCode)
		return apiError(res)
	}
	log.Info("podman remove ok")
	return nil
}

// Exec runs a command in a running container.
func (r *Runtime) Exec(ctx context.Context, h drydock.Handle, spec drydock.ExecSpec) (drydock.ExecResult, error) {
	ref, err := containerRef(h)
	if err != nil {
		r.logger(ctx).Warn("podman exec rejected", "reason", "missing handle")
		return drydock.ExecResult{}, err
	}
	if len(spec.Command) == 0 {
		r.logger(ctx).Warn("podman exec rejected", "reason", "missing command")
		return drydock.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID(), "cmd_len", len(spec.Command))
	log.Info("podman exec start")
	startTime := time.Now()
	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	execID, err := r.createExec(ctx, ref, spec)
	if err != nil {
		log.Warn("podman exec failed", "err", err)
		return drydock.ExecResult{}, err
	}
	if err := r.startExec(ctx, execID, spec.Stdout, spec.Stderr); err != nil {
		log.Warn("podman exec failed", "err", err)
		return drydock.ExecResult{}, err
	}
	code, err := r.inspectExec(ctx, execID)
	if err != nil {
		log.Warn("podman exec failed", "err", err)
		return drydock.ExecResult{}, err
	}
	finished := time.Now()
	if code != 0 {
		log.Warn("podman exec failed", "exit_code", code, "duration_ms", finished.Sub(startTime).Milliseconds())
	} else {
		log.Info("podman exec ok", "exit_code", code, "duration_ms", finished.Sub(startTime).Milliseconds())
	}
	return drydock.ExecResult{ExitCode: code, Started: startTime, Finished: finished}, nil
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

// containerRef returns the escaped path segment used to address a
// container. Handles rebuilt by a fresh process carry only the name;
// podman accepts names and IDs interchangeably in container routes, so
// the name is a full substitute when no ID is known.
func containerRef(h drydock.Handle) (string, error) {
	if h == nil {
		return "", errors.New("container handle is required")
	}
	if id := strings.TrimSpace(h.ID()); id != "" {
		return url.PathEscape(id), nil
	}
	if name := strings.TrimSpace(h.Name()); name != "" {
		return url.PathEscape(name), nil
	}
	return "", errors.New("container handle has neither id nor name")
}

func (r *Runtime) inspectContainer(ctx context.Context, name string) (inspectContainer, bool, error) {
	res, err := r.client.get(ctx, fmt.Sprintf("/containers/%s/json", url.PathEscape(name)), nil)
	if err != nil {
		return inspectContainer{}, false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		return inspectContainer{}, false, nil
	}
	if res.StatusCode >= 300 {
		return inspectContainer{}, false, apiError(res)
	}
	var inspect inspectContainer
	if err := json.NewDecoder(res.Body).Decode(&inspect); err != nil {
		return inspectContainer{}, false, err
	}
	return inspect, true, nil
}

func (r *Runtime) createContainer(ctx context.Context, spec drydock.LaunchSpec) (createResponse, error) {
	labels := drydock.MergeLabels(spec.Labels, map[string]string{labelManaged: "true"})
	req := map[string]any{
		"Image":      spec.Image,
		"Cmd":        spec.Command,
		"WorkingDir": spec.WorkingDir,
		"Labels":     labels,
	}
	env := drydock.FlattenEnv(spec.Env)
	if len(env) > 0 {
		req["Env"] = env
	}
	hostConfig := map[string]any{}
	if spec.AutoRemove {
		hostConfig["AutoRemove"] = true
	}
	if r.usernsMode != "" {
		hostConfig["UsernsMode"] = r.usernsMode
	}
	if spec.ResourceCaps != nil {
		if spec.ResourceCaps.MemoryBytes > 0 {
			hostConfig["Memory"] = spec.ResourceCaps.MemoryBytes
		}
		if spec.ResourceCaps.NanoCPUs > 0 {
			hostConfig["NanoCPUs"] = spec.ResourceCaps.NanoCPUs
		}
	}
	if binds := buildBinds(spec.Mounts); len(binds) > 0 {
		hostConfig["Binds"] = binds
	}
	if tmpfs := buildTmpfs(spec.Tmpfs); len(tmpfs) > 0 {
		hostConfig["Tmpfs"] = tmpfs
	}
	if len(hostConfig) > 0 {
		req["HostConfig"] = hostConfig
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return createResponse{}, err
	}
	query := url.Values{}
	query.Set("name", spec.Name)
	res, err := r.client.post(ctx, "/containers/create", query, bytes.NewReader(payload), "application/json")
	if err != nil {
		return createResponse{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return createResponse{}, apiError(res)
	}
	var created createResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return createResponse{}, err
	}
	if created.ID == "" {
		return createResponse{}, errors.New("podman create did not return container id")
	}
	return created, nil
}

func (r *Runtime) startContainer(ctx context.Context, id string) error {
	res, err := r.client.post(ctx, fmt.Sprintf("/containers/%s/start", url.PathEscape(id)), nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 304 {
		return nil
	}
	if res.StatusCode >= 300 {
		return apiError(res)
	}
	return nil
}

func (r *Runtime) createExec(ctx context.Context, ref string, spec drydock.ExecSpec) (string, error) {
	req := map[string]any{
		"AttachStdout": true,
		"AttachStderr": true,
		"Cmd":          spec.Command,
		"Tty":          false,
	}
	if spec.WorkingDir != "" {
		req["WorkingDir"] = spec.WorkingDir
	}
	if env := drydock.FlattenEnv(spec.Env); len(env) > 0 {
		req["Env"] = env
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	res, err := r.client.post(ctx, fmt.Sprintf("/containers/%s/exec", ref), nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return "", apiError(res)
	}
	var resp execCreateResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("podman exec did not return id")
	}
	return resp.ID, nil
}

func (r *Runtime) startExec(ctx context.Context, id string, stdout, stderr io.Writer) error {
	payload, err := json.Marshal(map[string]any{"Detach": false, "Tty": false})
	if err != nil {
		return err
	}
	res, err := r.client.post(ctx, fmt.Sprintf("/exec/%s/start", url.PathEscape(id)), nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return apiError(res)
	}
	return copyDockerStream(res.Body, stdout, stderr)
}

func (r *Runtime) inspectExec(ctx context.Context, id string) (int, error) {
	res, err := r.client.get(ctx, fmt.Sprintf("/exec/%s/json", url.PathEscape(id)), nil)
	if err != nil {
		return -1, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return -1, apiError(res)
	}
	var inspect execInspect
	if err := json.NewDecoder(res.Body).Decode(&inspect); err != nil {
		return -1, err
	}
	if inspect.Running {
		return -1, errors.New("exec still running")
	}
	return inspect.ExitCode, nil
}

func buildBinds(mounts []drydock.Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		entry := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			entry = entry + ":ro"
		}
		out = append(out, entry)
	}
	return out
}

func buildTmpfs(tmpfs []drydock.TmpfsMount) map[string]string {
	if len(tmpfs) == 0 {
		return nil
	}
	out := map[string]string{}
	for _, m := range tmpfs {
		if strings.TrimSpace(m.Target) == "" {
			continue
		}
		out[m.Target] = strings.Join(m.Options, ",")
	}
	return out
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// copyDockerStream demultiplexes the 8-byte-header framed stream the
// docker-compatible log and exec endpoints return.
func copyDockerStream(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		var dst io.Writer
		switch header[0] {
		case 1:
			dst = stdout
		case 2:
			dst = stderr
		default:
			dst = stdout
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
}

func tailLines(text string, limit int) []string {
	trimmed := strings.TrimRight(text, "\n")
	if trimmed == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", ""
	}
	if at := strings.Index(image, "@"); at != -1 {
		return image, ""
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, ""
}

// handle represents a podman container handle.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
