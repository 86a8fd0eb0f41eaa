package drydock

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/samber/lo"
)

// ResourceCaps sets optional resource limits (0 means default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// Mount describes a host bind mount placed inside an instance.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// TmpfsMount describes a tmpfs mount inside an instance.
type TmpfsMount struct {
	Target  string
	Options []string
}

// LaunchSpec describes a detached bot instance.
type LaunchSpec struct {
	Name       string
	Image      string
	Env        map[string]string
	Labels     map[string]string
	Command    []string
	WorkingDir string
	Mounts     []Mount
	Tmpfs      []TmpfsMount
	// LogSinkPath receives a durable append-only copy of the instance's
	// stdout/stderr on the host. Backends that persist logs themselves
	// may ignore it.
	LogSinkPath  string
	AutoRemove   bool
	ResourceCaps *ResourceCaps
}

// BuildSpec describes a container image build.
type BuildSpec struct {
	ContextDir        string
	ContainerfilePath string
	ContainerfileData []byte
	Tags              []string
	BuildArgs         map[string]string
	Timeout           time.Duration
	OutputPath        string
}

// BuildResult captures build output metadata.
type BuildResult struct {
	ImageNames []string
	// ImageID is the backend's identifier for the built image, when
	// the backend reports one.
	ImageID string
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventVertexStarted marks a build vertex start event.
	BuildEventVertexStarted BuildEventKind = "vertex_started"
	// BuildEventVertexCompleted marks a build vertex completion event.
	BuildEventVertexCompleted BuildEventKind = "vertex_completed"
	// BuildEventLog indicates a build log event.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning indicates a build warning event.
	BuildEventWarning BuildEventKind = "warning"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// ExecSpec describes a command execution inside a running instance.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
}

// ExecResult captures exec completion metadata.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// FlattenEnv converts an env map into sorted KEY=VALUE entries.
func FlattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := lo.Keys(env)
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// MergeLabels overlays extra labels without clobbering existing keys.
func MergeLabels(base map[string]string, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
