package drydock

import (
	"context"
	"io"
)

// Runtime manages bot container instances on a container backend.
type Runtime interface {
	// EnsureImage makes the image available locally, pulling if needed.
	EnsureImage(ctx context.Context, image string) error
	// ImageExists reports local image presence without pulling.
	ImageExists(ctx context.Context, image string) (bool, error)
	// Import loads an OCI tar archive into the backend image store and
	// applies the given tags.
	Import(ctx context.Context, tarPath string, tags []string) error
	// Start launches a detached instance. It returns as soon as the
	// backend has accepted the instance for execution; it never waits
	// for the application inside to become ready.
	Start(ctx context.Context, spec LaunchSpec) (Handle, error)
	// Running reports whether the instance's process is alive.
	Running(ctx context.Context, handle Handle) (bool, error)
	// FollowLogs streams the instance's output to w until ctx is
	// cancelled or the stream ends. Cancelling the follow has no effect
	// on the instance itself.
	FollowLogs(ctx context.Context, handle Handle, w io.Writer) error
	// TailLogs returns up to limit recent log lines.
	TailLogs(ctx context.Context, handle Handle, limit int) ([]string, error)
	// Exec runs a command inside the running instance.
	Exec(ctx context.Context, handle Handle, spec ExecSpec) (ExecResult, error)
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
}

// Builder builds container images.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (BuildResult, error)
}

// BuilderWithEvents streams build progress events.
type BuilderWithEvents interface {
	BuildWithEvents(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error)
}

// Handle identifies a container instance.
type Handle interface {
	Name() string
	ID() string
}

// Instance is a minimal Handle implementation for callers that only
// know a container by name.
type Instance struct {
	InstanceName string
	InstanceID   string
}

// Name returns the instance name.
func (i *Instance) Name() string { return i.InstanceName }

// ID returns the backend instance id.
func (i *Instance) ID() string { return i.InstanceID }
