package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
)

type fakeBuilder struct {
	builds int
	err    error
}

func (b *fakeBuilder) Build(_ context.Context, spec drydock.BuildSpec) (drydock.BuildResult, error) {
	b.builds++
	if b.err != nil {
		return drydock.BuildResult{}, b.err
	}
	return drydock.BuildResult{ImageNames: spec.Tags}, nil
}

type fakeRuntime struct {
	images     map[string]bool
	starts     int
	stops      int
	imports    int
	running    bool
	startErr   error
	logContent string
	startedCh  chan struct{}
}

func (r *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (r *fakeRuntime) ImageExists(_ context.Context, image string) (bool, error) {
	if r.images == nil {
		return true, nil
	}
	return r.images[image], nil
}

func (r *fakeRuntime) Import(context.Context, string, []string) error {
	r.imports++
	return nil
}

func (r *fakeRuntime) Start(_ context.Context, spec drydock.LaunchSpec) (drydock.Handle, error) {
	r.starts++
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.running = true
	if r.startedCh != nil {
		close(r.startedCh)
	}
	return &drydock.Instance{InstanceName: spec.Name, InstanceID: "id-" + spec.Name}, nil
}

func (r *fakeRuntime) Running(context.Context, drydock.Handle) (bool, error) {
	return r.running, nil
}

func (r *fakeRuntime) FollowLogs(ctx context.Context, _ drydock.Handle, w io.Writer) error {
	if r.logContent != "" {
		fmt.Fprint(w, r.logContent)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRuntime) TailLogs(context.Context, drydock.Handle, int) ([]string, error) {
	return nil, nil
}

func (r *fakeRuntime) Exec(context.Context, drydock.Handle, drydock.ExecSpec) (drydock.ExecResult, error) {
	return drydock.ExecResult{}, nil
}

func (r *fakeRuntime) Stop(context.Context, drydock.Handle) error {
	r.stops++
	r.running = false
	return nil
}

func (r *fakeRuntime) Remove(context.Context, drydock.Handle) error { return nil }

func testPlan() Plan {
	return Plan{
		Build: drydock.BuildSpec{
			ContextDir: ".",
			Tags:       []string{"localhost/spellhunter-bot:test"},
		},
		Launch: drydock.LaunchSpec{
			Name:  "spellhunter-bot",
			Image: "localhost/spellhunter-bot:test",
		},
	}
}

func TestUpFailedBuildNeverStarts(t *testing.T) {
	builder := &fakeBuilder{err: errors.New("stage 5 failed")}
	runtime := &fakeRuntime{}
	var out bytes.Buffer
	orch := &Orchestrator{Builder: builder, Runtime: runtime, Plan: testPlan(), Out: &out}

	err := orch.Up(context.Background())
	if err == nil {
		t.Fatalf("expected build failure")
	}
	if runtime.starts != 0 {
		t.Fatalf("run attempted after failed build: %d starts", runtime.starts)
	}
	if got := out.String(); !strings.Contains(got, MsgBuilding) || strings.Contains(got, MsgStarting) {
		t.Fatalf("unexpected output after failed build:\n%s", got)
	}
}

func TestBuildRefusesMissingImage(t *testing.T) {
	builder := &fakeBuilder{}
	runtime := &fakeRuntime{images: map[string]bool{}}
	orch := &Orchestrator{Builder: builder, Runtime: runtime, Plan: testPlan()}

	if _, err := orch.Build(context.Background()); err == nil {
		t.Fatalf("expected missing-image failure")
	}
	if runtime.starts != 0 {
		t.Fatalf("run attempted against missing image")
	}
}

func TestBuildRefusesBadContainerfile(t *testing.T) {
	builder := &fakeBuilder{}
	plan := testPlan()
	plan.Build.ContainerfileData = []byte("FROM python:3.11-slim\nCOPY . .\nCMD [\"python\"]\n")
	orch := &Orchestrator{Builder: builder, Runtime: &fakeRuntime{}, Plan: plan}

	if _, err := orch.Build(context.Background()); err == nil {
		t.Fatalf("expected containerfile verification failure")
	}
	if builder.builds != 0 {
		t.Fatalf("backend build ran despite failed verification")
	}
}

func TestBuildImportsTarWhenRequested(t *testing.T) {
	builder := &fakeBuilder{}
	runtime := &fakeRuntime{}
	plan := testPlan()
	plan.ImportTar = true
	plan.Build.OutputPath = "/tmp/bot.tar"
	orch := &Orchestrator{Builder: builder, Runtime: runtime, Plan: plan}

	if _, err := orch.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if runtime.imports != 1 {
		t.Fatalf("expected one import, got %d", runtime.imports)
	}
}

func TestStartIsDetached(t *testing.T) {
	runtime := &fakeRuntime{}
	orch := &Orchestrator{Builder: &fakeBuilder{}, Runtime: runtime, Plan: testPlan()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := orch.Start(context.Background()); err != nil {
			t.Errorf("start: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("start blocked waiting for application readiness")
	}
}

func TestFollowInterruptLeavesInstanceRunning(t *testing.T) {
	runtime := &fakeRuntime{}
	orch := &Orchestrator{Builder: &fakeBuilder{}, Runtime: runtime, Plan: testPlan(), Out: io.Discard}

	handle, err := orch.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- orch.Follow(ctx, handle) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("interrupting follow is not an error, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("follow did not return after cancellation")
	}

	running, err := runtime.Running(context.Background(), handle)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if !running {
		t.Fatalf("instance stopped by detaching the log follow")
	}
}

func TestUpEndToEndMessageSequence(t *testing.T) {
	builder := &fakeBuilder{}
	runtime := &fakeRuntime{
		logContent: "bot line one\nbot line two\n",
		startedCh:  make(chan struct{}),
	}
	var out bytes.Buffer
	orch := &Orchestrator{Builder: builder, Runtime: runtime, Plan: testPlan(), Out: &out}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- orch.Up(ctx) }()

	select {
	case <-runtime.startedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("instance never started")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("up: %v", err)
	}

	got := out.String()
	order := []string{
		MsgBuilding,
		MsgStarting,
		"Logs available at ./logs/app.log",
		"bot line one",
		"bot line two",
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(got, want)
		if idx == -1 {
			t.Fatalf("missing %q in output:\n%s", want, got)
		}
		if idx < last {
			t.Fatalf("%q out of order in output:\n%s", want, got)
		}
		last = idx
	}
	if builder.builds != 1 {
		t.Fatalf("expected one build, got %d", builder.builds)
	}
	if runtime.starts != 1 {
		t.Fatalf("expected one start, got %d", runtime.starts)
	}
	if runtime.stops != 0 {
		t.Fatalf("up stopped the instance: %d stops", runtime.stops)
	}
}
