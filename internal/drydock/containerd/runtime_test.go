package containerd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
)

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"PATH=/usr/bin", "DOCKERIZED=0"}, map[string]string{
		"DOCKERIZED": "1",
		"CHAT_ID":    "42",
	})
	sort.Strings(got)
	want := []string{"CHAT_ID=42", "DOCKERIZED=1", "PATH=/usr/bin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mergeEnv = %v, want %v", got, want)
	}
}

func TestMapMounts(t *testing.T) {
	got := mapMounts(
		[]drydock.Mount{
			{Source: "/host/logs", Target: "/app/logs"},
			{Source: "/host/config.json", Target: "/app/config.json", ReadOnly: true},
		},
		[]drydock.TmpfsMount{
			{Target: "/dev/shm", Options: []string{"size=512m"}},
		},
	)
	if len(got) != 3 {
		t.Fatalf("expected 3 mounts, got %v", got)
	}
	if got[0].Type != "bind" || got[0].Options[1] != "rw" {
		t.Fatalf("rw bind mount wrong: %+v", got[0])
	}
	if got[1].Options[1] != "ro" {
		t.Fatalf("ro bind mount wrong: %+v", got[1])
	}
	if got[2].Type != "tmpfs" || got[2].Destination != "/dev/shm" {
		t.Fatalf("tmpfs mount wrong: %+v", got[2])
	}
	if !reflect.DeepEqual(got[2].Options, []string{"size=512m"}) {
		t.Fatalf("tmpfs options lost: %+v", got[2])
	}
}

func TestRingBufferKeepsTail(t *testing.T) {
	ring := newRingBuffer(8)
	if _, err := ring.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(ring.Snapshot()); got != "23456789" {
		t.Fatalf("snapshot = %q", got)
	}
	if _, err := ring.Write([]byte("ab")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(ring.Snapshot()); got != "456789ab" {
		t.Fatalf("snapshot after wrap = %q", got)
	}
}

func TestTailLinesFromRing(t *testing.T) {
	got := tailLines([]byte("first\nsecond\nthird\n"), 2)
	if !reflect.DeepEqual(got, []string{"second", "third"}) {
		t.Fatalf("tailLines = %v", got)
	}
	if tailLines(nil, 3) != nil {
		t.Fatalf("expected nil for empty buffer")
	}
}

func TestLogCaptureFansOut(t *testing.T) {
	ring := newRingBuffer(64)
	capture := &logCapture{ring: ring}
	n, err := capture.Write([]byte("bot line\n"))
	if err != nil || n != len("bot line\n") {
		t.Fatalf("write = (%d, %v)", n, err)
	}
	if !bytes.Contains(ring.Snapshot(), []byte("bot line")) {
		t.Fatalf("ring missing data: %q", ring.Snapshot())
	}
}

// freshRuntime mimics a runtime in a process that did not start the
// container: the capture map is empty and the sink path is only
// recoverable through the container's labels.
func freshRuntime(labels map[string]string) *Runtime {
	return &Runtime{
		namespace: "spellhunter",
		logs:      make(map[string]*logCapture),
		watchers:  make(map[string]struct{}),
		containerLabels: func(context.Context, string) (map[string]string, error) {
			return labels, nil
		},
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogsRecoversSinkFromLabels(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "console.log")
	if err := os.WriteFile(sinkPath, []byte("bot started\n"), 0o644); err != nil {
		t.Fatalf("seed sink: %v", err)
	}
	rt := freshRuntime(map[string]string{labelLogSink: sinkPath})

	ctx, cancel := context.WithCancel(context.Background())
	var buf lockedBuffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.FollowLogs(ctx, &drydock.Instance{InstanceName: "spellhunter-bot"}, &buf)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "bot started") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("FollowLogs: %v", err)
	}
	if !strings.Contains(buf.String(), "bot started") {
		t.Fatalf("sink content never streamed, have %q", buf.String())
	}
}

func TestTailLogsFallsBackToSinkFile(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "console.log")
	if err := os.WriteFile(sinkPath, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatalf("seed sink: %v", err)
	}
	rt := freshRuntime(map[string]string{labelLogSink: sinkPath})

	lines, err := rt.TailLogs(context.Background(), &drydock.Instance{InstanceName: "spellhunter-bot"}, 2)
	if err != nil {
		t.Fatalf("TailLogs: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"two", "three"}) {
		t.Fatalf("TailLogs = %v", lines)
	}
}

func TestFollowLogsWithoutSinkLabel(t *testing.T) {
	rt := freshRuntime(map[string]string{labelManaged: "true"})
	err := rt.FollowLogs(context.Background(), &drydock.Instance{InstanceName: "spellhunter-bot"}, &bytes.Buffer{})
	if err == nil {
		t.Fatalf("expected error when no sink is registered or labelled")
	}
}

func TestResolveSinkPathPrefersLiveCapture(t *testing.T) {
	rt := freshRuntime(map[string]string{labelLogSink: "/labels/console.log"})
	rt.logs["spellhunter-bot"] = &logCapture{
		ring:     newRingBuffer(64),
		sinkPath: "/live/console.log",
	}
	got, err := rt.resolveSinkPath(context.Background(), "spellhunter-bot")
	if err != nil {
		t.Fatalf("resolveSinkPath: %v", err)
	}
	if got != "/live/console.log" {
		t.Fatalf("resolveSinkPath = %q", got)
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"unix:///run/containerd/containerd.sock", "/run/containerd/containerd.sock"},
		{"/run/containerd/containerd.sock", "/run/containerd/containerd.sock"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := normalizeAddress(tc.in); got != tc.want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
