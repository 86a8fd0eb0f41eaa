package podman

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
)

func TestBuildBinds(t *testing.T) {
	got := buildBinds([]drydock.Mount{
		{Source: "/host/logs", Target: "/app/logs"},
		{Source: "/host/config.json", Target: "/app/config.json", ReadOnly: true},
		{Source: "", Target: "/skip"},
	})
	want := []string{
		"/host/logs:/app/logs",
		"/host/config.json:/app/config.json:ro",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("buildBinds = %v, want %v", got, want)
	}
}

func TestBuildTmpfs(t *testing.T) {
	got := buildTmpfs([]drydock.TmpfsMount{
		{Target: "/dev/shm", Options: []string{"size=512m"}},
		{Target: ""},
	})
	want := map[string]string{"/dev/shm": "size=512m"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("buildTmpfs = %v, want %v", got, want)
	}
}

func TestSplitImageRef(t *testing.T) {
	tests := []struct {
		image string
		name  string
		tag   string
	}{
		{"localhost/spellhunter-bot:latest", "localhost/spellhunter-bot", "latest"},
		{"docker.io/library/python:3.11-slim", "docker.io/library/python", "3.11-slim"},
		{"python", "python", ""},
		{"registry:5000/bot", "registry:5000/bot", ""},
		{"img@sha256:abcd", "img@sha256:abcd", ""},
		{"", "", ""},
	}
	for _, tc := range tests {
		name, tag := splitImageRef(tc.image)
		if name != tc.name || tag != tc.tag {
			t.Fatalf("splitImageRef(%q) = (%q, %q), want (%q, %q)", tc.image, name, tag, tc.name, tc.tag)
		}
	}
}

func TestTailLinesLimit(t *testing.T) {
	got := tailLines("a\nb\nc\n", 2)
	if !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("tailLines = %v", got)
	}
	if tailLines("", 5) != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func TestCopyDockerStreamDemux(t *testing.T) {
	var in bytes.Buffer
	in.Write(frame(1, "bot line one\n"))
	in.Write(frame(2, "warning line\n"))
	in.Write(frame(1, "bot line two\n"))

	var stdout, stderr bytes.Buffer
	if err := copyDockerStream(&in, &stdout, &stderr); err != nil {
		t.Fatalf("copyDockerStream: %v", err)
	}
	if stdout.String() != "bot line one\nbot line two\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if stderr.String() != "warning line\n" {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestCopyDockerStreamTruncatedHeader(t *testing.T) {
	in := bytes.NewReader([]byte{1, 0, 0})
	if err := copyDockerStream(in, nil, nil); err != nil {
		t.Fatalf("truncated trailing header should end the stream cleanly: %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	base, transport, err := parseAddress("unix:///run/user/1000/podman/podman.sock")
	if err != nil {
		t.Fatalf("parseAddress: %v", err)
	}
	if base.Scheme != "http" || transport == nil {
		t.Fatalf("unexpected base %v", base)
	}
	if _, _, err := parseAddress("unix://"); err == nil {
		t.Fatalf("expected missing socket path error")
	}
}
