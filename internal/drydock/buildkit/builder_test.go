package buildkit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
)

func TestStageContainerfileGeneratedContent(t *testing.T) {
	contextDir := t.TempDir()
	staged, err := stageContainerfile(drydock.BuildSpec{
		ContextDir:        contextDir,
		ContainerfileData: []byte("FROM python:3.11-slim\n"),
	})
	if err != nil {
		t.Fatalf("stageContainerfile: %v", err)
	}
	defer staged.cleanup()

	if staged.contextDir != contextDir {
		t.Fatalf("context dir = %q", staged.contextDir)
	}
	if staged.dockerfileDir == contextDir {
		t.Fatalf("generated containerfile staged inside the context dir")
	}
	data, err := os.ReadFile(filepath.Join(staged.dockerfileDir, staged.filename))
	if err != nil {
		t.Fatalf("staged containerfile unreadable: %v", err)
	}
	if string(data) != "FROM python:3.11-slim\n" {
		t.Fatalf("staged content = %q", data)
	}

	entries, err := os.ReadDir(contextDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("context dir was modified: %v", entries)
	}

	staged.cleanup()
	if _, err := os.Stat(staged.dockerfileDir); !os.IsNotExist(err) {
		t.Fatalf("temp dir survived cleanup: %v", err)
	}
}

func TestStageContainerfileOnDisk(t *testing.T) {
	contextDir := t.TempDir()
	path := filepath.Join(contextDir, "Containerfile")
	if err := os.WriteFile(path, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("seed containerfile: %v", err)
	}
	staged, err := stageContainerfile(drydock.BuildSpec{ContextDir: contextDir})
	if err != nil {
		t.Fatalf("stageContainerfile: %v", err)
	}
	defer staged.cleanup()
	if staged.dockerfileDir != contextDir || staged.filename != "Containerfile" {
		t.Fatalf("staged = %+v", staged)
	}
}

func TestStageContainerfileRequiresContext(t *testing.T) {
	if _, err := stageContainerfile(drydock.BuildSpec{}); err == nil {
		t.Fatalf("expected missing context error")
	}
}
