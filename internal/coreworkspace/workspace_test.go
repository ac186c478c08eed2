package coreworkspace

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/coretypes"
)

func testRuntime() *coreruntime.Runtime {
	return coreruntime.Test(io.Discard)
}

func TestCreateSwarmWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(testRuntime(), tmpDir, 0)

	paths, err := m.CreateSwarmWorkspace("swarm-1")
	if err != nil {
		t.Fatalf("CreateSwarmWorkspace() error = %v", err)
	}

	for _, dir := range []string{paths.Root, paths.Communication, paths.Agents, paths.Output} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("expected directory %s to exist", dir)
		}
	}

	// Idempotent: calling it again on the same swarm must not fail.
	if _, err := m.CreateSwarmWorkspace("swarm-1"); err != nil {
		t.Fatalf("second CreateSwarmWorkspace() error = %v", err)
	}
}

func TestCreateAgentWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(testRuntime(), tmpDir, 0)

	if _, err := m.CreateSwarmWorkspace("swarm-1"); err != nil {
		t.Fatalf("CreateSwarmWorkspace() error = %v", err)
	}

	ws, err := m.CreateAgentWorkspace("swarm-1", "agent-1", string(coretypes.TaskTypeCoding))
	if err != nil {
		t.Fatalf("CreateAgentWorkspace() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(ws.Dir, "workspace-info.json")); err != nil {
		t.Errorf("expected workspace-info.json to exist: %v", err)
	}
	if _, err := os.Stat(ws.InboxDir); err != nil {
		t.Errorf("expected inbox dir to exist: %v", err)
	}
	if _, err := os.Stat(ws.OutputDir); err != nil {
		t.Errorf("expected output dir to exist: %v", err)
	}
}

func TestWritePrompt(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(testRuntime(), tmpDir, 0)
	ws, _ := m.CreateAgentWorkspace("swarm-1", "agent-1", "")

	path, err := m.WritePrompt(ws, "do the thing")
	if err != nil {
		t.Fatalf("WritePrompt() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "do the thing" {
		t.Errorf("prompt content = %q, want %q", string(data), "do the thing")
	}
}

func TestHarvestOutputs(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(testRuntime(), tmpDir, 16) // tiny cap to exercise the oversized-file path
	ws, _ := m.CreateAgentWorkspace("swarm-1", "agent-1", "")

	small := filepath.Join(ws.OutputDir, "small.txt")
	if err := os.WriteFile(small, []byte("ok"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	large := filepath.Join(ws.OutputDir, "large.txt")
	if err := os.WriteFile(large, []byte("this content is longer than the cap"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	result, err := m.HarvestOutputs(ws)
	if err != nil {
		t.Fatalf("HarvestOutputs() error = %v", err)
	}

	if len(result.ArtifactList) != 2 {
		t.Errorf("ArtifactList length = %d, want 2", len(result.ArtifactList))
	}
	if _, ok := result.Files["small.txt"]; !ok {
		t.Error("expected small.txt in harvested Files")
	}
	if _, ok := result.Files["large.txt"]; ok {
		t.Error("expected large.txt to be excluded from Files (over cap)")
	}
}

func TestHarvestOutputs_MissingDir(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(testRuntime(), tmpDir, 0)
	ws := coretypes.AgentWorkspace{OutputDir: filepath.Join(tmpDir, "does-not-exist")}

	result, err := m.HarvestOutputs(ws)
	if err != nil {
		t.Fatalf("HarvestOutputs() error = %v", err)
	}
	if len(result.ArtifactList) != 0 {
		t.Errorf("expected no artifacts, got %d", len(result.ArtifactList))
	}
}

func TestTeardownAgentWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(testRuntime(), tmpDir, 0)

	t.Run("keep", func(t *testing.T) {
		ws, _ := m.CreateAgentWorkspace("swarm-1", "agent-keep", "")
		if err := m.TeardownAgentWorkspace(ws, coretypes.TeardownKeep); err != nil {
			t.Fatalf("TeardownAgentWorkspace() error = %v", err)
		}
		if _, err := os.Stat(ws.Dir); err != nil {
			t.Errorf("expected workspace to survive keep policy: %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		ws, _ := m.CreateAgentWorkspace("swarm-1", "agent-delete", "")
		if err := m.TeardownAgentWorkspace(ws, coretypes.TeardownDelete); err != nil {
			t.Fatalf("TeardownAgentWorkspace() error = %v", err)
		}
		if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
			t.Errorf("expected workspace to be removed, stat err = %v", err)
		}
	})

	t.Run("archive", func(t *testing.T) {
		ws, _ := m.CreateAgentWorkspace("swarm-1", "agent-archive", "")
		if err := m.TeardownAgentWorkspace(ws, coretypes.TeardownArchive); err != nil {
			t.Fatalf("TeardownAgentWorkspace() error = %v", err)
		}
		archived := filepath.Join(tmpDir, "swarm-swarm-1", "archive", "agent-archive")
		if _, err := os.Stat(archived); err != nil {
			t.Errorf("expected archived workspace at %s: %v", archived, err)
		}
	})
}

func TestWriteSharedMemorySnapshot(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(testRuntime(), tmpDir, 0)
	paths, _ := m.CreateSwarmWorkspace("swarm-1")

	if err := m.WriteSharedMemorySnapshot(paths, []byte(`{"agents":[],"tasks":[]}`)); err != nil {
		t.Fatalf("WriteSharedMemorySnapshot() error = %v", err)
	}

	data, err := os.ReadFile(paths.SharedMemory)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != `{"agents":[],"tasks":[]}` {
		t.Errorf("snapshot content = %q", string(data))
	}

	// No leftover temp files.
	entries, err := os.ReadDir(paths.Root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}
