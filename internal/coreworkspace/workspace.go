// Package coreworkspace is the Workspace Manager (spec.md §4.1): it creates
// and tears down the per-swarm / per-agent directory tree, materializes
// prompt files, and harvests produced artifacts after a task completes.
// Grounded on the reference orchestrator's pkg/volume (local directory
// driver: create/mount/cleanup-for-task) generalized from volume mounts to
// prompt files and harvested output, plus pkg/worker's workspace-info.json
// bookkeeping style.
package coreworkspace

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/fleetform/internal/coreerrors"
	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/rs/zerolog"
)

// DefaultHarvestCapBytes bounds how much of a single file HarvestOutputs
// reads inline; larger files are referenced by path and size only
// (spec.md §4.1).
const DefaultHarvestCapBytes = 1 << 20 // 1 MiB

// Manager creates, populates, and tears down swarm/agent workspaces.
type Manager struct {
	root       string
	harvestCap int64
	logger     zerolog.Logger
}

// NewManager creates a Manager rooted at root (spec.md §4.6's
// workspaceRoot option, default "./swarm-workspaces").
func NewManager(rt *coreruntime.Runtime, root string, harvestCapBytes int64) *Manager {
	if harvestCapBytes <= 0 {
		harvestCapBytes = DefaultHarvestCapBytes
	}
	return &Manager{root: root, harvestCap: harvestCapBytes, logger: rt.WithComponent("workspace")}
}

// CreateSwarmWorkspace creates the full directory tree for one swarm.
// Idempotent: re-running it on an existing tree is a no-op.
func (m *Manager) CreateSwarmWorkspace(swarmID string) (coretypes.WorkspacePaths, error) {
	log := m.logger
	root := filepath.Join(m.root, "swarm-"+swarmID)
	paths := coretypes.WorkspacePaths{
		Root:          root,
		SharedMemory:  filepath.Join(root, "shared-memory.json"),
		Communication: filepath.Join(root, "communication"),
		Agents:        filepath.Join(root, "agents"),
		Output:        filepath.Join(root, "output"),
	}

	for _, dir := range []string{root, paths.Communication, paths.Agents, paths.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return coretypes.WorkspacePaths{}, coreerrors.Wrap("workspace.CreateSwarmWorkspace", coretypes.ErrorKindIOError, "mkdir %s: %w", dir, err)
		}
	}
	log.Info().Str("swarm_id", swarmID).Str("root", root).Msg("swarm workspace ready")
	return paths, nil
}

// workspaceInfo is the JSON document written into each agent workspace.
type workspaceInfo struct {
	SwarmID   string    `json:"swarmId"`
	AgentID   string    `json:"agentId"`
	TaskType  string    `json:"taskType,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateAgentWorkspace creates an agent's working directory inside the
// swarm tree and writes workspace-info.json (spec.md §4.1).
func (m *Manager) CreateAgentWorkspace(swarmID, agentID, taskType string) (coretypes.AgentWorkspace, error) {
	root := filepath.Join(m.root, "swarm-"+swarmID, "agents", agentID)
	inbox := filepath.Join(root, "inbox")
	output := filepath.Join(root, "output")

	for _, dir := range []string{root, inbox, output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return coretypes.AgentWorkspace{}, coreerrors.Wrap("workspace.CreateAgentWorkspace", coretypes.ErrorKindIOError, "mkdir %s: %w", dir, err)
		}
	}

	now := time.Now()
	info := workspaceInfo{SwarmID: swarmID, AgentID: agentID, TaskType: taskType, CreatedAt: now}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return coretypes.AgentWorkspace{}, coreerrors.Wrap("workspace.CreateAgentWorkspace", coretypes.ErrorKindIOError, "marshal workspace-info.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "workspace-info.json"), data, 0o644); err != nil {
		return coretypes.AgentWorkspace{}, coreerrors.Wrap("workspace.CreateAgentWorkspace", coretypes.ErrorKindIOError, "write workspace-info.json: %w", err)
	}

	return coretypes.AgentWorkspace{
		SwarmID: swarmID, AgentID: agentID, Dir: root,
		InboxDir: inbox, OutputDir: output, CreatedAt: now,
	}, nil
}

// WritePrompt materializes promptContent as enhanced-prompt.md inside the
// agent's workspace and returns its path.
func (m *Manager) WritePrompt(ws coretypes.AgentWorkspace, promptContent string) (string, error) {
	path := filepath.Join(ws.Dir, "enhanced-prompt.md")
	if err := os.WriteFile(path, []byte(promptContent), 0o644); err != nil {
		return "", coreerrors.Wrap("workspace.WritePrompt", coretypes.ErrorKindIOError, "write %s: %w", path, err)
	}
	return path, nil
}

// HarvestResult is what harvesting an agent's output directory produces.
type HarvestResult struct {
	Files        map[string][]byte // relpath -> contents, for files <= harvestCap
	ArtifactList []string          // every regular file found, including large ones
}

// HarvestOutputs reads every regular file under the agent's output
// directory. Unreadable files are logged and skipped — a single bad
// artifact never fails the task (spec.md §4.1).
func (m *Manager) HarvestOutputs(ws coretypes.AgentWorkspace) (HarvestResult, error) {
	log := m.logger
	result := HarvestResult{Files: make(map[string][]byte)}

	if _, err := os.Stat(ws.OutputDir); os.IsNotExist(err) {
		return result, nil
	}

	err := filepath.WalkDir(ws.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("harvest: walk error, skipping")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("harvest: stat error, skipping")
			return nil
		}

		rel, err := filepath.Rel(ws.OutputDir, path)
		if err != nil {
			rel = path
		}
		result.ArtifactList = append(result.ArtifactList, rel)

		if info.Size() > m.harvestCap {
			log.Info().Str("path", rel).Int64("size", info.Size()).Msg("harvest: file exceeds cap, referencing by path only")
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Str("path", rel).Err(err).Msg("harvest: read error, skipping")
			return nil
		}
		result.Files[rel] = data
		return nil
	})
	if err != nil {
		return result, coreerrors.Wrap("workspace.HarvestOutputs", coretypes.ErrorKindIOError, "walk %s: %w", ws.OutputDir, err)
	}
	return result, nil
}

// TeardownAgentWorkspace disposes of an agent's workspace per policy.
func (m *Manager) TeardownAgentWorkspace(ws coretypes.AgentWorkspace, policy coretypes.TeardownPolicy) error {
	switch policy {
	case coretypes.TeardownKeep, "":
		return nil
	case coretypes.TeardownArchive:
		archiveRoot := filepath.Join(filepath.Dir(filepath.Dir(ws.Dir)), "archive")
		if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
			return coreerrors.Wrap("workspace.TeardownAgentWorkspace", coretypes.ErrorKindIOError, "mkdir archive: %w", err)
		}
		dest := filepath.Join(archiveRoot, ws.AgentID)
		if err := os.Rename(ws.Dir, dest); err != nil {
			return coreerrors.Wrap("workspace.TeardownAgentWorkspace", coretypes.ErrorKindIOError, "archive %s: %w", ws.Dir, err)
		}
		return nil
	case coretypes.TeardownDelete:
		if err := os.RemoveAll(ws.Dir); err != nil {
			return coreerrors.Wrap("workspace.TeardownAgentWorkspace", coretypes.ErrorKindIOError, "delete %s: %w", ws.Dir, err)
		}
		return nil
	default:
		return coreerrors.Wrap("workspace.TeardownAgentWorkspace", coretypes.ErrorKindInvalidInput, "unknown teardown policy %q", policy)
	}
}

// WriteSharedMemorySnapshot atomically writes data (the JSON-encoded
// shared-memory.json document) to paths.SharedMemory via a temp file and
// rename, so readers never observe a partial write (spec.md §6).
func (m *Manager) WriteSharedMemorySnapshot(paths coretypes.WorkspacePaths, data []byte) error {
	tmp, err := os.CreateTemp(paths.Root, "shared-memory-*.json.tmp")
	if err != nil {
		return coreerrors.Wrap("workspace.WriteSharedMemorySnapshot", coretypes.ErrorKindIOError, "create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return coreerrors.Wrap("workspace.WriteSharedMemorySnapshot", coretypes.ErrorKindIOError, "write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return coreerrors.Wrap("workspace.WriteSharedMemorySnapshot", coretypes.ErrorKindIOError, "close temp: %w", err)
	}
	if err := os.Rename(tmpName, paths.SharedMemory); err != nil {
		return coreerrors.Wrap("workspace.WriteSharedMemorySnapshot", coretypes.ErrorKindIOError, "rename to %s: %w", paths.SharedMemory, err)
	}
	return nil
}
