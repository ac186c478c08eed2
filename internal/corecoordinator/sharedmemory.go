package corecoordinator

import (
	"encoding/json"

	"github.com/cuemby/fleetform/internal/coreevents"
	"github.com/cuemby/fleetform/internal/corestore"
	"github.com/cuemby/fleetform/internal/coretypes"
)

// sharedMemoryDoc is the full wire shape of shared-memory.json (spec.md §6):
// corestore.Snapshot only covers the agents/tasks portion, the coordinator
// wraps it with the swarm-level envelope and the communication log.
type sharedMemoryDoc struct {
	SwarmID      string                      `json:"swarmId"`
	CreatedAt    string                      `json:"createdAt"`
	Status       coretypes.ObjectiveStatus   `json:"status"`
	Metadata     sharedMemoryMetadata        `json:"metadata"`
	Agents       []corestore.AgentSnapshot   `json:"agents"`
	Tasks        []corestore.TaskSnapshot    `json:"tasks"`
	Coordination sharedMemoryCoordination    `json:"coordination"`
}

type sharedMemoryMetadata struct {
	Topology  coretypes.Topology `json:"topology"`
	Strategy  coretypes.Strategy `json:"strategy"`
	Objective string             `json:"objective"`
}

type sharedMemoryCoordination struct {
	CommunicationLog []communicationLogEntry `json:"communicationLog"`
}

type communicationLogEntry struct {
	Timestamp string            `json:"timestamp"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor"`
	Message   string            `json:"message"`
	Payload   map[string]string `json:"payload,omitempty"`
}

func communicationLogFrom(events []*coreevents.Event) []communicationLogEntry {
	out := make([]communicationLogEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, communicationLogEntry{
			Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			Type:      string(ev.Type),
			Actor:     ev.Actor,
			Message:   ev.Message,
			Payload:   ev.Payload,
		})
	}
	return out
}

func marshalSharedMemory(doc sharedMemoryDoc) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
