package httpapi

import (
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
)

// Server is the public view of a server record. The password never leaves
// the control plane.
type Server struct {
	ID              string             `json:"id"`
	Region          spec.Region        `json:"region"`
	ServerType      spec.ServerType    `json:"server_type"`
	Status          spec.Status        `json:"status"`
	StatusMessage   string             `json:"status_message,omitempty"`
	Health          spec.Health        `json:"health,omitempty"`
	LastHealthCheck *time.Time         `json:"last_health_check,omitempty"`
	MachineID       string             `json:"machine_id,omitempty"`
	PublicIP        string             `json:"public_ip,omitempty"`
	MeshName        string             `json:"mesh_name,omitempty"`
	MeshDomain      string             `json:"mesh_domain,omitempty"`
	MeshIP          string             `json:"mesh_ip,omitempty"`
	Username        string             `json:"username"`
	Agents          []spec.Agent       `json:"agents"`
	Ports           map[spec.Agent]int `json:"ports"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func serverView(s *db.Server) Server {
	agents := s.Agents
	if agents == nil {
		agents = []spec.Agent{}
	}
	ports := make(map[spec.Agent]int, len(agents))
	for _, a := range agents {
		ports[a] = s.Port(a)
	}
	return Server{
		ID:              s.ID,
		Region:          s.Region,
		ServerType:      s.ServerType,
		Status:          s.Status,
		StatusMessage:   s.StatusMessage,
		Health:          s.HealthStatus,
		LastHealthCheck: s.LastHealthCheck,
		MachineID:       s.MachineID,
		PublicIP:        s.PublicIP,
		MeshName:        s.MeshName,
		MeshDomain:      s.MeshDomain,
		MeshIP:          s.MeshIP,
		Username:        s.Username,
		Agents:          agents,
		Ports:           ports,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// LogEntry is one provisioning log line.
type LogEntry struct {
	Step      string          `json:"step"`
	Status    spec.StepStatus `json:"status"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

func logView(entries []db.ProvisioningLog) []LogEntry {
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogEntry{Step: e.Step, Status: e.Status, Message: e.Message, Timestamp: e.Timestamp})
	}
	return out
}
