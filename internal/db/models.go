package db

import (
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User owns servers and holds the provider and mesh credentials.
type User struct {
	ID                string `gorm:"primaryKey"`
	ExternalID        string `gorm:"uniqueIndex"`
	Email             string
	Name              string
	ProviderAPIKey    string // sealed
	ProviderProjectID string
	MeshAPIKey        string // sealed
	MeshNetwork       string
	Plan              string `gorm:"default:free"`
	CreatedAt         time.Time
}

// Server is one provisioned machine.
type Server struct {
	ID     string `gorm:"primaryKey"`
	UserID string `gorm:"index"`

	Region     spec.Region
	ServerType spec.ServerType

	MachineID  string `gorm:"index"`
	PublicIP   string
	MeshName   string
	MeshDomain string
	MeshIP     string

	Agents         []spec.Agent `gorm:"serializer:json"`
	OpenCodePort   int
	ClaudeCodePort int
	CodexPort      int

	Username string
	Password string `json:"-"` // sealed

	Status          spec.Status `gorm:"index"`
	StatusMessage   string
	HealthStatus    spec.Health
	LastHealthCheck *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Port returns the port the server assigned to a.
func (s *Server) Port(a spec.Agent) int {
	var port int
	switch a {
	case spec.OpenCode:
		port = s.OpenCodePort
	case spec.ClaudeCode:
		port = s.ClaudeCodePort
	case spec.Codex:
		port = s.CodexPort
	}
	if port == 0 {
		def, _ := spec.Lookup(a)
		port = def.DefaultPort
	}
	return port
}

// SetPorts copies resolved agent ports onto the record.
func (s *Server) SetPorts(p spec.Ports) {
	s.OpenCodePort = p.Port(spec.OpenCode)
	s.ClaudeCodePort = p.Port(spec.ClaudeCode)
	s.CodexPort = p.Port(spec.Codex)
}

// ProvisioningLog is one append-only step outcome of a server.
type ProvisioningLog struct {
	ID        uint   `gorm:"primaryKey"`
	ServerID  string `gorm:"index"`
	Step      string
	Status    spec.StepStatus
	Message   string
	Timestamp time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (s *Server) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// LatestByStep collapses a log stream to the newest entry of each step,
// keeping steps in the order they first appear. Entries are compared by
// timestamp, then by ID, so replaying the same stream yields the same view.
func LatestByStep(entries []ProvisioningLog) []ProvisioningLog {
	order := make([]string, 0)
	latest := make(map[string]ProvisioningLog)
	for _, e := range entries {
		cur, ok := latest[e.Step]
		if !ok {
			order = append(order, e.Step)
			latest[e.Step] = e
			continue
		}
		if e.Timestamp.After(cur.Timestamp) || (e.Timestamp.Equal(cur.Timestamp) && e.ID >= cur.ID) {
			latest[e.Step] = e
		}
	}
	out := make([]ProvisioningLog, 0, len(order))
	for _, step := range order {
		out = append(out, latest[step])
	}
	return out
}
