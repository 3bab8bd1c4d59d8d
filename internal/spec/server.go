package spec

import (
	"fmt"
)

// Region is a provider location code.
type Region string

// ServerType is a provider machine size code.
type ServerType string

var (
	regions     = []Region{"ash", "hil", "nbg1", "fsn1", "hel1"}
	serverTypes = []ServerType{"cx23", "cx33", "cpx21", "cpx31"}
)

// ParseRegion validates a region code.
func ParseRegion(s string) (Region, error) {
	for _, r := range regions {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown region %q: must be one of %v", s, regions)
}

// ParseServerType validates a machine size code.
func ParseServerType(s string) (ServerType, error) {
	for _, t := range serverTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown server type %q: must be one of %v", s, serverTypes)
}

// Status is the lifecycle state of a server record.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusInstalling   Status = "installing"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusDeleting     Status = "deleting"
)

// transitions maps a target status to the statuses it may be entered from.
var transitions = map[Status][]Status{
	StatusInstalling: {StatusProvisioning},
	StatusRunning:    {StatusInstalling, StatusStopped},
	StatusStopped:    {StatusRunning},
	StatusError:      {StatusProvisioning, StatusInstalling},
	StatusDeleting:   {StatusProvisioning, StatusInstalling, StatusRunning, StatusStopped, StatusError},
}

// Predecessors returns the statuses from which to can be entered.
func Predecessors(to Status) []Status {
	return transitions[to]
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Health is the coarse classification written by the health monitor.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)

// StepStatus is the status of one provisioning log entry.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
)

// Provisioning step identifiers.
const (
	StepMeshAuthKey     = "mesh_auth_key"
	StepCreateMachine   = "create_machine"
	StepSoftwareInstall = "software_install"
	StepResetCredential = "reset_credentials"
)

// StepInstallAgent is the log step for installing a on a running server.
func StepInstallAgent(a Agent) string { return "install_agent:" + string(a) }

// StepUninstallAgent is the log step for removing a from a running server.
func StepUninstallAgent(a Agent) string { return "uninstall_agent:" + string(a) }

// ProvisionRequest is what a user submits to get a new server.
type ProvisionRequest struct {
	Region     string        `json:"region"`
	ServerType string        `json:"server_type"`
	Agents     []Agent       `json:"agents"`
	Ports      map[Agent]int `json:"ports,omitempty"`
}

// Ports holds the resolved port of every agent plus the fixed service ports.
type Ports struct {
	Agents     map[Agent]int `yaml:"agents" json:"agents"`
	Terminal   int           `yaml:"terminal" json:"terminal"`
	Management int           `yaml:"management" json:"management"`
}

// DefaultPorts returns the catalog defaults.
func DefaultPorts() Ports {
	p := Ports{
		Agents:     make(map[Agent]int, len(catalog)),
		Terminal:   TerminalPort,
		Management: ManagementPort,
	}
	for _, def := range catalog {
		p.Agents[def.Name] = def.DefaultPort
	}
	return p
}

// Port returns the port of a, falling back to the catalog default.
func (p Ports) Port(a Agent) int {
	if port, ok := p.Agents[a]; ok && port != 0 {
		return port
	}
	def, _ := Lookup(a)
	return def.DefaultPort
}

// WithOverrides returns a copy of p with per-agent overrides applied. It
// rejects unknown agents, out of range ports and collisions.
func (p Ports) WithOverrides(overrides map[Agent]int) (Ports, error) {
	out := Ports{
		Agents:     make(map[Agent]int, len(catalog)),
		Terminal:   p.Terminal,
		Management: p.Management,
	}
	for _, def := range catalog {
		out.Agents[def.Name] = p.Port(def.Name)
	}
	for a, port := range overrides {
		if _, ok := Lookup(a); !ok {
			return Ports{}, fmt.Errorf("port override for unknown agent %q", a)
		}
		if port < 1024 || port > 65535 {
			return Ports{}, fmt.Errorf("port %d for %s out of range 1024-65535", port, a)
		}
		out.Agents[a] = port
	}
	used := map[int]string{out.Terminal: "terminal", out.Management: "management"}
	for _, def := range catalog {
		port := out.Agents[def.Name]
		if other, ok := used[port]; ok {
			return Ports{}, fmt.Errorf("port %d for %s collides with %s", port, def.Name, other)
		}
		used[port] = string(def.Name)
	}
	return out, nil
}
