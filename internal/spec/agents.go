package spec

import (
	"fmt"
	"sort"
)

// Agent names one of the coding agents that can run on a server.
type Agent string

const (
	OpenCode   Agent = "opencode"
	ClaudeCode Agent = "claude-code"
	Codex      Agent = "codex"
)

// Kind describes how an agent is exposed on its port.
type Kind int

const (
	// KindWebServer agents serve their own HTTP UI and read credentials
	// from the environment file.
	KindWebServer Kind = iota
	// KindTerminal agents are CLIs wrapped in a ttyd web terminal that
	// carries the credentials on its command line.
	KindTerminal
)

// AgentDef is the per-agent row of the catalog.
type AgentDef struct {
	Name        Agent
	Description string
	Kind        Kind
	DefaultPort int
	// Unit is the systemd user unit file name.
	Unit string
	// Install is a shell snippet run as root that installs the runtime.
	Install string
	// Check is a shell snippet that exits 0 when the runtime is present.
	Check string
	// Command is the binary started inside the unit (for KindWebServer
	// it is the full path, for KindTerminal the CLI started by ttyd).
	Command string
}

const (
	// TerminalPort is the plain bash web terminal every server gets.
	TerminalPort = 4099
	// ManagementPort is where devforge-agent serves the management API.
	ManagementPort = 4098
	// TerminalUnit is the systemd user unit of the web terminal.
	TerminalUnit = "terminal.service"
	// AgentUnit is the system unit of devforge-agent.
	AgentUnit = "devforge-agent.service"
	// DefaultUsername is the OS and service login created on every server.
	DefaultUsername = "devforge"
)

var catalog = []AgentDef{
	{
		Name:        OpenCode,
		Description: "OpenCode Server",
		Kind:        KindWebServer,
		DefaultPort: 4096,
		Unit:        "opencode.service",
		Install:     `runuser -l "$DEVFORGE_USER" -c "curl -fsSL https://opencode.ai/install | bash"`,
		Check:       `test -x "/home/$DEVFORGE_USER/.opencode/bin/opencode"`,
		Command:     "%h/.opencode/bin/opencode",
	},
	{
		Name:        ClaudeCode,
		Description: "Claude Code via ttyd",
		Kind:        KindTerminal,
		DefaultPort: 4097,
		Unit:        "claude-code.service",
		Install:     `npm install -g @anthropic-ai/claude-code`,
		Check:       `command -v claude >/dev/null 2>&1`,
		Command:     "claude",
	},
	{
		Name:        Codex,
		Description: "Codex CLI via ttyd",
		Kind:        KindTerminal,
		DefaultPort: 4100,
		Unit:        "codex.service",
		Install:     `npm install -g @openai/codex`,
		Check:       `command -v codex >/dev/null 2>&1`,
		Command:     "codex",
	},
}

// Agents returns every known agent in catalog order.
func Agents() []AgentDef {
	out := make([]AgentDef, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the catalog row for a.
func Lookup(a Agent) (AgentDef, bool) {
	for _, def := range catalog {
		if def.Name == a {
			return def, true
		}
	}
	return AgentDef{}, false
}

// ParseAgent validates a user supplied agent name.
func ParseAgent(name string) (Agent, error) {
	if _, ok := Lookup(Agent(name)); !ok {
		return "", fmt.Errorf("unknown agent %q: must be one of %v", name, AgentNames())
	}
	return Agent(name), nil
}

// AgentNames lists the catalog names.
func AgentNames() []string {
	names := make([]string, 0, len(catalog))
	for _, def := range catalog {
		names = append(names, string(def.Name))
	}
	return names
}

func catalogIndex(a Agent) int {
	for i, def := range catalog {
		if def.Name == a {
			return i
		}
	}
	return len(catalog)
}

// NormalizeAgents de-duplicates agents and orders them as the catalog does.
// Unknown names are an error.
func NormalizeAgents(agents []Agent) ([]Agent, error) {
	seen := make(map[Agent]bool, len(agents))
	out := make([]Agent, 0, len(agents))
	for _, a := range agents {
		if _, ok := Lookup(a); !ok {
			return nil, fmt.Errorf("unknown agent %q: must be one of %v", a, AgentNames())
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return catalogIndex(out[i]) < catalogIndex(out[j]) })
	return out, nil
}

// Contains reports whether a is in agents.
func Contains(agents []Agent, a Agent) bool {
	for _, x := range agents {
		if x == a {
			return true
		}
	}
	return false
}

// Without returns agents with a removed.
func Without(agents []Agent, a Agent) []Agent {
	out := make([]Agent, 0, len(agents))
	for _, x := range agents {
		if x != a {
			out = append(out, x)
		}
	}
	return out
}
