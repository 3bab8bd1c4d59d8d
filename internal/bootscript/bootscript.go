// Package bootscript renders the cloud-init first-boot script of a server.
//
// Every value that reaches the script is either single-quoted with Quote
// or base64 encoded and decoded on the machine, so nothing a user or an
// upstream API supplies is ever parsed by the shell. File contents,
// including the systemd units, travel as base64 for the same reason.
package bootscript

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/atvirokodosprendimai/devforge/internal/rmp"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/units"
)

// DefaultAgentURL is where the management agent binary is downloaded from.
const DefaultAgentURL = "https://github.com/atvirokodosprendimai/devforge/releases/latest/download/devforge-agent-linux-amd64"

// DefaultTTYDURL is where ttyd is downloaded from.
const DefaultTTYDURL = "https://github.com/tsl0922/ttyd/releases/latest/download/ttyd.x86_64"

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Generator renders boot scripts. The zero value is not usable; fill every
// field or use New.
type Generator struct {
	Username string
	AgentURL string
	TTYDURL  string
	// RestrictManagement also limits the management port to the mesh
	// interface. When false it stays reachable on the public address so
	// the readiness poll and health checks can reach it.
	RestrictManagement bool
}

// New returns a Generator with the default download locations.
func New(username string) *Generator {
	return &Generator{
		Username: username,
		AgentURL: DefaultAgentURL,
		TTYDURL:  DefaultTTYDURL,
	}
}

// Params is everything that differs between two servers.
type Params struct {
	ServerName string
	JoinToken  string
	Agents     []spec.Agent
	Password   string
	Ports      spec.Ports
}

type fileData struct {
	Path  string
	Mode  string
	Owner string
	B64   string
}

type agentData struct {
	Name    spec.Agent
	Unit    string
	Check   string
	Install string
}

type scriptData struct {
	Username      string
	ServerName    string
	JoinToken     string
	AgentURL      string
	TTYDURL       string
	EnvB64        string
	FirewallPorts []int
	UserUnits     []fileData
	SystemUnit    fileData
	Agents        []agentData
	Terminal      string
}

// Render produces the boot script for one server.
func (g *Generator) Render(p Params) (string, error) {
	if p.ServerName == "" {
		return "", errors.New("bootscript: server name is required")
	}
	if p.JoinToken == "" {
		return "", errors.New("bootscript: mesh join token is required")
	}
	if p.Password == "" || rmp.HasControl(p.Password) {
		return "", errors.New("bootscript: password must be non-empty and free of control characters")
	}
	agents, err := spec.NormalizeAgents(p.Agents)
	if err != nil {
		return "", fmt.Errorf("bootscript: %w", err)
	}

	creds := units.Credentials{Username: g.Username, Password: p.Password}
	owner := g.Username + ":" + g.Username
	unitDir := units.UserUnitDir(g.Username)

	data := scriptData{
		Username:   g.Username,
		ServerName: p.ServerName,
		JoinToken:  p.JoinToken,
		AgentURL:   g.AgentURL,
		TTYDURL:    g.TTYDURL,
		EnvB64:     b64(units.EnvFile(creds)),
		Terminal:   spec.TerminalUnit,
	}

	terminal, err := units.TerminalUnit(p.Ports.Terminal, creds)
	if err != nil {
		return "", err
	}
	data.UserUnits = append(data.UserUnits, fileData{
		Path: unitDir + "/" + spec.TerminalUnit, Mode: "600", Owner: owner, B64: b64(terminal),
	})

	for _, a := range agents {
		def, _ := spec.Lookup(a)
		unit, err := units.AgentUnit(def, p.Ports.Port(a), creds)
		if err != nil {
			return "", err
		}
		data.UserUnits = append(data.UserUnits, fileData{
			Path: unitDir + "/" + def.Unit, Mode: "600", Owner: owner, B64: b64(unit),
		})
		data.Agents = append(data.Agents, agentData{Name: a, Unit: def.Unit, Check: def.Check, Install: def.Install})
	}

	// Every agent port is filtered, installed or not, so an agent added
	// later through the management API is covered too.
	for _, def := range spec.Agents() {
		data.FirewallPorts = append(data.FirewallPorts, p.Ports.Port(def.Name))
	}
	data.FirewallPorts = append(data.FirewallPorts, p.Ports.Terminal)
	if g.RestrictManagement {
		data.FirewallPorts = append(data.FirewallPorts, p.Ports.Management)
	}

	mgmt, err := units.ManagementUnit(g.Username, p.Ports)
	if err != nil {
		return "", err
	}
	data.SystemUnit = fileData{Path: units.SystemUnitPath, Mode: "644", Owner: "root:root", B64: b64(mgmt)}

	var b strings.Builder
	if err := scriptTmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("bootscript: failed to execute template: %w", err)
	}
	return b.String(), nil
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

var scriptTmpl = template.Must(template.New("boot").Funcs(template.FuncMap{"q": Quote}).Parse(scriptSource))

const scriptSource = `#!/bin/bash
set -euo pipefail
exec > /var/log/devforge-setup.log 2>&1

echo "=== devforge setup starting ==="

DEVFORGE_USER={{ q .Username }}
export DEVFORGE_USER
export DEBIAN_FRONTEND=noninteractive

write_file() {
  install -d "$(dirname "$1")"
  printf '%s' "$4" | base64 -d > "$1"
  chmod "$2" "$1"
  chown "$3" "$1"
}

user_systemctl() {
  runuser -l "$DEVFORGE_USER" -c "XDG_RUNTIME_DIR=/run/user/$(id -u "$DEVFORGE_USER") systemctl --user $*"
}

# ── Base packages ──
MISSING=""
for PKG in curl wget git jq unzip iptables iptables-persistent; do
  dpkg -s "$PKG" >/dev/null 2>&1 || MISSING="$MISSING $PKG"
done
if [ -n "$MISSING" ]; then
  apt-get update
  # shellcheck disable=SC2086
  apt-get install -y $MISSING
fi

# ── Mesh network ──
if ! command -v tailscale >/dev/null 2>&1; then
  curl -fsSL https://tailscale.com/install.sh | sh
fi
systemctl enable --now tailscaled
tailscale up --authkey={{ q .JoinToken }} --hostname={{ q .ServerName }}

# ── Service user ──
if ! id -u "$DEVFORGE_USER" >/dev/null 2>&1; then
  useradd -m -s /bin/bash "$DEVFORGE_USER"
fi
loginctl enable-linger "$DEVFORGE_USER"

# ── Credentials ──
ENV_B64={{ q .EnvB64 }}
write_file "/home/$DEVFORGE_USER/.env" 600 "$DEVFORGE_USER:$DEVFORGE_USER" "$ENV_B64"

# ── Runtimes ──
if ! command -v node >/dev/null 2>&1; then
  curl -fsSL https://deb.nodesource.com/setup_22.x | bash -
  apt-get install -y nodejs
fi
if [ ! -x /usr/local/bin/ttyd ]; then
  wget -O /usr/local/bin/ttyd {{ q .TTYDURL }}
  chmod +x /usr/local/bin/ttyd
fi

# ── Firewall: service ports only on the mesh interface ──
MESH_IFACE=$(ip -o link show | grep -oP 'tailscale\d+' | head -1 || true)
MESH_IFACE=${MESH_IFACE:-tailscale0}
for PORT in{{ range .FirewallPorts }} {{ . }}{{ end }}; do
  iptables -C INPUT -i "$MESH_IFACE" -p tcp --dport "$PORT" -j ACCEPT 2>/dev/null || iptables -A INPUT -i "$MESH_IFACE" -p tcp --dport "$PORT" -j ACCEPT
  iptables -C INPUT -p tcp --dport "$PORT" -j DROP 2>/dev/null || iptables -A INPUT -p tcp --dport "$PORT" -j DROP
done
mkdir -p /etc/iptables
iptables-save > /etc/iptables/rules.v4

# ── User units ──
{{- range .UserUnits }}
write_file {{ q .Path }} {{ .Mode }} {{ q .Owner }} {{ q .B64 }}
{{- end }}
{{ range .Agents }}
# ── Agent: {{ .Name }} ──
if ! ( {{ .Check }} ); then
  {{ .Install }}
fi
{{- end }}

chown -R "$DEVFORGE_USER:$DEVFORGE_USER" "/home/$DEVFORGE_USER/.config"
user_systemctl daemon-reload
user_systemctl enable --now {{ .Terminal }}
{{- range .Agents }}
user_systemctl enable --now {{ .Unit }}
{{- end }}

# ── Management API ──
curl -fsSL {{ q .AgentURL }} -o /usr/local/bin/devforge-agent.download
install -m 0755 /usr/local/bin/devforge-agent.download /usr/local/bin/devforge-agent
rm -f /usr/local/bin/devforge-agent.download
write_file {{ q .SystemUnit.Path }} {{ .SystemUnit.Mode }} {{ q .SystemUnit.Owner }} {{ q .SystemUnit.B64 }}
systemctl daemon-reload
systemctl enable --now devforge-agent.service

# ── Signal completion ──
mkdir -p /var/lib/devforge
touch /var/lib/devforge/ready
echo "=== devforge setup complete ==="
`
