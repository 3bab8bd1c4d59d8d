// Package units renders the systemd unit files and the credentials
// environment file installed on every server. The boot script and
// devforge-agent both render through here so a unit rewritten after a
// credential reset is identical to the one written at first boot.
package units

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/atvirokodosprendimai/devforge/internal/spec"
)

const (
	// TTYDPath is where the ttyd binary is installed.
	TTYDPath = "/usr/local/bin/ttyd"
	// AgentBinaryPath is where devforge-agent is installed.
	AgentBinaryPath = "/usr/local/bin/devforge-agent"

	envUsername = "OPENCODE_SERVER_USERNAME"
	envPassword = "OPENCODE_SERVER_PASSWORD"
)

// Credentials is the login every service on the server shares.
type Credentials struct {
	Username string
	Password string
}

// HomeDir returns the home directory of the service user.
func HomeDir(username string) string { return "/home/" + username }

// EnvFilePath returns the credentials file location for username.
func EnvFilePath(username string) string { return HomeDir(username) + "/.env" }

// UserUnitDir returns where the user's systemd units live.
func UserUnitDir(username string) string { return HomeDir(username) + "/.config/systemd/user" }

// SystemUnitPath is where the devforge-agent unit is installed.
const SystemUnitPath = "/etc/systemd/system/" + spec.AgentUnit

// ExecArg quotes s as a single systemd ExecStart argument. Specifiers (%)
// and variable references ($) are doubled so systemd passes them through.
func ExecArg(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `%`, `%%`, `$`, `$$`)
	return `"` + r.Replace(s) + `"`
}

// userUnit lays out a per-user service started at login.
func userUnit(description, execStart string) []*unit.UnitOption {
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", description),
		unit.NewUnitOption("Unit", "After", "network.target tailscaled.service"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "EnvironmentFile", "%h/.env"),
		unit.NewUnitOption("Service", "ExecStart", execStart),
		unit.NewUnitOption("Service", "WorkingDirectory", "%h"),
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "RestartSec", "5"),
		unit.NewUnitOption("Install", "WantedBy", "default.target"),
	}
}

func managementUnit(execStart string) []*unit.UnitOption {
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "devforge management API"),
		unit.NewUnitOption("Unit", "After", "network.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", execStart),
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "RestartSec", "5"),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
}

// render serializes opts. Values are written verbatim, so ExecStart
// arguments must already be quoted with ExecArg.
func render(name string, opts []*unit.UnitOption) (string, error) {
	for _, opt := range opts {
		if strings.ContainsAny(opt.Value, "\r\n") {
			return "", fmt.Errorf("units: %s: %s=%q spans lines", name, opt.Name, opt.Value)
		}
	}
	out, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return "", fmt.Errorf("units: failed to serialize %s: %w", name, err)
	}
	return string(out), nil
}

func ttydExec(port int, creds Credentials, command string) string {
	return strings.Join([]string{
		TTYDPath, "-W", "-p", strconv.Itoa(port),
		"-c", ExecArg(creds.Username + ":" + creds.Password),
		command,
	}, " ")
}

// AgentUnit renders the user unit of one agent on port.
func AgentUnit(def spec.AgentDef, port int, creds Credentials) (string, error) {
	var exec string
	switch def.Kind {
	case spec.KindWebServer:
		exec = fmt.Sprintf("%s web --hostname 0.0.0.0 --port %d", def.Command, port)
	case spec.KindTerminal:
		exec = ttydExec(port, creds, def.Command)
	default:
		return "", fmt.Errorf("units: agent %s has unknown kind %d", def.Name, def.Kind)
	}
	return render(string(def.Name), userUnit(def.Description, exec))
}

// TerminalUnit renders the plain bash web terminal.
func TerminalUnit(port int, creds Credentials) (string, error) {
	return render("terminal", userUnit("Web Terminal (bash)", ttydExec(port, creds, "bash")))
}

// ManagementUnit renders the devforge-agent system unit. It runs as root so
// it can install packages and drive the user's units.
func ManagementUnit(username string, ports spec.Ports) (string, error) {
	exec := strings.Join([]string{
		AgentBinaryPath, "start",
		"--listen", ExecArg(fmt.Sprintf("0.0.0.0:%d", ports.Management)),
		"--user", ExecArg(username),
		"--credentials-file", ExecArg(EnvFilePath(username)),
		"--ports", ExecArg(FormatPorts(ports)),
	}, " ")
	return render(spec.AgentUnit, managementUnit(exec))
}

func quoteEnv(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func unquoteEnv(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// EnvFile renders the credentials environment file.
func EnvFile(creds Credentials) string {
	return envUsername + "=" + quoteEnv(creds.Username) + "\n" +
		envPassword + "=" + quoteEnv(creds.Password) + "\n"
}

// ParseEnvFile reads credentials back from an environment file.
func ParseEnvFile(data string) (Credentials, error) {
	var creds Credentials
	var havePassword bool
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case envUsername:
			creds.Username = unquoteEnv(value)
		case envPassword:
			creds.Password = unquoteEnv(value)
			havePassword = true
		}
	}
	if err := sc.Err(); err != nil {
		return Credentials{}, err
	}
	if !havePassword || creds.Password == "" {
		return Credentials{}, fmt.Errorf("units: %s missing from credentials file", envPassword)
	}
	if creds.Username == "" {
		creds.Username = spec.DefaultUsername
	}
	return creds, nil
}

// FormatPorts encodes ports as "name=port" pairs for the agent command line.
func FormatPorts(p spec.Ports) string {
	pairs := []string{
		"terminal=" + strconv.Itoa(p.Terminal),
		"management=" + strconv.Itoa(p.Management),
	}
	agentPairs := make([]string, 0, len(p.Agents))
	for _, def := range spec.Agents() {
		agentPairs = append(agentPairs, string(def.Name)+"="+strconv.Itoa(p.Port(def.Name)))
	}
	sort.Strings(agentPairs)
	return strings.Join(append(pairs, agentPairs...), ",")
}

// ParsePorts decodes FormatPorts output on top of the catalog defaults.
func ParsePorts(s string) (spec.Ports, error) {
	p := spec.DefaultPorts()
	if strings.TrimSpace(s) == "" {
		return p, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return spec.Ports{}, fmt.Errorf("units: bad port pair %q", pair)
		}
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return spec.Ports{}, fmt.Errorf("units: bad port in %q", pair)
		}
		switch name {
		case "terminal":
			p.Terminal = port
		case "management":
			p.Management = port
		default:
			a, err := spec.ParseAgent(name)
			if err != nil {
				return spec.Ports{}, err
			}
			p.Agents[a] = port
		}
	}
	return p, nil
}
