package bootscript

import (
	"encoding/base64"
	"os/exec"
	"regexp"
	"strings"
	"testing"

	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/units"
)

var envLine = regexp.MustCompile(`(?m)^ENV_B64='([A-Za-z0-9+/=]*)'$`)

func render(t *testing.T, p Params) string {
	t.Helper()
	script, err := New(spec.DefaultUsername).Render(p)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	return script
}

func TestQuote(t *testing.T) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	inputs := []string{"", "plain", "it's", `back\slash`, "$HOME `id` $(id)", "'''", "a b\tc"}
	for _, in := range inputs {
		out, err := exec.Command(bash, "-c", "printf %s "+Quote(in)).Output()
		if err != nil {
			t.Fatalf("bash failed for %q: %v", in, err)
		}
		if string(out) != in {
			t.Errorf("Expected %q, but got %q", in, out)
		}
	}
}

func TestRenderHostileValues(t *testing.T) {
	// 1. Setup
	password := `p'a"s\s$(reboot)` + "`id`$HOME%"
	p := Params{
		ServerName: `devforge-'x\$y`,
		JoinToken:  `tskey-auth-'$(rm -rf /)`,
		Agents:     []spec.Agent{spec.Codex, spec.OpenCode, spec.Codex},
		Password:   password,
		Ports:      spec.DefaultPorts(),
	}

	// 2. Execute
	script := render(t, p)

	// 3. Assertions
	if strings.Contains(script, password) {
		t.Error("Expected the raw password never to appear in the script")
	}
	if !strings.Contains(script, "--authkey="+Quote(p.JoinToken)) {
		t.Error("Expected the join token to be quoted")
	}

	m := envLine.FindStringSubmatch(script)
	if m == nil {
		t.Fatal("Expected an ENV_B64 line in the script")
	}
	raw, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		t.Fatalf("DecodeString failed: %v", err)
	}
	creds, err := units.ParseEnvFile(string(raw))
	if err != nil {
		t.Fatalf("ParseEnvFile failed: %v", err)
	}
	if creds.Password != password || creds.Username != spec.DefaultUsername {
		t.Errorf("Expected credentials to round trip, got %+v", creds)
	}

	if bash, err := exec.LookPath("bash"); err == nil {
		cmd := exec.Command(bash, "-n")
		cmd.Stdin = strings.NewReader(script)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("bash -n rejected the script: %v\n%s", err, out)
		}
	}
}

func TestRenderSelectsAgents(t *testing.T) {
	script := render(t, Params{
		ServerName: "devforge-abcd1234",
		JoinToken:  "tskey",
		Agents:     []spec.Agent{spec.ClaudeCode},
		Password:   "secretsecret",
		Ports:      spec.DefaultPorts(),
	})

	unitDir := units.UserUnitDir(spec.DefaultUsername)
	if !strings.Contains(script, Quote(unitDir+"/claude-code.service")) {
		t.Error("Expected a claude-code unit")
	}
	if !strings.Contains(script, Quote(unitDir+"/terminal.service")) {
		t.Error("Expected the terminal unit")
	}
	if strings.Contains(script, "opencode.service") || strings.Contains(script, "codex.service") {
		t.Error("Expected units only for selected agents")
	}
	if !strings.Contains(script, "for PORT in 4096 4097 4100 4099; do") {
		t.Errorf("Expected agent and terminal ports in the firewall loop")
	}
	if !strings.Contains(script, "touch /var/lib/devforge/ready") {
		t.Error("Expected the ready marker")
	}
}

func TestRenderRestrictManagement(t *testing.T) {
	g := New(spec.DefaultUsername)
	g.RestrictManagement = true
	script, err := g.Render(Params{
		ServerName: "devforge-abcd1234",
		JoinToken:  "tskey",
		Password:   "secretsecret",
		Ports:      spec.DefaultPorts(),
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(script, "for PORT in 4096 4097 4100 4099 4098; do") {
		t.Error("Expected the management port in the firewall loop")
	}
}

func TestRenderRejectsBadInput(t *testing.T) {
	base := Params{ServerName: "n", JoinToken: "t", Password: "secretsecret", Ports: spec.DefaultPorts()}
	cases := map[string]func(p *Params){
		"no name":             func(p *Params) { p.ServerName = "" },
		"no token":            func(p *Params) { p.JoinToken = "" },
		"multi-line password": func(p *Params) { p.Password = "a\nb" },
		"tab in password":     func(p *Params) { p.Password = "secret\tsecret" },
		"escape in password":  func(p *Params) { p.Password = "secret\x1b[2J" },
		"delete in password":  func(p *Params) { p.Password = "secret\x7f" },
		"unknown agent":       func(p *Params) { p.Agents = []spec.Agent{"vim"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := base
			mutate(&p)
			if _, err := New(spec.DefaultUsername).Render(p); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
