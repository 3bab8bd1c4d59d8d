// Package host drives systemd and the filesystem on a provisioned machine.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/atvirokodosprendimai/devforge/internal/rmp"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/units"
	"go.uber.org/zap"
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// SystemManager controls units of the system service manager.
type SystemManager interface {
	RestartUnit(ctx context.Context, name string) error
}

// dbusManager talks to PID 1 over the system bus. User units are driven with
// systemctl --machine=user@ instead: go-systemd only dials the caller's own
// user bus, and the agent runs as root while the units belong to the user.
type dbusManager struct{}

func (dbusManager) RestartUnit(ctx context.Context, name string) error {
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()
	// The job replaces this process, so there is no result to wait for.
	if _, err := conn.RestartUnitContext(ctx, name, "replace", nil); err != nil {
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}
	return nil
}

// Config describes the machine layout.
type Config struct {
	// Username is the OS user owning the agent units.
	Username        string
	CredentialsFile string
	Ports           spec.Ports
	// Root prefixes every file path; empty means "/".
	Root string
}

// Client implements the management operations with systemctl and the
// system bus.
type Client struct {
	cfg    Config
	run    Runner
	system SystemManager
	log    *zap.SugaredLogger
}

// NewClient returns a Client that executes real commands.
func NewClient(cfg Config, log *zap.SugaredLogger) *Client {
	return NewClientWithRunner(cfg, execRunner{}, log)
}

// NewClientWithRunner returns a Client executing through run.
func NewClientWithRunner(cfg Config, run Runner, log *zap.SugaredLogger) *Client {
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = units.EnvFilePath(cfg.Username)
	}
	return &Client{cfg: cfg, run: run, system: dbusManager{}, log: log}
}

// SetSystemManager replaces the system bus connection.
func (c *Client) SetSystemManager(m SystemManager) { c.system = m }

func (c *Client) path(p string) string {
	if c.cfg.Root == "" {
		return p
	}
	return filepath.Join(c.cfg.Root, p)
}

func (c *Client) unitPath(unit string) string {
	return c.path(filepath.Join(units.UserUnitDir(c.cfg.Username), unit))
}

func (c *Client) systemctl(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"--user", "--machine=" + c.cfg.Username + "@"}, args...)
	return c.run.Run(ctx, nil, "systemctl", full...)
}

func (c *Client) shell(ctx context.Context, script string) ([]byte, error) {
	return c.run.Run(ctx, []string{"DEVFORGE_USER=" + c.cfg.Username}, "bash", "-c", script)
}

// Credentials reads the shared login from the credentials file.
func (c *Client) Credentials() (units.Credentials, error) {
	data, err := os.ReadFile(c.path(c.cfg.CredentialsFile))
	if err != nil {
		return units.Credentials{}, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return units.ParseEnvFile(string(data))
}

// AgentState reports whether def has a unit installed and whether it runs.
func (c *Client) AgentState(ctx context.Context, def spec.AgentDef) (rmp.AgentState, error) {
	var state rmp.AgentState
	if _, err := os.Stat(c.unitPath(def.Unit)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, fmt.Errorf("failed to stat unit %s: %w", def.Unit, err)
	}
	if _, err := c.systemctl(ctx, "is-enabled", "--quiet", def.Unit); err != nil {
		return state, nil
	}
	state.Installed = true
	_, err := c.systemctl(ctx, "is-active", "--quiet", def.Unit)
	state.Running = err == nil
	return state, nil
}

// InstallAgent installs the runtime if missing, writes the unit and starts it.
func (c *Client) InstallAgent(ctx context.Context, def spec.AgentDef) error {
	if _, err := c.shell(ctx, def.Check); err != nil {
		c.log.Infow("Installing agent runtime", "agent", def.Name)
		if out, err := c.shell(ctx, def.Install); err != nil {
			return fmt.Errorf("install of %s failed: %w: %s", def.Name, err, tail(out))
		}
	}

	creds, err := c.Credentials()
	if err != nil {
		return err
	}
	unit, err := units.AgentUnit(def, c.cfg.Ports.Port(def.Name), creds)
	if err != nil {
		return err
	}
	if err := c.writeUserFile(ctx, c.unitPath(def.Unit), unit); err != nil {
		return err
	}
	if err := c.reload(ctx); err != nil {
		return err
	}
	if out, err := c.systemctl(ctx, "enable", "--now", def.Unit); err != nil {
		return fmt.Errorf("failed to start %s: %w: %s", def.Unit, err, tail(out))
	}
	return nil
}

// UninstallAgent stops and disables def and removes its unit. The runtime
// itself stays installed.
func (c *Client) UninstallAgent(ctx context.Context, def spec.AgentDef) error {
	if out, err := c.systemctl(ctx, "disable", "--now", def.Unit); err != nil {
		c.log.Warnw("Disabling unit failed", "unit", def.Unit, "error", err, "output", tail(out))
	}
	if err := os.Remove(c.unitPath(def.Unit)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove unit %s: %w", def.Unit, err)
	}
	return c.reload(ctx)
}

// ResetCredentials rewrites the credentials file and every unit that embeds
// the login, then restarts the affected services.
func (c *Client) ResetCredentials(ctx context.Context, creds units.Credentials) error {
	if err := c.writeUserFile(ctx, c.path(c.cfg.CredentialsFile), units.EnvFile(creds)); err != nil {
		return err
	}

	terminal, err := units.TerminalUnit(c.cfg.Ports.Terminal, creds)
	if err != nil {
		return err
	}
	if err := c.writeUserFile(ctx, c.unitPath(spec.TerminalUnit), terminal); err != nil {
		return err
	}

	restart := []string{spec.TerminalUnit}
	for _, def := range spec.Agents() {
		state, err := c.AgentState(ctx, def)
		if err != nil {
			return err
		}
		if !state.Installed {
			continue
		}
		unit, err := units.AgentUnit(def, c.cfg.Ports.Port(def.Name), creds)
		if err != nil {
			return err
		}
		if err := c.writeUserFile(ctx, c.unitPath(def.Unit), unit); err != nil {
			return err
		}
		restart = append(restart, def.Unit)
	}

	if err := c.reload(ctx); err != nil {
		return err
	}
	if out, err := c.systemctl(ctx, append([]string{"restart"}, restart...)...); err != nil {
		return fmt.Errorf("failed to restart services: %w: %s", err, tail(out))
	}
	return nil
}

// RestartSelf restarts the devforge-agent system unit.
func (c *Client) RestartSelf() error {
	c.log.Infow("Restarting management agent")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.system.RestartUnit(ctx, spec.AgentUnit)
}

func (c *Client) reload(ctx context.Context) error {
	if out, err := c.systemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload failed: %w: %s", err, tail(out))
	}
	return nil
}

// writeUserFile atomically replaces path with content owned by the user.
func (c *Client) writeUserFile(ctx context.Context, path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".devforge-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	owner := c.cfg.Username + ":" + c.cfg.Username
	if out, err := c.run.Run(ctx, nil, "chown", owner, path); err != nil {
		return fmt.Errorf("failed to chown %s: %w: %s", path, err, tail(out))
	}
	return nil
}

// tail keeps the end of command output for error messages.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}
