// Package config holds the control plane configuration. Values start from
// Default, are overlaid by an optional YAML file and then by flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/bootscript"
	"github.com/atvirokodosprendimai/devforge/internal/mesh"
	"github.com/atvirokodosprendimai/devforge/internal/provider/hetzner"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"gopkg.in/yaml.v3"
)

// Config is threaded explicitly into every component that needs it.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DBPath   string `yaml:"db_path"`
	NATSAddr string `yaml:"nats_addr"`
	LogLevel string `yaml:"log_level"`

	// EncryptionKey is 64 hex characters.
	EncryptionKey string `yaml:"encryption_key"`

	ProviderBaseURL string `yaml:"provider_base_url"`
	MeshBaseURL     string `yaml:"mesh_base_url"`

	AgentDownloadURL   string     `yaml:"agent_download_url"`
	TTYDDownloadURL    string     `yaml:"ttyd_download_url"`
	Username           string     `yaml:"username"`
	RestrictManagement bool       `yaml:"restrict_management"`
	Ports              spec.Ports `yaml:"ports"`

	PollDelay        time.Duration `yaml:"poll_delay"`
	MaxPollAttempts  int           `yaml:"max_poll_attempts"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	InstallTimeout   time.Duration `yaml:"install_timeout"`
	UninstallTimeout time.Duration `yaml:"uninstall_timeout"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		HTTPAddr:         "0.0.0.0:8080",
		DBPath:           "devforge.db",
		NATSAddr:         "127.0.0.1:4222",
		LogLevel:         "info",
		ProviderBaseURL:  hetzner.DefaultBaseURL,
		MeshBaseURL:      mesh.DefaultBaseURL,
		AgentDownloadURL: bootscript.DefaultAgentURL,
		TTYDDownloadURL:  bootscript.DefaultTTYDURL,
		Username:         spec.DefaultUsername,
		Ports:            spec.DefaultPorts(),
		PollDelay:        30 * time.Second,
		MaxPollAttempts:  40,
		CheckTimeout:     5 * time.Second,
		HealthInterval:   5 * time.Minute,
		InstallTimeout:   120 * time.Second,
		UninstallTimeout: 30 * time.Second,
		ResetTimeout:     15 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto Default. Keys absent from
// the file keep their default.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	// A partial ports block must not zero the remaining defaults.
	base := spec.DefaultPorts()
	if cfg.Ports.Terminal != 0 {
		base.Terminal = cfg.Ports.Terminal
	}
	if cfg.Ports.Management != 0 {
		base.Management = cfg.Ports.Management
	}
	ports, err := base.WithOverrides(cfg.Ports.Agents)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Ports = ports
	return cfg, nil
}

// Validate rejects configurations the control plane cannot run with. The
// encryption key is checked on first use, not here.
func (c Config) Validate() error {
	var errs []error
	if c.PollDelay <= 0 {
		errs = append(errs, errors.New("poll_delay must be positive"))
	}
	if c.MaxPollAttempts < 1 {
		errs = append(errs, errors.New("max_poll_attempts must be at least 1"))
	}
	if c.CheckTimeout <= 0 {
		errs = append(errs, errors.New("check_timeout must be positive"))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval must be positive"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username must be set"))
	}
	base := spec.Ports{Terminal: c.Ports.Terminal, Management: c.Ports.Management}
	if _, err := base.WithOverrides(c.Ports.Agents); err != nil {
		errs = append(errs, err)
	}
	if c.Ports.Terminal == c.Ports.Management {
		errs = append(errs, errors.New("terminal and management ports collide"))
	}
	return errors.Join(errs...)
}
