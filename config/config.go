// Package config loads the supervisor's YAML configuration.
//
// The file is chosen by, in order: the OVERSEER_CONFIG environment variable,
// the --config flag, or overseer.yaml in the working directory.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable that overrides the config path.
const EnvVar = "OVERSEER_CONFIG"

// DefaultPath is used when neither EnvVar nor a flag names a file.
const DefaultPath = "overseer.yaml"

// KindLocal runs commands through a shell on this host. It is the only kind so far.
const KindLocal = "local"

// Config is the top-level configuration.
type Config struct {
	// StateDB is the SQLite file snapshots are kept in.
	// Default: overseer.db
	StateDB string `yaml:"state_db"`

	// MonitorInterval is how often every instance gets a liveness check.
	// Default: 15s
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// SnapshotInterval is how often all services are persisted, on top of
	// persisting after every reconfiguration.
	// Default: 1m
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	Nodes    []NodeConfig    `yaml:"nodes"`
	Services []ServiceConfig `yaml:"services"`
}

// NodeConfig describes a place commands can run.
type NodeConfig struct {
	Name  string   `yaml:"name"`
	Kind  string   `yaml:"kind"`  // Default: local
	Shell string   `yaml:"shell"` // Default: /bin/sh
	Dir   string   `yaml:"dir"`
	Env   []string `yaml:"env"` // KEY=value, added to the supervisor's environment
}

// ServiceConfig describes one supervised service.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	PidFile string `yaml:"pid_file"`
	Count   int    `yaml:"count"`

	// Nodes restricts placement to the named nodes. Empty means all nodes.
	Nodes []string `yaml:"nodes"`
}

// Default returns a configuration with every default filled in and nothing
// to supervise.
func Default() *Config {
	return &Config{
		StateDB:          "overseer.db",
		MonitorInterval:  15 * time.Second,
		SnapshotInterval: time.Minute,
	}
}

// Path resolves which file to load given the value of the --config flag.
func Path(flag string) string {
	if env := os.Getenv(EnvVar); env != "" {
		return env
	}
	if flag != "" {
		return flag
	}
	return DefaultPath
}

// Load decodes and validates a configuration. Unknown keys are rejected.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.StateDB == "" {
		c.StateDB = def.StateDB
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	for i := range c.Nodes {
		if c.Nodes[i].Kind == "" {
			c.Nodes[i].Kind = KindLocal
		}
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.MonitorInterval < 0 {
		errs = append(errs, fmt.Errorf("monitor_interval must be positive, got %s", c.MonitorInterval))
	}
	if c.SnapshotInterval < 0 {
		errs = append(errs, fmt.Errorf("snapshot_interval must be positive, got %s", c.SnapshotInterval))
	}

	nodes := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		switch {
		case n.Name == "":
			errs = append(errs, fmt.Errorf("nodes[%d]: name is required", i))
		case nodes[n.Name]:
			errs = append(errs, fmt.Errorf("nodes[%d]: duplicate node %q", i, n.Name))
		}
		nodes[n.Name] = true
		if n.Kind != KindLocal {
			errs = append(errs, fmt.Errorf("node %q: unsupported kind %q", n.Name, n.Kind))
		}
	}

	services := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("services[%d]: name is required", i))
		case services[s.Name]:
			errs = append(errs, fmt.Errorf("services[%d]: duplicate service %q", i, s.Name))
		}
		services[s.Name] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("service %q: command is required", s.Name))
		}
		if s.PidFile == "" {
			errs = append(errs, fmt.Errorf("service %q: pid_file is required", s.Name))
		}
		if s.Count < 0 {
			errs = append(errs, fmt.Errorf("service %q: count must not be negative, got %d", s.Name, s.Count))
		}
		for _, name := range s.Nodes {
			if !nodes[name] {
				errs = append(errs, fmt.Errorf("service %q: unknown node %q", s.Name, name))
			}
		}
	}
	return errors.Join(errs...)
}

// NodeNames returns the names a service may be placed on, in config order.
func (c *Config) NodeNames(s ServiceConfig) []string {
	if len(s.Nodes) > 0 {
		return slices.Clone(s.Nodes)
	}
	names := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		names = append(names, n.Name)
	}
	return names
}
