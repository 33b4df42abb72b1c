// Package config handles mcpprobe configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcpprobe.yaml, ~/.config/mcpprobe/config.yaml,
// /etc/mcpprobe/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcpprobe.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpprobe", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpprobe/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpprobe configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Record    string         `yaml:"record"`
	Defaults  DefaultsConfig `yaml:"defaults"`
	Servers   []ServerConfig `yaml:"servers"`
}

// DefaultsConfig holds timeouts applied to every server unless the
// command line overrides them.
type DefaultsConfig struct {
	// InitTimeoutSec bounds the initialize exchange (default 10).
	InitTimeoutSec int `yaml:"init_timeout_sec"`
	// CallTimeoutSec bounds tools/list and tools/call exchanges (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// ShutdownGraceSec is how long a stdio server gets to exit after a
	// termination signal before it is killed (default 5).
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

// InitTimeout returns the initialize budget.
func (d DefaultsConfig) InitTimeout() time.Duration {
	if d.InitTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.InitTimeoutSec) * time.Second
}

// CallTimeout returns the tools/list and tools/call budget.
func (d DefaultsConfig) CallTimeout() time.Duration {
	if d.CallTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.CallTimeoutSec) * time.Second
}

// ShutdownGrace returns the subprocess termination grace period.
func (d DefaultsConfig) ShutdownGrace() time.Duration {
	if d.ShutdownGraceSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.ShutdownGraceSec) * time.Second
}

// ServerConfig describes one MCP server to probe.
type ServerConfig struct {
	// Name identifies the server on the command line and in reports.
	Name string `yaml:"name"`

	// Transport is "stdio" (default) or "http".
	Transport string `yaml:"transport"`

	// Command and Args launch a stdio server subprocess.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env sets extra environment variables for the subprocess, on top of
	// the inherited environment.
	Env map[string]string `yaml:"env"`

	// URL is the endpoint of an HTTP server.
	URL string `yaml:"url"`

	// Headers are sent with every HTTP request (e.g. Authorization).
	Headers map[string]string `yaml:"headers"`

	// InsecureTLS skips certificate verification for HTTP servers.
	InsecureTLS bool `yaml:"insecure_tls"`
}

// Kind returns the normalized transport name, defaulting to stdio.
func (s *ServerConfig) Kind() string {
	if s.Transport == "" {
		return "stdio"
	}
	return s.Transport
}

// Target returns the probe target for display: the command line for
// stdio servers, the URL for HTTP ones.
func (s *ServerConfig) Target() string {
	if s.Kind() == "http" {
		return s.URL
	}
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// CommandPath returns the stdio command with a leading ~/ expanded to
// the user's home directory, so configs stay portable across machines.
func (s *ServerConfig) CommandPath() string {
	if strings.HasPrefix(s.Command, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, s.Command[2:])
		}
	}
	return s.Command
}

// Environ renders Env as sorted KEY=VALUE pairs for exec.Cmd.
func (s *ServerConfig) Environ() []string {
	if len(s.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Server looks up a configured server by name. With an empty name it
// returns the sole configured server, or an error naming the choices.
func (c *Config) Server(name string) (*ServerConfig, error) {
	if name == "" {
		switch len(c.Servers) {
		case 0:
			return nil, fmt.Errorf("no servers configured")
		case 1:
			return &c.Servers[0], nil
		default:
			return nil, fmt.Errorf("multiple servers configured, pick one of: %s", strings.Join(c.ServerNames(), ", "))
		}
	}
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("unknown server %q (configured: %s)", name, strings.Join(c.ServerNames(), ", "))
}

// ServerNames returns the configured server names in order.
func (c *Config) ServerNames() []string {
	names := make([]string, len(c.Servers))
	for i := range c.Servers {
		names[i] = c.Servers[i].Name
	}
	return names
}

// Validate checks the configuration for problems that would otherwise
// surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	seen := make(map[string]bool)
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Kind() {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("server %q: command is required for stdio transport", s.Name)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("server %q: url is required for http transport", s.Name)
			}
		default:
			return fmt.Errorf("server %q: unknown transport %q (valid: stdio, http)", s.Name, s.Transport)
		}
	}
	return nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
	}
}
