// Package config loads the declarative flowbridge.yaml file: MCP server
// declarations plus broker, orchestrator, history and telemetry settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowbridge/broker"
	"github.com/petal-labs/flowbridge/mcp"
)

const (
	projectConfigName = "flowbridge.yaml"
	homeConfigDir     = ".flowbridge"
	homeConfigName    = "config.yaml"
)

// File is the flowbridge.yaml shape.
type File struct {
	Servers      map[string]ServerDeclaration `yaml:"servers"`
	Broker       BrokerSection                `yaml:"broker"`
	Orchestrator OrchestratorSection          `yaml:"orchestrator"`
	History      HistorySection               `yaml:"history"`
	Telemetry    TelemetrySection             `yaml:"telemetry"`
}

// ServerDeclaration defines one MCP server. Top-level command/url fields
// are shorthand for the transport block.
type ServerDeclaration struct {
	Description string               `yaml:"description,omitempty"`
	Type        string               `yaml:"type,omitempty"`
	Command     string               `yaml:"command,omitempty"`
	Args        []string             `yaml:"args,omitempty"`
	URL         string               `yaml:"url,omitempty"`
	Env         map[string]string    `yaml:"env,omitempty"`
	Tools       []string             `yaml:"tools,omitempty"`
	Enabled     *bool                `yaml:"enabled,omitempty"`
	Transport   TransportDeclaration `yaml:"transport,omitempty"`
}

// TransportDeclaration holds transport-specific declaration fields.
type TransportDeclaration struct {
	Type    string            `yaml:"type,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Host    string            `yaml:"host,omitempty"`
	Port    int               `yaml:"port,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// BrokerSection configures the MCP broker.
type BrokerSection struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	InvokeTimeout  time.Duration `yaml:"invoke_timeout,omitempty"`
	// Store is a SQLite path for server registrations. Empty keeps them in
	// memory; "default" selects ~/.flowbridge/flowbridge.db.
	Store          string `yaml:"store,omitempty"`
	HealthSchedule string `yaml:"health_schedule,omitempty"`
}

// OrchestratorSection configures the adapters.
type OrchestratorSection struct {
	MaxParallel int `yaml:"max_parallel,omitempty"`
	MaxSteps    int `yaml:"max_steps,omitempty"`
}

// HistorySection configures the execution delta store.
type HistorySection struct {
	Store          string        `yaml:"store,omitempty"`
	RetentionAge   time.Duration `yaml:"retention_age,omitempty"`
	RetentionCount int           `yaml:"retention_count,omitempty"`
}

// TelemetrySection configures OpenTelemetry export.
type TelemetrySection struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	URLPath      string `yaml:"url_path,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
}

// Discover resolves the config location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses path. Environment references are expanded in
// string values; relative store paths resolve against the file's directory.
func Load(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	cfg.Broker.Store = resolveStorePath(baseDir, cfg.Broker.Store)
	cfg.History.Store = resolveStorePath(baseDir, cfg.History.Store)
	return cfg, nil
}

// Parse decodes a config document.
func Parse(data []byte) (File, error) {
	var cfg File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return File{}, err
	}
	if err := cfg.validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func (f File) validate() error {
	var problems []string
	if f.Broker.ConnectTimeout < 0 {
		problems = append(problems, "broker.connect_timeout must not be negative")
	}
	if f.Broker.InvokeTimeout < 0 {
		problems = append(problems, "broker.invoke_timeout must not be negative")
	}
	if f.Broker.HealthSchedule != "" {
		if _, err := broker.ParseSchedule(f.Broker.HealthSchedule); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if f.Orchestrator.MaxParallel < 0 {
		problems = append(problems, "orchestrator.max_parallel must not be negative")
	}
	if f.Orchestrator.MaxSteps < 0 {
		problems = append(problems, "orchestrator.max_steps must not be negative")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ServerConfigs converts the declarations into broker registrations,
// sorted by name.
func (f File) ServerConfigs() ([]broker.ServerConfig, error) {
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]broker.ServerConfig, 0, len(names))
	for _, name := range names {
		cfg, err := declarationToServerConfig(name, f.Servers[name])
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func declarationToServerConfig(name string, decl ServerDeclaration) (broker.ServerConfig, error) {
	t := decl.Transport
	spec := broker.TransportSpec{
		Type:    mcp.TransportType(strings.ToLower(strings.TrimSpace(t.Type))),
		Command: strings.TrimSpace(t.Command),
		Args:    slices.Clone(t.Args),
		URL:     strings.TrimSpace(t.URL),
		Host:    strings.TrimSpace(t.Host),
		Port:    t.Port,
		Headers: t.Headers,
	}
	if spec.Type == "" {
		spec.Type = mcp.TransportType(strings.ToLower(strings.TrimSpace(decl.Type)))
	}
	if spec.Command == "" {
		spec.Command = strings.TrimSpace(decl.Command)
	}
	if len(spec.Args) == 0 {
		spec.Args = slices.Clone(decl.Args)
	}
	if spec.URL == "" {
		spec.URL = strings.TrimSpace(decl.URL)
	}
	if spec.Type == "" {
		spec.Type = inferTransport(spec)
	}

	cfg := broker.ServerConfig{
		Name:        strings.TrimSpace(name),
		Description: decl.Description,
		Transport:   spec,
		Env:         decl.Env,
		Tools:       slices.Clone(decl.Tools),
	}
	if decl.Enabled != nil {
		enabled := *decl.Enabled
		cfg.Enabled = &enabled
	}
	if err := cfg.Validate(); err != nil {
		return broker.ServerConfig{}, fmt.Errorf("server %q: %w", name, err)
	}
	return cfg, nil
}

func inferTransport(spec broker.TransportSpec) mcp.TransportType {
	switch {
	case strings.HasPrefix(spec.URL, "ws://"), strings.HasPrefix(spec.URL, "wss://"):
		return mcp.TransportWebSocket
	case spec.URL != "" || spec.Host != "":
		return mcp.TransportHTTP
	case spec.Command != "":
		return mcp.TransportStdio
	}
	return ""
}

func resolveStorePath(baseDir, p string) string {
	clean := strings.TrimSpace(p)
	if clean == "" || clean == "default" || clean == ":memory:" || strings.HasPrefix(clean, "file:") {
		return clean
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
