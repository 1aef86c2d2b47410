package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/flowbridge/mcp"
)

func TestDiscoverFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "flowbridge.yaml")
	if err := os.WriteFile(projectConfig, []byte("servers: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}

	homeDir := filepath.Join(home, ".flowbridge")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(home config dir) error = %v", err)
	}
	homeConfig := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(homeConfig, []byte("servers: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(home config) error = %v", err)
	}

	got, found, err := DiscoverFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverFrom() error = %v", err)
	}
	if !found || got != projectConfig {
		t.Fatalf("DiscoverFrom() = %q, %v; want %q, true", got, found, projectConfig)
	}

	if err := os.Remove(projectConfig); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got, found, err = DiscoverFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverFrom() error = %v", err)
	}
	if !found || got != homeConfig {
		t.Fatalf("DiscoverFrom() = %q, %v; want %q, true", got, found, homeConfig)
	}
}

func TestDiscoverFrom_NothingFound(t *testing.T) {
	got, found, err := DiscoverFrom("", t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverFrom() error = %v", err)
	}
	if found || got != "" {
		t.Fatalf("DiscoverFrom() = %q, %v; want no match", got, found)
	}
}

func TestDiscoverFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverFrom(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestLoad_ParsesSectionsAndServers(t *testing.T) {
	t.Setenv("FS_ROOT", "/srv/data")
	t.Setenv("SEARCH_TOKEN", "secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "flowbridge.yaml")
	doc := `
servers:
  fs:
    description: Local files
    command: tool-runner
    args: ["--fs", "${FS_ROOT}"]
    tools: [read_file]
  search:
    url: https://search.example.com/mcp
    transport:
      headers:
        Authorization: Bearer ${SEARCH_TOKEN}
  live:
    url: ws://127.0.0.1:9000/ws
    enabled: false
  legacy:
    transport:
      type: http
      host: 127.0.0.1
      port: 8080
broker:
  connect_timeout: 5s
  invoke_timeout: 1m30s
  store: state/servers.db
  health_schedule: "@every 30s"
orchestrator:
  max_parallel: 4
  max_steps: 50
history:
  store: /var/lib/flowbridge/history.db
  retention_age: 24h
telemetry:
  otlp_endpoint: localhost:4318
  insecure: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Broker.ConnectTimeout != 5*time.Second || cfg.Broker.InvokeTimeout != 90*time.Second {
		t.Fatalf("broker timeouts = %v, %v", cfg.Broker.ConnectTimeout, cfg.Broker.InvokeTimeout)
	}
	if want := filepath.Join(dir, "state", "servers.db"); cfg.Broker.Store != want {
		t.Fatalf("broker.store = %q, want %q", cfg.Broker.Store, want)
	}
	if cfg.History.Store != "/var/lib/flowbridge/history.db" || cfg.History.RetentionAge != 24*time.Hour {
		t.Fatalf("history = %+v", cfg.History)
	}
	if cfg.Orchestrator.MaxParallel != 4 || cfg.Orchestrator.MaxSteps != 50 {
		t.Fatalf("orchestrator = %+v", cfg.Orchestrator)
	}
	if !cfg.Telemetry.Insecure || cfg.Telemetry.OTLPEndpoint != "localhost:4318" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}

	servers, err := cfg.ServerConfigs()
	if err != nil {
		t.Fatalf("ServerConfigs() error = %v", err)
	}
	if len(servers) != 4 {
		t.Fatalf("len(servers) = %d, want 4", len(servers))
	}
	byName := map[string]int{}
	for i, s := range servers {
		byName[s.Name] = i
	}
	if servers[0].Name != "fs" || servers[1].Name != "legacy" || servers[2].Name != "live" || servers[3].Name != "search" {
		t.Fatalf("servers not sorted by name: %v", byName)
	}

	fs := servers[byName["fs"]]
	if fs.Transport.Type != mcp.TransportStdio || fs.Transport.Args[1] != "/srv/data" || !fs.IsEnabled() {
		t.Fatalf("fs = %+v", fs)
	}
	if len(fs.Tools) != 1 || fs.Tools[0] != "read_file" {
		t.Fatalf("fs.tools = %v", fs.Tools)
	}

	search := servers[byName["search"]]
	if search.Transport.Type != mcp.TransportHTTP {
		t.Fatalf("search transport = %q, want http", search.Transport.Type)
	}
	if search.Transport.Headers["Authorization"] != "Bearer secret" {
		t.Fatalf("search headers = %v", search.Transport.Headers)
	}

	live := servers[byName["live"]]
	if live.Transport.Type != mcp.TransportWebSocket || live.IsEnabled() {
		t.Fatalf("live = %+v", live)
	}

	legacy := servers[byName["legacy"]]
	if legacy.Transport.Type != mcp.TransportHTTP || legacy.Transport.Port != 8080 {
		t.Fatalf("legacy = %+v", legacy)
	}
}

func TestServerConfigs_RejectsIncompleteDeclaration(t *testing.T) {
	cfg, err := Parse([]byte("servers:\n  broken:\n    description: nothing to dial\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	_, err = cfg.ServerConfigs()
	if err == nil {
		t.Fatal("expected error for declaration without transport")
	}
	if !strings.Contains(err.Error(), `server "broken"`) {
		t.Fatalf("error = %v, want server name", err)
	}
}

func TestParse_RejectsInvalidSettings(t *testing.T) {
	for name, doc := range map[string]string{
		"negative timeout": "broker:\n  connect_timeout: -1s\n",
		"bad schedule":     "broker:\n  health_schedule: whenever\n",
		"negative steps":   "orchestrator:\n  max_steps: -3\n",
		"bad duration":     "broker:\n  invoke_timeout: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestResolveStorePath(t *testing.T) {
	for in, want := range map[string]string{
		"":                 "",
		"default":          "default",
		":memory:":         ":memory:",
		"file:x.db?mode=1": "file:x.db?mode=1",
		"/abs/x.db":        "/abs/x.db",
		"rel/x.db":         filepath.Join("/base", "rel", "x.db"),
	} {
		if got := resolveStorePath("/base", in); got != want {
			t.Errorf("resolveStorePath(%q) = %q, want %q", in, got, want)
		}
	}
}
