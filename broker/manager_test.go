package broker

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/internal/xjson"
	"github.com/petal-labs/flowbridge/mcp"
	"github.com/petal-labs/flowbridge/mcp/mcptest"
)

func TestAddServerValidation(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{name: "missing name", cfg: ServerConfig{Transport: TransportSpec{Type: mcp.TransportStdio, Command: "x"}}, want: "name is required"},
		{name: "colon in name", cfg: ServerConfig{Name: "a:b", Transport: TransportSpec{Type: mcp.TransportStdio, Command: "x"}}, want: "must not contain ':'"},
		{name: "stdio without command", cfg: ServerConfig{Name: "a", Transport: TransportSpec{Type: mcp.TransportStdio}}, want: "requires command"},
		{name: "http without address", cfg: ServerConfig{Name: "a", Transport: TransportSpec{Type: mcp.TransportHTTP}}, want: "requires url or host and port"},
		{name: "unknown transport", cfg: ServerConfig{Name: "a", Transport: TransportSpec{Type: "smoke"}}, want: "unknown transport type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.AddServer(ctx, tt.cfg)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Empty(t, m.ListServers())
}

func TestAddServerDuplicateName(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	record, err := m.AddServer(ctx, stdioFSConfig())
	require.NoError(t, err)
	assert.Equal(t, "fs", record.ID)
	assert.Equal(t, StatusDisconnected, record.Status)

	_, err = m.AddServer(ctx, stdioFSConfig())
	var dup *core.DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "fs", dup.Name)
}

func TestConcurrentTestConnectionDialsOnce(t *testing.T) {
	server := mcptest.NewServer("search", mcptest.SearchTool("web"))
	url := startHTTP(t, server)

	dialer := &countingDialer{delay: 100 * time.Millisecond}
	m := newTestManager(t, ManagerConfig{Dial: dialer.Dial})
	ctx := context.Background()
	_, err := m.AddServer(ctx, httpConfig("web", url))
	require.NoError(t, err)

	var wg sync.WaitGroup
	statuses := make([]ConnectionStatus, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i], errs[i] = m.TestConnection(ctx, "web")
		}()
	}
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		assert.Equal(t, StatusConnected, statuses[i].Status)
		assert.Equal(t, 1, statuses[i].ToolCount)
	}
	assert.EqualValues(t, 1, dialer.dials.Load())
	assert.EqualValues(t, 1, server.Sessions())
}

func TestTestConnectionReusesLiveSession(t *testing.T) {
	server := mcptest.NewServer("search", mcptest.SearchTool("web"))
	url := startHTTP(t, server)

	dialer := &countingDialer{}
	m := newTestManager(t, ManagerConfig{Dial: dialer.Dial})
	ctx := context.Background()
	_, err := m.AddServer(ctx, httpConfig("web", url))
	require.NoError(t, err)

	_, err = m.TestConnection(ctx, "web")
	require.NoError(t, err)
	status, err := m.TestConnection(ctx, "web")
	require.NoError(t, err)

	assert.Equal(t, StatusConnected, status.Status)
	assert.EqualValues(t, 1, dialer.dials.Load())
	assert.EqualValues(t, 1, server.Calls("ping"))
	assert.Greater(t, status.LatencyMS, 0.0)
	assert.True(t, status.Initialized)
	assert.Equal(t, "search", status.ServerName)
	assert.EqualValues(t, 1, server.Calls("initialize"))
}

func TestDeleteServerRemovesCatalogEntries(t *testing.T) {
	url := startHTTP(t, mcptest.NewServer("search", mcptest.SearchTool("web")))
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	_, err := m.AddServer(ctx, httpConfig("web", url))
	require.NoError(t, err)
	_, err = m.TestConnection(ctx, "web")
	require.NoError(t, err)
	require.True(t, m.Catalog().HasTool("web:search"))

	require.NoError(t, m.DeleteServer(ctx, "web"))

	for _, tool := range m.Catalog().ListAllTools() {
		assert.False(t, strings.HasPrefix(tool.ID, "web:"), "stale tool %s", tool.ID)
	}
	_, err = m.GetStatus("web")
	assert.True(t, core.IsNotFound(err))

	err = m.DeleteServer(ctx, "web")
	assert.True(t, core.IsNotFound(err))
}

func TestSameToolNameOnTwoServers(t *testing.T) {
	urlA := startHTTP(t, mcptest.NewServer("A", mcptest.SearchTool("a")))
	urlB := startHTTP(t, mcptest.NewServer("B", mcptest.SearchTool("b")))
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	for name, url := range map[string]string{"A": urlA, "B": urlB} {
		_, err := m.AddServer(ctx, httpConfig(name, url))
		require.NoError(t, err)
	}
	for _, id := range []string{"A", "B"} {
		_, err := m.TestConnection(ctx, id)
		require.NoError(t, err)
	}

	var ids []string
	for _, tool := range m.Catalog().ListAllTools() {
		ids = append(ids, tool.ID)
	}
	assert.ElementsMatch(t, []string{"A:search", "B:search"}, ids)
}

func TestUpdateServerResetsStatusAndCatalog(t *testing.T) {
	url := startHTTP(t, mcptest.NewServer("search", mcptest.SearchTool("web")))
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	_, err := m.AddServer(ctx, httpConfig("web", url))
	require.NoError(t, err)
	_, err = m.TestConnection(ctx, "web")
	require.NoError(t, err)

	updated := httpConfig("web", url)
	updated.Description = "changed"
	record, err := m.UpdateServer(ctx, "web", updated)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, record.Status)
	assert.Equal(t, "changed", record.Config.Description)
	assert.Empty(t, m.Catalog().ServerTools("web"))

	status, err := m.GetStatus("web")
	require.NoError(t, err)
	assert.False(t, status.Initialized)
}

func TestUpdateServerErrors(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	_, err := m.UpdateServer(ctx, "ghost", stdioFSConfig())
	assert.True(t, core.IsNotFound(err))

	_, err = m.AddServer(ctx, stdioFSConfig())
	require.NoError(t, err)
	other := stdioFSConfig()
	other.Name = "other"
	_, err = m.AddServer(ctx, other)
	require.NoError(t, err)

	rename := stdioFSConfig()
	rename.Name = "other"
	_, err = m.UpdateServer(ctx, "fs", rename)
	var dup *core.DuplicateNameError
	assert.ErrorAs(t, err, &dup)

	require.NoError(t, m.DeleteServer(ctx, "fs"))
	_, err = m.UpdateServer(ctx, "fs", stdioFSConfig())
	var invalid *core.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "deleted", invalid.State)
}

func TestUpdateServerRenameKeepsID(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	_, err := m.AddServer(ctx, stdioFSConfig())
	require.NoError(t, err)

	renamed := stdioFSConfig()
	renamed.Name = "files"
	record, err := m.UpdateServer(ctx, "fs", renamed)
	require.NoError(t, err)
	assert.Equal(t, "fs", record.ID)
	assert.Equal(t, "files", record.Config.Name)

	// The old id stays reserved while the record exists.
	_, err = m.AddServer(ctx, stdioFSConfig())
	var dup *core.DuplicateNameError
	assert.ErrorAs(t, err, &dup)
}

func TestTestConnectionFailureSetsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(mcptest.NewServer("gone").HTTPHandler(false))
	url := srv.URL
	srv.Close()

	m := newTestManager(t, ManagerConfig{ConnectTimeout: 2 * time.Second})
	ctx := context.Background()
	_, err := m.AddServer(ctx, httpConfig("gone", url))
	require.NoError(t, err)

	status, err := m.TestConnection(ctx, "gone")
	var connErr *core.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "gone", connErr.ServerID)
	assert.Equal(t, StatusError, status.Status)
	assert.NotEmpty(t, status.Message)

	got, err := m.GetStatus("gone")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Empty(t, m.Catalog().ServerTools("gone"))
}

func TestTestConnectionTimeout(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	m := newTestManager(t, ManagerConfig{
		ConnectTimeout: 50 * time.Millisecond,
		Dial: func(ctx context.Context, cfg mcp.TransportConfig, options mcp.Options) (*mcp.Client, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-hang:
				return nil, context.Canceled
			}
		},
	})
	ctx := context.Background()
	_, err := m.AddServer(ctx, httpConfig("slow", "http://127.0.0.1:1/mcp"))
	require.NoError(t, err)

	_, err = m.TestConnection(ctx, "slow")
	require.Error(t, err)
	assert.True(t, core.IsTimeout(err))
}

func TestAllowlistFiltersCatalog(t *testing.T) {
	url := startHTTP(t, mcptest.NewServer("fs", mcptest.FSTools(nil)...))
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	cfg := httpConfig("fs", url)
	cfg.Tools = []string{"read_file"}
	_, err := m.AddServer(ctx, cfg)
	require.NoError(t, err)

	status, err := m.TestConnection(ctx, "fs")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ToolCount)
	assert.True(t, m.Catalog().HasTool("fs:read_file"))
	assert.False(t, m.Catalog().HasTool("fs:list_directory"))
}

func TestDisabledServerRejectsConnection(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	cfg := stdioFSConfig()
	cfg.Enabled = boolPtr(false)
	_, err := m.AddServer(ctx, cfg)
	require.NoError(t, err)

	_, err = m.TestConnection(ctx, "fs")
	var invalid *core.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "disabled", invalid.State)
}

func TestServerEnabledByDefault(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	cfg := stdioFSConfig()
	require.Nil(t, cfg.Enabled)
	_, err := m.AddServer(ctx, cfg)
	require.NoError(t, err)

	status, err := m.TestConnection(ctx, "fs")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, status.Status)

	doc := `{"mcpServers": {
		"on": {"transport": {"type": "stdio", "command": "tool-runner"}},
		"off": {"transport": {"type": "stdio", "command": "tool-runner"}, "enabled": false}
	}}`
	imported, err := newTestManager(t, ManagerConfig{}).ImportServers(ctx, []byte(doc), FormatCustom)
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.Equal(t, "off", imported[0].ID)
	assert.False(t, imported[0].Config.IsEnabled())
	assert.True(t, imported[1].Config.IsEnabled())
}

func TestShutdownClosesSessions(t *testing.T) {
	url := startHTTP(t, mcptest.NewServer("search", mcptest.SearchTool("web")))
	m := NewManager(ManagerConfig{Logger: quietLogger()})
	ctx := context.Background()

	_, err := m.AddServer(ctx, httpConfig("web", url))
	require.NoError(t, err)
	_, err = m.TestConnection(ctx, "web")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.Catalog().ListAllTools())

	_, err = m.AddServer(ctx, httpConfig("late", url))
	var invalid *core.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
	require.NoError(t, m.Shutdown(ctx))
}

func TestLoadRestoresDisconnected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, ServerRecord{ID: "fs", Config: stdioFSConfig(), Status: StatusConnected, LatencyMS: 4}))

	m := newTestManager(t, ManagerConfig{Store: store})
	n, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	record, err := m.Server("fs")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, record.Status)
	assert.Zero(t, record.LatencyMS)
}

func TestManagerWritesThroughToStore(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, ManagerConfig{Store: store})
	ctx := context.Background()

	_, err := m.AddServer(ctx, stdioFSConfig())
	require.NoError(t, err)
	_, found, err := store.Get(ctx, "fs")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, m.DeleteServer(ctx, "fs"))
	_, found, err = store.Get(ctx, "fs")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListServersReturnsCopies(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	_, err := m.AddServer(ctx, stdioFSConfig())
	require.NoError(t, err)

	records := m.ListServers()
	records[0].Config.Env["INJECTED"] = "1"
	records[0].Status = StatusConnected

	fresh, err := m.Server("fs")
	require.NoError(t, err)
	assert.NotContains(t, fresh.Config.Env, "INJECTED")
	assert.Equal(t, StatusDisconnected, fresh.Status)
}

func TestImportClaudeDesktopAndExportCustom(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	doc := `{"mcpServers": {
		"memory": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-memory"]},
		"fs": {"command": "tool-runner", "args": ["--fs"], "env": {"ROOT": "/tmp"}}
	}}`
	imported, err := m.ImportServers(ctx, []byte(doc), "")
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.Equal(t, "fs", imported[0].ID)
	assert.Equal(t, "Imported from Claude Desktop: fs", imported[0].Config.Description)
	assert.Equal(t, mcp.TransportStdio, imported[1].Config.Transport.Type)

	first, err := m.ExportServers(FormatCustom)
	require.NoError(t, err)
	second, err := m.ExportServers(FormatCustom)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var decoded map[string]map[string]map[string]any
	require.NoError(t, xjson.Unmarshal([]byte(first), &decoded))
	assert.Equal(t, "/tmp", decoded["mcpServers"]["fs"]["env"].(map[string]any)["ROOT"])

	other := newTestManager(t, ManagerConfig{})
	roundTrip, err := other.ImportServers(ctx, []byte(first), FormatCustom)
	require.NoError(t, err)
	assert.Len(t, roundTrip, 2)

	_, err = m.ImportServers(ctx, []byte(doc), "toml")
	var unsupported *core.UnsupportedFormatError
	assert.ErrorAs(t, err, &unsupported)

	_, err = m.ImportServers(ctx, []byte("{"), FormatClaudeDesktop)
	assert.True(t, core.IsValidation(err))
}

func TestRedactMasksSecrets(t *testing.T) {
	record := ServerRecord{Config: ServerConfig{
		Env: map[string]string{"GITHUB_TOKEN": "abc", "ROOT": "/tmp"},
		Transport: TransportSpec{
			Headers: map[string]string{"Authorization": "Bearer x"},
		},
	}}
	redacted := Redact(record)
	assert.Equal(t, MaskedValue, redacted.Config.Env["GITHUB_TOKEN"])
	assert.Equal(t, "/tmp", redacted.Config.Env["ROOT"])
	assert.Equal(t, MaskedValue, redacted.Config.Transport.Headers["Authorization"])
	assert.Equal(t, "abc", record.Config.Env["GITHUB_TOKEN"])
}
