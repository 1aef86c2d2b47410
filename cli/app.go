package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowbridge/broker"
	"github.com/petal-labs/flowbridge/config"
	fbotel "github.com/petal-labs/flowbridge/otel"
)

const shutdownTimeout = 5 * time.Second

// env is the wiring shared by commands: config, logger, telemetry and,
// once openBroker is called, the MCP broker.
type env struct {
	logger    *slog.Logger
	cfg       config.File
	cfgPath   string
	telemetry *fbotel.Provider

	store    broker.Store
	manager  *broker.Manager
	invoker  *broker.Invoker
	observer *fbotel.BrokerObserver

	closers []func(context.Context) error
}

func newEnv(cmd *cobra.Command) (*env, error) {
	e := &env{logger: newLogger(cmd)}

	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.Discover(explicit)
	if err != nil {
		return nil, exitError(exitNotFound, "%v", err)
	}
	if found {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, exitError(exitValidation, "%v", err)
		}
		e.cfg = cfg
		e.cfgPath = path
		e.logger.Debug("loaded config", "path", path)
	}

	tel := e.cfg.Telemetry
	provider, err := fbotel.Setup(cmd.Context(), fbotel.Config{
		ServiceName: tel.ServiceName,
		Endpoint:    tel.OTLPEndpoint,
		URLPath:     tel.URLPath,
		Insecure:    tel.Insecure,
	})
	if err != nil {
		return nil, exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	e.telemetry = provider
	e.closers = append(e.closers, provider.Shutdown)

	observer, err := fbotel.NewBrokerObserver(provider.Meter(), provider.Tracer())
	if err != nil {
		e.close()
		return nil, exitError(exitRuntime, "initializing broker observability: %v", err)
	}
	e.observer = observer
	return e, nil
}

// close releases resources in reverse order of acquisition.
func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			e.logger.Warn("shutdown failed", "error", err)
		}
	}
	e.closers = nil
}

// openBroker opens the server store, restores registered servers and
// applies the servers declared in the config file.
func (e *env) openBroker(cmd *cobra.Command) error {
	ctx := cmd.Context()
	store, err := e.resolveStore(cmd)
	if err != nil {
		return exitError(exitRuntime, "opening server store: %v", err)
	}
	e.store = store
	if closer, ok := store.(interface{ Close() error }); ok {
		e.closers = append(e.closers, func(context.Context) error { return closer.Close() })
	}

	e.manager = broker.NewManager(broker.ManagerConfig{
		Store:          store,
		ConnectTimeout: e.cfg.Broker.ConnectTimeout,
		Observer:       e.observer,
		Logger:         e.logger,
	})
	e.closers = append(e.closers, e.manager.Shutdown)

	if _, err := e.manager.Load(ctx); err != nil {
		return exitError(exitRuntime, "loading servers: %v", err)
	}
	if err := e.applyDeclaredServers(ctx); err != nil {
		return err
	}

	e.invoker, err = broker.NewInvoker(broker.InvokerConfig{
		Manager:  e.manager,
		Timeout:  e.cfg.Broker.InvokeTimeout,
		Observer: e.observer,
		Logger:   e.logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating invoker: %v", err)
	}
	return nil
}

func (e *env) resolveStore(cmd *cobra.Command) (broker.Store, error) {
	storePath, _ := cmd.Flags().GetString("store-path")
	if strings.TrimSpace(storePath) == "" {
		storePath = os.Getenv("FLOWBRIDGE_STORE_PATH")
	}
	if strings.TrimSpace(storePath) == "" {
		storePath = e.cfg.Broker.Store
	}

	dsn := strings.TrimSpace(storePath)
	switch dsn {
	case ":memory:":
		return broker.NewMemoryStore(), nil
	case "", "default":
		defaultPath, err := broker.DefaultSQLitePath()
		if err != nil {
			return nil, err
		}
		dsn = defaultPath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return broker.NewSQLiteStore(broker.SQLiteStoreConfig{DSN: dsn})
}

// applyDeclaredServers registers config-declared servers, updating stored
// records whose declaration changed.
func (e *env) applyDeclaredServers(ctx context.Context) error {
	declared, err := e.cfg.ServerConfigs()
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	for _, cfg := range declared {
		existing, err := e.manager.Server(cfg.Name)
		switch {
		case err == nil && reflect.DeepEqual(existing.Config, cfg):
			continue
		case err == nil:
			_, err = e.manager.UpdateServer(ctx, existing.ID, cfg)
		default:
			_, err = e.manager.AddServer(ctx, cfg)
		}
		if err != nil {
			return exitFor(err, fmt.Sprintf("applying declared server %q", cfg.Name))
		}
	}
	if len(declared) > 0 {
		e.logger.Debug("applied declared servers", "count", len(declared), "config", e.cfgPath)
	}
	return nil
}

// connectServers tests enabled servers so their tools are catalogued.
// ids limits the set; empty means all. Failures are logged and returned
// joined; the catalog keeps whatever connected.
func (e *env) connectServers(ctx context.Context, ids ...string) error {
	var errs []error
	for _, record := range e.manager.ListServers() {
		if len(ids) > 0 && !slices.Contains(ids, record.ID) {
			continue
		}
		if !record.Config.IsEnabled() {
			e.logger.Debug("skipping disabled server", "server_id", record.ID)
			continue
		}
		status, err := e.manager.TestConnection(ctx, record.ID)
		if err != nil {
			e.logger.Warn("mcp server unavailable", "server_id", record.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		e.logger.Debug("mcp server connected",
			"server_id", record.ID,
			"tools", status.ToolCount,
			"latency_ms", status.LatencyMS,
		)
	}
	return errors.Join(errs...)
}
