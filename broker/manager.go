package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/mcp"
)

const defaultConnectTimeout = 30 * time.Second

// DialFunc opens a client for one server. It is the manager's only way to
// create transports, so tests can count and fake dials.
type DialFunc func(ctx context.Context, cfg mcp.TransportConfig, options mcp.Options) (*mcp.Client, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Store persists registrations. Nil keeps them in memory only.
	Store   Store
	Catalog *Catalog
	// Dial defaults to mcp.Dial.
	Dial DialFunc
	// ConnectTimeout bounds one connection attempt, including the initial
	// tools/list. Defaults to 30s.
	ConnectTimeout time.Duration
	ClientOptions  mcp.Options
	Observer       Observer
	Logger         *slog.Logger
	Now            func() time.Time
}

type serverEntry struct {
	record     ServerRecord
	generation uint64
	client     *mcp.Client
}

// Manager owns server records and their sessions. It is the only writer of
// records and of the catalog; every accessor returns copies.
//
// Each record carries a generation that changes on update. A connection
// attempt snapshots the generation and discards its result if the record
// changed or vanished meanwhile.
type Manager struct {
	store          Store
	catalog        *Catalog
	dial           DialFunc
	connectTimeout time.Duration
	clientOptions  mcp.Options
	observer       Observer
	logger         *slog.Logger
	now            func() time.Time

	attempts singleflight.Group

	mu         sync.Mutex
	servers    map[string]*serverEntry
	order      []string
	tombstones map[string]struct{}
	nextGen    uint64
	closed     bool
}

// NewManager creates a manager. Call Load to restore persisted servers.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog()
	}
	if cfg.Dial == nil {
		cfg.Dial = mcp.Dial
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:          cfg.Store,
		catalog:        cfg.Catalog,
		dial:           cfg.Dial,
		connectTimeout: cfg.ConnectTimeout,
		clientOptions:  cfg.ClientOptions,
		observer:       cfg.Observer,
		logger:         cfg.Logger,
		now:            cfg.Now,
		servers:        make(map[string]*serverEntry),
		tombstones:     make(map[string]struct{}),
	}
}

// Catalog returns the tool catalog populated by connection tests.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// Load restores records from the store. Restored servers start
// disconnected; sessions never survive a restart.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("broker: load servers: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errManagerClosed()
	}
	loaded := 0
	for _, record := range records {
		if _, exists := m.servers[record.ID]; exists {
			continue
		}
		record.Status = StatusDisconnected
		record.LatencyMS = 0
		m.insertLocked(record)
		loaded++
	}
	return loaded, nil
}

// AddServer registers a server. The record starts disconnected.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) (ServerRecord, error) {
	cfg = cfg.clone()
	cfg.Name = strings.TrimSpace(cfg.Name)
	if err := cfg.Validate(); err != nil {
		return ServerRecord{}, err
	}

	now := m.now()
	record := ServerRecord{
		ID:           cfg.Name,
		Config:       cfg,
		Status:       StatusDisconnected,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ServerRecord{}, errManagerClosed()
	}
	if m.nameTakenLocked(cfg.Name, "") {
		m.mu.Unlock()
		return ServerRecord{}, &core.DuplicateNameError{Resource: "server", Name: cfg.Name}
	}
	delete(m.tombstones, record.ID)
	m.insertLocked(record)
	m.mu.Unlock()

	if err := m.persist(ctx, record); err != nil {
		m.mu.Lock()
		m.removeLocked(record.ID)
		m.mu.Unlock()
		m.catalog.remove(record.ID)
		return ServerRecord{}, err
	}

	m.logger.Info("mcp server added",
		"server_id", record.ID,
		"transport", string(cfg.Transport.Type),
	)
	return record.clone(), nil
}

// UpdateServer replaces a server's config. Any live session is closed, the
// status returns to disconnected and the server's catalog entries are
// discarded.
func (m *Manager) UpdateServer(ctx context.Context, id string, cfg ServerConfig) (ServerRecord, error) {
	cfg = cfg.clone()
	cfg.Name = strings.TrimSpace(cfg.Name)
	if err := cfg.Validate(); err != nil {
		return ServerRecord{}, err
	}

	m.mu.Lock()
	entry, err := m.entryLocked(id, "update")
	if err != nil {
		m.mu.Unlock()
		return ServerRecord{}, err
	}
	if m.nameTakenLocked(cfg.Name, id) {
		m.mu.Unlock()
		return ServerRecord{}, &core.DuplicateNameError{Resource: "server", Name: cfg.Name}
	}
	stale := entry.client
	entry.client = nil
	entry.generation = m.bumpGenLocked()
	entry.record.Config = cfg
	entry.record.Status = StatusDisconnected
	entry.record.Error = ""
	entry.record.LatencyMS = 0
	entry.record.UpdatedAt = m.now()
	record := entry.record.clone()
	m.mu.Unlock()

	m.catalog.clear(id)
	m.closeClient(id, stale)

	if err := m.persist(ctx, record); err != nil {
		return record, err
	}
	m.logger.Info("mcp server updated", "server_id", id)
	return record, nil
}

// DeleteServer removes a server, closes its session (terminating a stdio
// subprocess) and drops its catalog entries.
func (m *Manager) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return &core.NotFoundError{Resource: "server", ID: id}
	}
	client := entry.client
	entry.client = nil
	m.removeLocked(id)
	m.tombstones[id] = struct{}{}
	m.mu.Unlock()

	m.catalog.remove(id)
	m.closeClient(id, client)

	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("broker: delete server %q: %w", id, err)
		}
	}
	m.logger.Info("mcp server deleted", "server_id", id)
	return nil
}

// TestConnection validates the server's transport and refreshes its
// catalog entries. Without a live session it dials and runs initialize;
// with one it pings. Latency covers that round trip. On failure the
// session is discarded, the status becomes error and a ConnectionError is
// returned together with the status.
//
// Concurrent calls for the same id share one attempt. The attempt is not
// tied to any single caller's cancellation; ctx only bounds how long this
// caller waits.
func (m *Manager) TestConnection(ctx context.Context, id string) (ConnectionStatus, error) {
	results := m.attempts.DoChan(id, func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
		defer cancel()
		return m.connect(attemptCtx, id)
	})
	select {
	case <-ctx.Done():
		return ConnectionStatus{ServerID: id}, ctx.Err()
	case res := <-results:
		status, _ := res.Val.(ConnectionStatus)
		return status, res.Err
	}
}

func (m *Manager) connect(ctx context.Context, id string) (ConnectionStatus, error) {
	m.mu.Lock()
	entry, err := m.entryLocked(id, "connect")
	if err != nil {
		m.mu.Unlock()
		return ConnectionStatus{ServerID: id}, err
	}
	cfg := entry.record.Config.clone()
	generation := entry.generation
	client := entry.client
	if !cfg.IsEnabled() {
		m.mu.Unlock()
		return m.statusOf(id, cfg, StatusDisconnected, "server is disabled", 0, false),
			&core.InvalidStateError{Resource: "server", ID: id, State: "disabled", Op: "connect"}
	}
	m.mu.Unlock()

	reused := client != nil
	start := time.Now()
	var (
		init mcp.InitializeResult
		op   string
	)
	if reused {
		op = "ping"
		err = client.Ping(ctx)
		if err == nil {
			var ok bool
			if init, ok = client.Handshake(); !ok {
				op = "initialize"
				init, err = client.Initialize(ctx)
			}
		}
	} else {
		op = "dial"
		client, err = m.dial(ctx, cfg.TransportConfig(), m.clientOptions)
		if err == nil {
			op = "initialize"
			init, err = client.Initialize(ctx)
		}
	}
	latency := float64(time.Since(start)) / float64(time.Millisecond)

	var tools []Tool
	if err == nil {
		op = "tools/list"
		var listed mcp.ToolsListResult
		listed, err = client.ListTools(ctx)
		for _, t := range listed.Tools {
			if cfg.allows(t.Name) {
				tools = append(tools, toolFromMCP(id, cfg.Name, t))
			}
		}
	}

	if err != nil {
		connErr := &core.ConnectionError{
			ServerID: id,
			Op:       op,
			Timeout:  isDeadline(ctx, err),
			Cause:    err,
		}
		m.fail(ctx, id, generation, client, connErr)
		status := m.statusOf(id, cfg, StatusError, connErr.Error(), latency, false)
		m.observer.ObserveConnection(ConnectionObservation{
			ServerID:  id,
			Transport: cfg.Transport.Type,
			Status:    StatusError,
			LatencyMS: latency,
			Reused:    reused,
			ErrorCode: ErrorCode(connErr),
		})
		m.logger.Warn("mcp server connection failed",
			"server_id", id,
			"op", op,
			"latency_ms", latency,
			"error", err,
		)
		return status, connErr
	}

	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok || entry.generation != generation || m.closed {
		m.mu.Unlock()
		if !reused {
			m.closeClient(id, client)
		}
		return ConnectionStatus{ServerID: id, Status: StatusDisconnected, Transport: cfg.Transport.Type},
			&core.InvalidStateError{Resource: "server", ID: id, State: "modified", Op: "complete connection to"}
	}
	entry.client = client
	entry.record.Status = StatusConnected
	entry.record.Error = ""
	entry.record.LatencyMS = latency
	entry.record.LastConnected = m.now()
	record := entry.record.clone()
	m.mu.Unlock()

	m.catalog.set(id, tools)
	if !reused {
		go m.watch(id, client)
	}
	if err := m.persist(ctx, record); err != nil {
		m.logger.Warn("mcp server status not persisted", "server_id", id, "error", err)
	}

	m.observer.ObserveConnection(ConnectionObservation{
		ServerID:  id,
		Transport: cfg.Transport.Type,
		Status:    StatusConnected,
		LatencyMS: latency,
		ToolCount: len(tools),
		Reused:    reused,
	})
	m.logger.Info("mcp server connected",
		"server_id", id,
		"latency_ms", latency,
		"tools", len(tools),
		"reused", reused,
	)

	status := m.statusOf(id, cfg, StatusConnected, "connection successful", latency, true)
	status.ServerName = init.ServerInfo.Name
	status.ServerVersion = init.ServerInfo.Version
	status.ToolCount = len(tools)
	return status, nil
}

// GetStatus returns the last recorded status without testing.
func (m *Manager) GetStatus(id string) (ConnectionStatus, error) {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return ConnectionStatus{ServerID: id}, &core.NotFoundError{Resource: "server", ID: id}
	}
	record := entry.record.clone()
	live := entry.client != nil
	m.mu.Unlock()

	message := record.Error
	if message == "" {
		message = "status retrieved"
	}
	status := m.statusOf(id, record.Config, record.Status, message, record.LatencyMS, live)
	status.ToolCount = len(m.catalog.ServerTools(id))
	return status, nil
}

// Server returns one record.
func (m *Manager) Server(id string) (ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[id]
	if !ok {
		return ServerRecord{}, &core.NotFoundError{Resource: "server", ID: id}
	}
	return entry.record.clone(), nil
}

// ListServers returns every record in registration order.
func (m *Manager) ListServers() []ServerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.servers[id].record.clone())
	}
	return out
}

// Shutdown closes every session. The manager rejects further changes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	type live struct {
		id     string
		client *mcp.Client
	}
	var sessions []live
	for _, id := range m.order {
		entry := m.servers[id]
		if entry.client != nil {
			sessions = append(sessions, live{id: id, client: entry.client})
			entry.client = nil
		}
		if entry.record.Status == StatusConnected {
			entry.record.Status = StatusDisconnected
		}
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.client.Close(ctx); err != nil && !errors.Is(err, mcp.ErrClosed) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("broker: close %q: %w", s.id, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, s := range sessions {
		m.catalog.clear(s.id)
	}
	m.logger.Info("mcp manager shut down", "sessions_closed", len(sessions))
	return errors.Join(errs...)
}

// acquire returns the live session for id, connecting first when the
// server has never been connected or was reset by an update. A server in
// error state is not redialled; the caller must test the connection again.
func (m *Manager) acquire(ctx context.Context, id string) (*mcp.Client, ServerConfig, error) {
	m.mu.Lock()
	entry, err := m.entryLocked(id, "invoke")
	if err != nil {
		m.mu.Unlock()
		return nil, ServerConfig{}, err
	}
	client := entry.client
	cfg := entry.record.Config.clone()
	status := entry.record.Status
	message := entry.record.Error
	m.mu.Unlock()

	if client != nil {
		return client, cfg, nil
	}
	if status == StatusError {
		return nil, cfg, &core.ConnectionError{
			ServerID: id,
			Op:       "invoke",
			Cause:    fmt.Errorf("server is in error state (%s); test the connection again", message),
		}
	}
	if _, err := m.TestConnection(ctx, id); err != nil {
		return nil, cfg, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[id]
	if !ok || entry.client == nil {
		return nil, cfg, &core.ConnectionError{ServerID: id, Op: "invoke", Cause: errors.New("session closed")}
	}
	return entry.client, entry.record.Config.clone(), nil
}

// invalidate discards client after a transport failure during use. It is a
// no-op when client is no longer the server's session.
func (m *Manager) invalidate(ctx context.Context, id string, client *mcp.Client, cause error) {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok || entry.client != client {
		m.mu.Unlock()
		return
	}
	entry.client = nil
	entry.record.Status = StatusError
	entry.record.Error = cause.Error()
	entry.record.UpdatedAt = m.now()
	record := entry.record.clone()
	m.mu.Unlock()

	m.catalog.clear(id)
	m.closeClient(id, client)
	if err := m.persist(context.WithoutCancel(ctx), record); err != nil {
		m.logger.Warn("mcp server status not persisted", "server_id", id, "error", err)
	}
	m.logger.Warn("mcp session discarded", "server_id", id, "error", cause)
}

// fail records a failed connection attempt, unless the record changed
// since the attempt began.
func (m *Manager) fail(ctx context.Context, id string, generation uint64, client *mcp.Client, cause error) {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok || entry.generation != generation {
		m.mu.Unlock()
		m.closeClient(id, client)
		return
	}
	if entry.client == client {
		entry.client = nil
	}
	entry.record.Status = StatusError
	entry.record.Error = cause.Error()
	entry.record.UpdatedAt = m.now()
	record := entry.record.clone()
	m.mu.Unlock()

	m.catalog.clear(id)
	m.closeClient(id, client)
	if err := m.persist(context.WithoutCancel(ctx), record); err != nil {
		m.logger.Warn("mcp server status not persisted", "server_id", id, "error", err)
	}
}

// watch marks the server failed when its session ends on its own, such as
// a stdio subprocess exiting.
func (m *Manager) watch(id string, client *mcp.Client) {
	<-client.Done()
	cause := client.Err()
	if cause == nil || errors.Is(cause, mcp.ErrClosed) {
		return
	}
	m.invalidate(context.Background(), id, client, &core.ConnectionError{ServerID: id, Op: "session", Cause: cause})
}

func (m *Manager) closeClient(id string, client *mcp.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		m.logger.Debug("mcp session close failed", "server_id", id, "error", err)
	}
}

func (m *Manager) persist(ctx context.Context, record ServerRecord) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return fmt.Errorf("broker: persist server %q: %w", record.ID, err)
	}
	return nil
}

func (m *Manager) statusOf(id string, cfg ServerConfig, status Status, message string, latency float64, initialized bool) ConnectionStatus {
	return ConnectionStatus{
		ServerID:    id,
		Status:      status,
		Message:     message,
		LatencyMS:   latency,
		Transport:   cfg.Transport.Type,
		Initialized: initialized,
	}
}

func (m *Manager) entryLocked(id, op string) (*serverEntry, error) {
	if m.closed {
		return nil, errManagerClosed()
	}
	entry, ok := m.servers[id]
	if ok {
		return entry, nil
	}
	if _, deleted := m.tombstones[id]; deleted {
		return nil, &core.InvalidStateError{Resource: "server", ID: id, State: "deleted", Op: op}
	}
	return nil, &core.NotFoundError{Resource: "server", ID: id}
}

// nameTakenLocked reports whether name collides with another server's id
// or current name. except is the id being renamed.
func (m *Manager) nameTakenLocked(name, except string) bool {
	for id, entry := range m.servers {
		if id == except {
			continue
		}
		if id == name || entry.record.Config.Name == name {
			return true
		}
	}
	return false
}

func (m *Manager) insertLocked(record ServerRecord) {
	m.servers[record.ID] = &serverEntry{record: record.clone(), generation: m.bumpGenLocked()}
	m.order = append(m.order, record.ID)
	m.catalog.register(record.ID)
}

func (m *Manager) removeLocked(id string) {
	delete(m.servers, id)
	m.order = slices.DeleteFunc(m.order, func(existing string) bool { return existing == id })
}

func (m *Manager) bumpGenLocked() uint64 {
	m.nextGen++
	return m.nextGen
}

func errManagerClosed() error {
	return &core.InvalidStateError{Resource: "manager", ID: "broker", State: "shut down", Op: "use"}
}

// isDeadline reports whether err came from ctx expiring rather than from
// the remote side.
func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
