package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHealthSchedule re-tests connected servers every 30 seconds.
const DefaultHealthSchedule = "@every 30s"

var healthCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression or descriptor such as
// "@every 1m". Schedules run in UTC; timezone prefixes are rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("broker: health schedule is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("broker: health schedule must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := healthCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid health schedule: %w", err)
	}
	return schedule, nil
}

// HealthEvent is the result of one scheduled check.
type HealthEvent struct {
	ServerID       string
	PreviousStatus Status
	Status         Status
	LatencyMS      float64
	Err            error
}

// HealthSchedulerConfig configures a HealthScheduler.
type HealthSchedulerConfig struct {
	Manager  *Manager
	Schedule string
	Observer Observer
	Logger   *slog.Logger
	OnEvent  func(HealthEvent)
}

// HealthScheduler re-tests servers that are currently connected, so a
// broken session surfaces as an error status. Servers that are
// disconnected or already failed are left alone; reconnecting them is the
// caller's decision.
type HealthScheduler struct {
	manager  *Manager
	schedule cron.Schedule
	observer Observer
	logger   *slog.Logger
	onEvent  func(HealthEvent)

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewHealthScheduler creates a stopped scheduler.
func NewHealthScheduler(cfg HealthSchedulerConfig) (*HealthScheduler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("broker: health scheduler manager is nil")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultHealthSchedule
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(HealthEvent) {}
	}
	return &HealthScheduler{
		manager:  cfg.Manager,
		schedule: schedule,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		onEvent:  cfg.OnEvent,
	}, nil
}

// Start begins scheduled checks. Overlapping runs are skipped.
func (s *HealthScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.RunOnce(context.Background())
	}))
	c.Start()
	s.cron = c
	s.running = true
}

// Stop halts the schedule and waits for a running check to finish.
func (s *HealthScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce checks every connected server once and returns the events.
func (s *HealthScheduler) RunOnce(ctx context.Context) []HealthEvent {
	var events []HealthEvent
	for _, record := range s.manager.ListServers() {
		if record.Status != StatusConnected {
			continue
		}
		status, err := s.manager.TestConnection(ctx, record.ID)
		event := HealthEvent{
			ServerID:       record.ID,
			PreviousStatus: record.Status,
			Status:         status.Status,
			LatencyMS:      status.LatencyMS,
			Err:            err,
		}
		s.observer.ObserveHealth(HealthObservation{
			ServerID:       event.ServerID,
			PreviousStatus: event.PreviousStatus,
			Status:         event.Status,
			LatencyMS:      event.LatencyMS,
			ErrorCode:      ErrorCode(err),
		})
		if err != nil {
			s.logger.Warn("mcp server health check failed", "server_id", record.ID, "error", err)
		} else {
			s.logger.Debug("mcp server healthy", "server_id", record.ID, "latency_ms", status.LatencyMS)
		}
		s.onEvent(event)
		events = append(events, event)
	}
	return events
}
