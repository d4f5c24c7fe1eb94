// Package health runs the server's periodic checks: keep-alive timeouts,
// host resource usage and the heartbeat published over MQTT.
package health

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/network"
	"github.com/rubycave-project/rubycave/internal/util"
)

// Latency above which a player is reported as lagging.
const highLatency = 500 * time.Millisecond

// Manager runs periodic health checks.
type Manager struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	registry  *network.ConnectionRegistry
	startedAt time.Time
	logger    zerolog.Logger
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, registry *network.ConnectionRegistry) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		registry:  registry,
		startedAt: time.Now(),
		logger:    util.ComponentLogger("health"),
	}
}

type check struct {
	name     string
	interval int
	fn       func(context.Context)
}

// Start launches every check and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	timers := m.cfg.GetTimers()

	checks := []check{
		{"stale_sweep", timers.StaleSweepInterval, m.sweepStale},
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"heartbeat", timers.HeartbeatInterval, m.emitHeartbeat},
	}

	started := 0
	for _, c := range checks {
		if c.interval <= 0 {
			m.logger.Debug().Str("check", c.name).Msg("health check disabled")
			continue
		}
		started++
		go m.run(ctx, c)
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
	return nil
}

func (m *Manager) run(ctx context.Context, c check) {
	ticker := time.NewTicker(time.Duration(c.interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fn(ctx)
		}
	}
}

// sweepStale kicks players that sent no keep-alive within the keep-alive timeout.
func (m *Manager) sweepStale(ctx context.Context) {
	cleaned := m.registry.CleanStale(m.cfg.GetServer().KeepAliveTimeout())
	if cleaned > 0 {
		m.logger.Info().Int("cleaned", cleaned).Msg("kicked timed out players")
	}
}

// checkGeneralHealth logs host and process resource usage and lagging players.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	evt := m.logger.Info().Int("players", m.registry.Count())

	if cpuPercent, err := util.GetCPUUsage(); err == nil {
		evt = evt.Float64("cpu_percent", cpuPercent)
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		evt = evt.Float64("mem_percent", memUsage.UsedPercent).Uint64("mem_available_mb", memUsage.Available)
	}
	if proc, err := util.GetProcessUsage(); err == nil {
		evt = evt.Uint64("rss_mb", proc.RSSMB).Int32("threads", proc.Threads)
	}
	evt.Msg("general health")

	m.checkDiskUtilization()

	for username, conn := range m.registry.GetAll() {
		if latency := conn.Latency(); latency > highLatency {
			m.logger.Warn().
				Str("username", username).
				Dur("latency", latency).
				Msg("elevated latency detected")
		}
	}
}

// checkDiskUtilization warns when the volume holding the session database fills up.
func (m *Manager) checkDiskUtilization() {
	path := filepath.Dir(m.cfg.GetDatabase().Path)
	if !util.FileExists(path) {
		path = "."
	}

	usage, err := util.GetDiskUsage(path)
	if err != nil {
		m.logger.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	if usage.UsedPercent >= 90 {
		m.logger.Warn().
			Str("path", usage.Path).
			Float64("used_percent", usage.UsedPercent).
			Uint64("free_mb", usage.FreeMB).
			Msg("disk almost full")
	}
}

// Heartbeat returns the current heartbeat payload.
func (m *Manager) Heartbeat() events.HeartbeatPayload {
	hb := events.HeartbeatPayload{
		Players: m.registry.Count(),
		Uptime:  time.Since(m.startedAt),
	}
	if cpuPercent, err := util.GetCPUUsage(); err == nil {
		hb.CPUPercent = cpuPercent
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		hb.MemPercent = memUsage.UsedPercent
	}
	return hb
}

func (m *Manager) emitHeartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "health",
		Payload: m.Heartbeat(),
	})
}
