package daemon

import (
	"context"
	"time"

	"github.com/harun/screencraft/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// Maintenance runs periodic housekeeping that has no cron schedule of its
// own: queue gauges and the knowledge screen count.
type Maintenance struct {
	daemon   *Daemon
	interval time.Duration
}

// NewMaintenance creates the maintenance loop.
func NewMaintenance(d *Daemon) *Maintenance {
	return &Maintenance{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run ticks until ctx is done.
func (m *Maintenance) Run(ctx context.Context) {
	m.daemon.logger.Info().Msg("Maintenance loop started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.daemon.logger.Info().Msg("Maintenance loop stopping")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Maintenance) tick(ctx context.Context) {
	queued := 0
	for lane, stats := range m.daemon.queue.Stats() {
		queued += stats.Queued
		if stats.Queued > 0 || stats.Running > 0 {
			m.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", stats.Queued).
				Int("running", stats.Running).
				Msg("Queue stats")
		}
	}
	// every turn lane is a session lane
	observability.SetQueueSize("session", queued)

	if n, err := m.daemon.knowledge.Count(ctx); err == nil {
		observability.SetKnowledgeScreens(n)
	} else if ctx.Err() == nil {
		m.daemon.logger.Warn().Err(err).Msg("Failed to count screens")
	}
}
