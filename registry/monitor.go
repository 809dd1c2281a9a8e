package registry

import (
	"context"
	"time"

	"grid-distributor/grid"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

// ProbeFunc checks a silent node directly. A nil error counts as a heartbeat.
type ProbeFunc func(ctx context.Context, status grid.NodeStatus) error

type MonitorOptions struct {
	// Interval between sweeps.
	Interval time.Duration
	// Grace is how long a node may stay silent before it is marked DOWN.
	Grace time.Duration
	// MaxMissed grace windows of silence remove the node.
	MaxMissed int
	Probe     ProbeFunc
	Clock     clock.WithTicker
}

// Monitor marks silent nodes DOWN and eventually deregisters them.
type Monitor struct {
	registry *Registry
	opts     MonitorOptions
}

func NewMonitor(r *Registry, opts MonitorOptions) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 3 * opts.Interval
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = 3
	}
	return &Monitor{registry: r, opts: opts}
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.opts.Clock.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.opts.Interval).Dur("grace", m.opts.Grace).Int("maxMissed", m.opts.MaxMissed).Msg("registry: heartbeat monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("registry: heartbeat monitor stopped")
			return
		case <-ticker.C():
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs a single sweep over all nodes.
func (m *Monitor) CheckOnce(ctx context.Context) {
	now := m.opts.Clock.Now()
	for _, e := range m.registry.entries() {
		e.mu.Lock()
		status := e.status.Clone()
		seen := e.lastSeen
		wasDown := e.down
		e.mu.Unlock()
		silent := now.Sub(seen)

		if silent <= m.opts.Grace {
			continue
		}
		if m.opts.Probe != nil {
			err := m.opts.Probe(ctx, status)
			if err == nil {
				m.touch(e)
				if wasDown {
					log.Info().Str("nodeId", string(status.NodeID)).Msg("registry: node answered probe; back up")
					m.registry.reportNodes()
					m.registry.changed()
				}
				continue
			}
			log.Debug().Err(err).Str("nodeId", string(status.NodeID)).Msg("registry: probe failed")
		}

		// A heartbeat that arrived while the lock was released wins over this sweep.
		stillSilent := func(e *entry) bool { return e.lastSeen.Equal(seen) }

		missed := int(silent / m.opts.Grace)
		if missed >= m.opts.MaxMissed {
			if m.registry.remove(ctx, status.NodeID, stillSilent) {
				log.Warn().Str("nodeId", string(status.NodeID)).Int("missed", missed).Msg("registry: node missed too many heartbeats; removed")
			}
			continue
		}
		if wasDown {
			continue
		}
		e.mu.Lock()
		marked := !e.removed && !e.down && stillSilent(e)
		if marked {
			e.down = true
		}
		e.mu.Unlock()
		if marked {
			log.Warn().Str("nodeId", string(status.NodeID)).Dur("silent", silent).Msg("registry: node marked down")
			m.registry.reportNodes()
		}
	}
}

func (m *Monitor) touch(e *entry) {
	e.mu.Lock()
	e.lastSeen = m.opts.Clock.Now()
	e.down = false
	e.mu.Unlock()
}
