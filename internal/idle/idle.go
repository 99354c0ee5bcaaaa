// Package idle runs the periodic sweep that demotes hot services past
// their idle_timeout_ms back to cold. Grounded on
// original_source/src/hestia/app.py's _idle_monitor_loop (a bare
// time.sleep polling loop) restructured around a time.Ticker the way
// oulman-tfc-agent-autoscaler/internal/scaler/scaler.go drives its
// reconcile loop, and on the teacher's sync.Once start/stop idiom.
package idle

import (
	"sync"
	"time"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/driver"
	"github.com/hestia-gateway/hestia/internal/lifecycle"
	"github.com/hestia-gateway/hestia/pkg/logger"
)

// StopDriver is invoked out-of-band when a service transitions to cold,
// if one is wired for that service. No concrete implementation ships
// here — a remote-start/stop automation endpoint is an external
// collaborator named, not built, per scope — but the seam exists so one
// can be plugged in without touching the sweep loop.
type StopDriver func(serviceID string)

// Monitor is the single background sweep loop. One instance per process.
type Monitor struct {
	cfg       *config.Config
	lifecycle *lifecycle.Manager
	pool      *driver.Pool
	interval  time.Duration
	stopHook  StopDriver

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewMonitor builds an idle monitor ticking at cfg.IdleSweepIntervalMS
// (≈25ms per §4.5). stopHook may be nil.
func NewMonitor(cfg *config.Config, lm *lifecycle.Manager, pool *driver.Pool, stopHook StopDriver) *Monitor {
	interval := time.Duration(cfg.IdleSweepIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	return &Monitor{
		cfg:       cfg,
		lifecycle: lm,
		pool:      pool,
		interval:  interval,
		stopHook:  stopHook,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the sweep goroutine. Safe to call multiple times.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.run()
		logger.Info("idle monitor started: interval=%v", m.interval)
	})
}

// Stop signals the sweep loop to exit and waits for it to finish its
// current iteration.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		<-m.stopped
		logger.Info("idle monitor stopped")
	})
}

func (m *Monitor) run() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep never holds the lifecycle manager's lock across I/O: it reads a
// consistent snapshot of each record, decides under no lock, and only
// re-acquires the lock (inside TransitionToCold) for the single write.
func (m *Monitor) sweep() {
	now := time.Now().UnixMilli()
	for _, serviceID := range m.lifecycle.ServiceIDs() {
		svcCfg, ok := m.cfg.Services[serviceID]
		if !ok || svcCfg.IdleTimeoutMS <= 0 {
			continue
		}

		rec, ok := m.lifecycle.Record(serviceID)
		if !ok || rec.State != lifecycle.Hot {
			continue
		}

		if now-rec.LastUsedMS < svcCfg.IdleTimeoutMS {
			continue
		}

		if !m.lifecycle.TransitionToCold(serviceID) {
			continue
		}
		logger.Info("service %s idle for >= %dms, demoted to cold", serviceID, svcCfg.IdleTimeoutMS)

		if m.stopHook != nil {
			id := serviceID
			m.pool.Submit(driver.Job{
				Name: "stop:" + id,
				Run:  func() { m.stopHook(id) },
			})
		}
	}
}
