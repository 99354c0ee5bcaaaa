package idle

import (
	"context"
	"testing"
	"time"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/driver"
	"github.com/hestia-gateway/hestia/internal/lifecycle"
	"github.com/hestia-gateway/hestia/internal/queue"
)

// Scenario 4: idle shutdown.
func TestMonitor_DemotesHotServiceAfterIdleTimeout(t *testing.T) {
	cfg := &config.Config{
		IdleSweepIntervalMS: 5,
		Services: map[string]config.ServiceConfig{
			"s": {WarmupMS: 10, IdleTimeoutMS: 50, QueueSize: 10, RequestTimeoutSeconds: 5},
		},
	}
	q := queue.New()
	pool := driver.NewPool(2, 8, time.Second)
	pool.Start()
	defer pool.Stop()

	lm := lifecycle.NewManager(cfg, q, pool)
	lm.EnableSyncStartupForTests()

	if _, err := lm.ProactiveStart("s"); err != nil {
		t.Fatalf("proactive start: %v", err)
	}
	if !lm.IsReady("s") {
		t.Fatal("expected service hot/ready immediately after synchronous test startup")
	}

	monitor := NewMonitor(cfg, lm, pool, nil)
	monitor.Start()
	defer monitor.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		status, err := lm.Status(context.Background(), "s")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.State == lifecycle.Cold && status.Readiness == lifecycle.NotReady {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected service to become cold/not_ready within the deadline")
}

func TestMonitor_NeverDemotesWithZeroIdleTimeout(t *testing.T) {
	cfg := &config.Config{
		IdleSweepIntervalMS: 5,
		Services: map[string]config.ServiceConfig{
			"s": {WarmupMS: 5, IdleTimeoutMS: 0, QueueSize: 10, RequestTimeoutSeconds: 5},
		},
	}
	q := queue.New()
	pool := driver.NewPool(2, 8, time.Second)
	pool.Start()
	defer pool.Stop()

	lm := lifecycle.NewManager(cfg, q, pool)
	lm.EnableSyncStartupForTests()
	if _, err := lm.ProactiveStart("s"); err != nil {
		t.Fatalf("proactive start: %v", err)
	}

	monitor := NewMonitor(cfg, lm, pool, nil)
	monitor.Start()
	defer monitor.Stop()

	time.Sleep(100 * time.Millisecond)
	if !lm.IsReady("s") {
		t.Fatal("expected service with idle_timeout_ms=0 to stay hot indefinitely")
	}
}
