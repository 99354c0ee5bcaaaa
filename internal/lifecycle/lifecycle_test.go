package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/driver"
	"github.com/hestia-gateway/hestia/internal/queue"
)

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *queue.RequestQueue) {
	t.Helper()
	q := queue.New()
	pool := driver.NewPool(2, 8, time.Second)
	pool.Start()
	t.Cleanup(pool.Stop)
	return NewManager(cfg, q, pool), q
}

// Scenario 3: cold start with queueing.
func TestEnsureStarting_OnlyOneDriverPerService(t *testing.T) {
	cfg := &config.Config{Services: map[string]config.ServiceConfig{
		"s": {WarmupMS: 50, QueueSize: 10, RequestTimeoutSeconds: 5},
	}}
	m, q := newTestManager(t, cfg)

	first, err := m.EnsureStarting("s")
	if err != nil || first != Started {
		t.Fatalf("expected Started, got %v err=%v", first, err)
	}

	second, err := m.EnsureStarting("s")
	if err != nil || second != AlreadyStarting {
		t.Fatalf("expected AlreadyStarting, got %v err=%v", second, err)
	}

	entryA, _ := q.Queue("s", 10, 2*time.Second)
	entryB, _ := q.Queue("s", 10, 2*time.Second)

	outcomeA := entryA.Wait()
	outcomeB := entryB.Wait()
	if outcomeA.Kind != queue.Released || outcomeB.Kind != queue.Released {
		t.Fatalf("expected both waiters released, got %+v %+v", outcomeA, outcomeB)
	}

	if !m.IsReady("s") {
		t.Fatal("expected service to be hot/ready after startup driver completes")
	}
}

func TestProactiveStart_IdempotentAcrossCalls(t *testing.T) {
	cfg := &config.Config{Services: map[string]config.ServiceConfig{
		"s": {WarmupMS: 10, QueueSize: 10, RequestTimeoutSeconds: 5},
	}}
	m, _ := newTestManager(t, cfg)
	m.EnableSyncStartupForTests()

	first, err := m.ProactiveStart("s")
	if err != nil || first != StartedAccepted {
		t.Fatalf("expected StartedAccepted, got %v err=%v", first, err)
	}

	second, err := m.ProactiveStart("s")
	if err != nil || second != ConflictAlreadyRunning {
		t.Fatalf("expected ConflictAlreadyRunning, got %v err=%v", second, err)
	}
}

func TestStatus_OpportunisticProbePromotesToHot(t *testing.T) {
	healthServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthServer.Close()

	cfg := &config.Config{Services: map[string]config.ServiceConfig{
		"s": {HealthURL: healthServer.URL, QueueSize: 10, RequestTimeoutSeconds: 5},
	}}
	m, _ := newTestManager(t, cfg)

	status, err := m.Status(context.Background(), "s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.State != Hot || status.Readiness != Ready {
		t.Fatalf("expected hot/ready after opportunistic probe, got %+v", status)
	}
}

func TestStatus_UnknownService_Errors(t *testing.T) {
	cfg := &config.Config{Services: map[string]config.ServiceConfig{}}
	m, _ := newTestManager(t, cfg)

	if _, err := m.Status(context.Background(), "ghost"); err != ErrUnknownService {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestTouch_UpdatesLastUsed(t *testing.T) {
	cfg := &config.Config{Services: map[string]config.ServiceConfig{
		"s": {},
	}}
	m, _ := newTestManager(t, cfg)

	m.Touch("s")
	rec, ok := m.Record("s")
	if !ok || rec.LastUsedMS == 0 {
		t.Fatalf("expected last_used_ms to be set, got %+v ok=%v", rec, ok)
	}
}
