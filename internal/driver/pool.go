// Package driver runs lifecycle drivers (startup probes/warmups, stop
// hooks) on a bounded goroutine pool, the same fixed-worker-plus-buffered-
// channel shape as the teacher's internal/worker.Pool, generalized from
// "forward an HTTP job" to "run an arbitrary timed function".
package driver

import (
	"runtime"
	"sync"
	"time"

	"github.com/hestia-gateway/hestia/pkg/logger"
)

// Job is a unit of driver work: Run is invoked on a pool worker and must
// respect ctx-like cooperative cancellation via its own internal timeout
// (drivers here are simple enough not to need a context.Context, matching
// the teacher's Job shape).
type Job struct {
	Name string
	Run  func()
}

// Pool is a fixed-size worker pool for fire-and-forget driver
// invocations (service startup probes, idle-shutdown stop hooks).
type Pool struct {
	workerCount int
	jobQueue    chan Job
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
	shutdownTTL time.Duration
}

// NewPool creates a driver pool. A workerCount of 0 defaults to
// 4×NumCPU: driver invocations are I/O-bound (HTTP health probes, sleeps)
// so oversubscribing relative to CPU cores is appropriate.
func NewPool(workerCount, queueSize int, shutdownTimeout time.Duration) *Pool {
	if workerCount <= 0 {
		workerCount = 4 * runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		workerCount: workerCount,
		jobQueue:    make(chan Job, queueSize),
		shutdownTTL: shutdownTimeout,
	}
}

// Start spawns the worker goroutines. Safe to call multiple times.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		logger.Info("driver pool started: workers=%d", p.workerCount)
	})
}

// Stop closes the job queue and waits for in-flight drivers to finish, up
// to shutdownTimeout.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobQueue)

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()

		select {
		case <-done:
			logger.Info("driver pool stopped: all workers finished")
		case <-time.After(p.shutdownTTL):
			logger.Warn("driver pool stop timed out after %v", p.shutdownTTL)
		}
	})
}

// Submit enqueues a job. Returns false if the pool's buffer is full; in
// that case Submit runs the job on a goroutine of its own instead, since
// driver invocations are fire-and-forget and must not be silently dropped.
func (p *Pool) Submit(job Job) bool {
	select {
	case p.jobQueue <- job:
		return true
	default:
		logger.Warn("driver pool queue full, running %q on its own goroutine", job.Name)
		go job.Run()
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobQueue {
		job.Run()
	}
}
