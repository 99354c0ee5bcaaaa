package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/driver"
	"github.com/hestia-gateway/hestia/internal/handler/http/gateway"
	"github.com/hestia-gateway/hestia/internal/handler/http/health"
	httpiface "github.com/hestia-gateway/hestia/internal/handler/http/interface"
	"github.com/hestia-gateway/hestia/internal/idle"
	"github.com/hestia-gateway/hestia/internal/lifecycle"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/proxy"
	"github.com/hestia-gateway/hestia/internal/queue"
	"github.com/hestia-gateway/hestia/internal/selector"
	"github.com/hestia-gateway/hestia/pkg/logger"
)

// App represents the application with its lifecycle management.
type App struct {
	config       *config.Config
	echo         *echo.Echo
	readiness    *atomic.Bool
	httpHandlers []httpiface.HttpRouter

	queue        *queue.RequestQueue
	driverPool   *driver.Pool
	lifecycleMgr *lifecycle.Manager
	selectorReg  *selector.Registry
	pipeline     *proxy.Pipeline
	idleMonitor  *idle.Monitor

	cancel context.CancelFunc
}

// NewApp creates a new App instance with the given configuration.
// Follows constructor injection pattern - all dependencies passed via parameters.
func NewApp(cfg *config.Config) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	app := &App{
		config:    cfg,
		echo:      e,
		readiness: atomic.NewBool(false),
	}

	return app
}

// injectDependency wires the lifecycle manager, request queue, strategy
// registry, proxy pipeline, idle monitor, and HTTP handlers together.
// This centralizes component construction so Run stays a pure lifecycle.
func (a *App) injectDependency() {
	shutdownTimeout := time.Duration(a.config.ShutdownTimeoutSeconds) * time.Second

	a.queue = queue.New()
	a.driverPool = driver.NewPool(4*len(a.config.Services)+4, 1024, shutdownTimeout)
	a.lifecycleMgr = lifecycle.NewManager(a.config, a.queue, a.driverPool)

	a.selectorReg = selector.NewRegistry()
	if err := a.selectorReg.Register("load_balancer", func() selector.Strategy {
		return selector.NewLoadBalancerStrategy()
	}); err != nil {
		logger.Error("failed to register load_balancer strategy: %v", err)
	}
	if err := a.selectorReg.Register("model_router", func() selector.Strategy {
		return selector.NewModelRouterStrategy(a.selectorReg)
	}); err != nil {
		logger.Error("failed to register model_router strategy: %v", err)
	}
	sel := selector.NewSelector(a.selectorReg)

	a.pipeline = proxy.NewPipeline(a.config, sel, a.lifecycleMgr)
	a.idleMonitor = idle.NewMonitor(a.config, a.lifecycleMgr, a.driverPool, nil)

	a.httpHandlers = []httpiface.HttpRouter{
		health.NewHealthHandler(a.readiness),
		gateway.New(a.config, a.lifecycleMgr, a.queue, a.pipeline),
	}
}

// preProcess is called before server starts.
// Use this hook for initialization tasks that need to happen before accepting traffic.
func (a *App) preProcess() {
	logger.Info("Preparing to start server...")

	a.driverPool.Start()
	a.idleMonitor.Start()
}

// postProcess is called after shutdown signal is received.
// Use this hook for cleanup tasks before graceful shutdown begins.
func (a *App) postProcess() {
	logger.Info("Shutting down gracefully...")
}

// Run starts the Echo server and handles graceful shutdown.
// This implements the full lifecycle: startup -> run -> graceful shutdown.
func (a *App) Run() error {
	_, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.injectDependency()
	a.preProcess()

	go func() {
		e := a.echo
		addr := fmt.Sprintf(":%d", a.config.ServerPort)

		// 1. CORS middleware, must run before auth/validation to handle preflight.
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     a.config.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions},
			AllowHeaders:     []string{"Content-Type", "Content-Encoding", "X-Client-Id", "Authorization", "Accept", "Origin", "User-Agent", "Traceparent", "Baggage", "X-Requested-With"},
			AllowCredentials: true,
		}))

		// 2. Body size limit middleware, protects against memory exhaustion.
		limit := fmt.Sprintf("%dM", a.config.MaxRequestSizeMB)
		e.Use(middleware.BodyLimit(limit))

		// 3. Logging
		e.Use(middleware.Logger())

		// 4. Panic recovery
		e.Use(middleware.Recover())

		// 5. Readiness gate: rejects new traffic once shutdown has started,
		// except for health/metrics endpoints.
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				if !a.readiness.Load() {
					p := c.Request().URL.Path
					if p != "/healthz" && p != "/readyz" && p != "/metrics" {
						logger.Info("readiness=false: reject new request path=%s", p)
						return c.NoContent(http.StatusServiceUnavailable)
					}
				}
				return next(c)
			}
		})

		// 6. Prometheus metrics middleware and endpoint.
		e.Use(echoprometheus.NewMiddleware("hestia_gateway"))
		e.GET("/metrics", echoprometheus.NewHandler())

		// 7. Update per-service queue depth gauges on each request.
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				for serviceID := range a.config.Services {
					metrics.QueueDepthGauge.WithLabelValues(serviceID).Set(float64(a.queue.Pending(serviceID)))
				}
				return next(c)
			}
		})

		// 8. Setup all handler routes.
		for _, handler := range a.httpHandlers {
			handler.SetupRoutes(e)
		}

		logger.Info("Starting Hestia gateway on %s", addr)

		a.readiness.Store(true)

		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	logger.Info("Server ready. Waiting for interrupt signal...")
	<-quit

	a.postProcess()

	// Step 1: stop accepting new traffic.
	a.readiness.Store(false)
	drainDuration := time.Duration(a.config.ShutdownDrainSeconds) * time.Second
	logger.Info("readiness=false: start drain window duration=%v", drainDuration)

	// Step 2: drain period, lets load balancers detect the unhealthy state.
	time.Sleep(drainDuration)

	// Step 3: stop background components.
	logger.Info("Stopping idle monitor and driver pool...")
	a.idleMonitor.Stop()
	a.driverPool.Stop()
	a.pipeline.Close()

	// Step 4: shutdown Echo server with timeout.
	shutdownTimeout := time.Duration(a.config.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down Echo server...")
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
		a.cancel()
		return err
	}

	a.cancel()

	logger.Info("Server stopped gracefully")
	return nil
}
