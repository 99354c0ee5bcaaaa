// Package gateway implements the Router Façade: the four HTTP surface
// endpoints named in §4.6, translating echo.Context into calls against
// the lifecycle manager, request queue, and proxy pipeline, and
// formatting their results back onto the wire. Grounded on the teacher's
// internal/handler/http/proxy package for handler/route separation and
// header-copy style, generalized from a single OTLP target to a
// service-id-addressed gateway.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hestia-gateway/hestia/internal/lifecycle"
	"github.com/hestia-gateway/hestia/internal/proxy"
	"github.com/hestia-gateway/hestia/internal/queue"
	"github.com/hestia-gateway/hestia/internal/selector"
	"github.com/hestia-gateway/hestia/pkg/logger"

	"github.com/hestia-gateway/hestia/internal/config"
)

// streamChunkSize is the buffer size used when copying a streamed
// upstream response, per §4.3.1.
const streamChunkSize = 8 * 1024

// errorBody is the well-formed JSON body of the façade's 400, 404 and 503
// responses (HandleStart answers with a {message} body instead). Queue
// overflow, queue timeout, and upstream exhaustion all produce the same
// 503 body, so they are indistinguishable on the wire, per §4.6.
type errorBody struct {
	Error string `json:"error"`
}

// Handler wires the lifecycle manager, request queue, and proxy pipeline
// into the façade's four HTTP entry points.
type Handler struct {
	cfg       *config.Config
	lifecycle *lifecycle.Manager
	queue     *queue.RequestQueue
	pipeline  *proxy.Pipeline
}

// New builds a façade Handler over the given components.
func New(cfg *config.Config, lm *lifecycle.Manager, q *queue.RequestQueue, p *proxy.Pipeline) *Handler {
	return &Handler{cfg: cfg, lifecycle: lm, queue: q, pipeline: p}
}

// awaitReady ensures the service is starting (claiming the StartupFlag on
// first arrival) and, if it isn't already hot, queues the caller and
// blocks until startup resolves one way or the other. Returns false with
// a response already written if the wait ended in anything but release.
func (h *Handler) awaitReady(c echo.Context, serviceID string, svcCfg config.ServiceConfig) (bool, error) {
	if h.lifecycle.IsReady(serviceID) {
		return true, nil
	}

	if _, err := h.lifecycle.EnsureStarting(serviceID); err != nil {
		return false, err
	}

	if h.lifecycle.IsReady(serviceID) {
		return true, nil
	}

	timeout := time.Duration(svcCfg.RequestTimeoutSeconds) * time.Second
	entry, err := h.queue.Queue(serviceID, svcCfg.QueueSize, timeout)
	if err != nil {
		return false, c.JSON(http.StatusServiceUnavailable, errorBody{Error: "Service unavailable"})
	}

	// Startup may have finished between the readiness check above and the
	// enqueue, after its release broadcast; release such a late waiter now
	// instead of leaving it to time out.
	if h.lifecycle.IsReady(serviceID) {
		h.queue.ReleaseAll(serviceID, nil)
	}

	outcome := entry.Wait()
	if outcome.Kind != queue.Released {
		return false, c.JSON(http.StatusServiceUnavailable, errorBody{Error: "Service unavailable"})
	}
	return true, nil
}

// HandleStatus implements GET /v1/services/{id}/status.
func (h *Handler) HandleStatus(c echo.Context) error {
	serviceID := c.Param("id")
	status, err := h.lifecycle.Status(c.Request().Context(), serviceID)
	if errors.Is(err, lifecycle.ErrUnknownService) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "unknown service"})
	}
	if err != nil {
		logger.Error("status lookup failed for %s: %v", serviceID, err)
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "Service unavailable"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"serviceId":    serviceID,
		"state":        status.State,
		"machineId":    status.MachineID,
		"readiness":    status.Readiness,
		"queuePending": status.QueuePending,
	})
}

// HandleStart implements POST /v1/services/{id}/start.
func (h *Handler) HandleStart(c echo.Context) error {
	serviceID := c.Param("id")
	result, err := h.lifecycle.ProactiveStart(serviceID)
	if errors.Is(err, lifecycle.ErrUnknownService) {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "unknown service"})
	}
	if err != nil {
		logger.Error("proactive start failed for %s: %v", serviceID, err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"message": "Service unavailable"})
	}

	switch result {
	case lifecycle.StartedAccepted:
		return c.JSON(http.StatusAccepted, map[string]string{"message": "starting"})
	case lifecycle.ConflictAlreadyRunning:
		return c.JSON(http.StatusConflict, map[string]string{"message": "already running"})
	default:
		return c.JSON(http.StatusConflict, map[string]string{"message": "already starting"})
	}
}

// HandleTransparentProxy implements ANY /services/{id}/{path*}.
func (h *Handler) HandleTransparentProxy(c echo.Context) error {
	serviceID := c.Param("id")
	restPath := c.Param("*")

	svcCfg, ok := h.cfg.Services[serviceID]
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody{Error: "unknown service"})
	}

	if ok, err := h.awaitReady(c, serviceID, svcCfg); !ok {
		return err
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	rawQuery := ""
	if q := c.Request().URL.RawQuery; q != "" {
		rawQuery = "?" + q
	}

	reqCtx := selector.RequestContext{
		Method:  c.Request().Method,
		Path:    restPath,
		Query:   c.Request().URL.Query(),
		Headers: c.Request().Header,
		Fields:  proxy.ParseTransparentFields(c.Request().Header, c.Request().URL.Query(), body, svcCfg.Routing.ModelKey),
	}

	out := proxy.OutboundRequest{
		Method:  c.Request().Method,
		Path:    restPath,
		RawPath: rawQuery,
		Headers: c.Request().Header,
		Body:    body,
		ReqCtx:  reqCtx,
	}

	result, err := h.pipeline.Forward(c.Request().Context(), serviceID, out, true)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "Service unavailable"})
	}

	for k, values := range result.Headers {
		for _, v := range values {
			c.Response().Header().Add(k, v)
		}
	}

	if result.Stream {
		defer result.BodyReader.Close()
		c.Response().WriteHeader(result.StatusCode)
		buf := make([]byte, streamChunkSize)
		for {
			n, readErr := result.BodyReader.Read(buf)
			if n > 0 {
				if _, werr := c.Response().Write(buf[:n]); werr != nil {
					return nil
				}
				c.Response().Flush()
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				logger.Warn("stream copy for %s interrupted: %v", serviceID, readErr)
				break
			}
		}
		return nil
	}

	return c.Blob(result.StatusCode, result.Headers.Get("Content-Type"), result.Body)
}

// HandleDispatch implements POST /v1/requests.
func (h *Handler) HandleDispatch(c echo.Context) error {
	var req proxy.DispatchRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	svcCfg, ok := h.cfg.Services[req.ServiceID]
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody{Error: "unknown service"})
	}

	if ok, err := h.awaitReady(c, req.ServiceID, svcCfg); !ok {
		return err
	}

	out, err := proxy.BuildOutbound(req, svcCfg.Routing.ModelKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	result, err := h.pipeline.Forward(c.Request().Context(), req.ServiceID, out, false)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "Service unavailable"})
	}

	return c.JSON(http.StatusOK, proxy.BuildEnvelope(result))
}
