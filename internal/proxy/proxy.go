// Package proxy implements the attempt loop that turns a resolved
// upstream URL into zero or more outbound HTTP calls: header hygiene,
// retries against transport errors and 5xx, exactly one fallback
// attempt, and the streaming-vs-buffer decision for transparent proxy
// responses. Grounded on the retry/fallback loop in
// original_source/src/hestia/app.py's transparent_proxy_get, generalized
// from a single GET to every verb and from one hard-coded service to the
// resolved-by-strategy URL, using the teacher's tuned http.Transport
// shape for the shared client.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/lifecycle"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/selector"
	"github.com/hestia-gateway/hestia/pkg/logger"
)

// ErrUnknownService mirrors lifecycle.ErrUnknownService for callers that
// only depend on this package.
var ErrUnknownService = errors.New("unknown service")

// ErrUpstreamUnavailable is returned when every primary attempt and the
// fallback attempt (if any) failed; callers surface this as 503.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// hopByHop is the set of headers stripped case-insensitively from both
// the outbound request and the inbound response, per the header
// discipline in §4.3. Header keys are compared via http.CanonicalHeaderKey
// so the set only needs the canonical spelling once.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
}

// FilterHeaders returns a copy of h with hop-by-hop headers removed.
func FilterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// streamableContentTypes are checked with strings.Contains against the
// response's content-type, matching §4.3.1.
var streamableContentTypes = []string{
	"text/event-stream",
	"application/octet-stream",
	"text/plain",
	"application/json",
}

// streamThreshold is the content-length above which a response streams
// regardless of content type.
const streamThreshold = 1 << 20 // 1 MiB

// shouldStream implements the §4.3.1 decision.
func shouldStream(contentType string, contentLength int64) bool {
	for _, ct := range streamableContentTypes {
		if strings.Contains(contentType, ct) {
			return true
		}
	}
	return contentLength > streamThreshold
}

// OutboundRequest is a transport-agnostic description of the call to
// forward, built by the façade from either the transparent-proxy route
// or the dispatcher envelope.
type OutboundRequest struct {
	Method  string
	Path    string
	RawPath string // already includes a leading "?query" when present, or ""
	Headers http.Header
	Body    []byte
	ReqCtx  selector.RequestContext
}

// UpstreamResult is what the Pipeline hands back to the façade to write
// onto the wire.
type UpstreamResult struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	BodyReader io.ReadCloser
	Stream     bool
}

// attemptTimeout bounds a single outbound call, independent of the
// client's queue deadline.
const attemptTimeout = 30 * time.Second

// Pipeline is the shared proxy engine used by both the transparent-proxy
// route and the dispatcher route.
type Pipeline struct {
	cfg       *config.Config
	selector  *selector.Selector
	lifecycle *lifecycle.Manager
	client    *http.Client
	sem       *semaphore.Weighted
}

// NewPipeline builds a Pipeline with a connection-pooled client tuned the
// way the teacher's worker.Pool and forwarder package tune theirs, and a
// golang.org/x/sync/semaphore.Weighted bounding total concurrent upstream
// attempts — the library the teacher's go.mod already names as a direct
// dependency but never imports.
func NewPipeline(cfg *config.Config, sel *selector.Selector, lm *lifecycle.Manager) *Pipeline {
	maxConc := int(cfg.MaxConcurrentUpstream)
	if maxConc <= 0 {
		maxConc = 10000
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          maxConc * 2,
		MaxIdleConnsPerHost:   maxConc,
		MaxConnsPerHost:       maxConc * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Pipeline{
		cfg:       cfg,
		selector:  sel,
		lifecycle: lm,
		client:    &http.Client{Transport: transport, Timeout: attemptTimeout},
		sem:       semaphore.NewWeighted(int64(maxConc)),
	}
}

// Close releases the pipeline's idle connections on shutdown.
func (p *Pipeline) Close() {
	p.client.CloseIdleConnections()
}

// Forward resolves an upstream URL via the Selector and runs the full
// attempt loop: N primary attempts, then exactly one fallback attempt on
// exhaustion. allowStream gates the streaming decision — the dispatcher
// route always passes false, per §4.3.1.
func (p *Pipeline) Forward(ctx context.Context, serviceID string, out OutboundRequest, allowStream bool) (*UpstreamResult, error) {
	svcCfg, ok := p.cfg.Services[serviceID]
	if !ok {
		return nil, ErrUnknownService
	}

	baseURL, reason := p.selector.Resolve(serviceID, out.ReqCtx, svcCfg)
	metrics.RoutingDecisions.WithLabelValues(serviceID, string(reason)).Inc()
	logger.Debug("service %s routed via %s to %s", serviceID, reason, baseURL)

	n := svcCfg.RetryCount
	if n < 1 {
		n = 1
	}
	delay := time.Duration(svcCfg.RetryDelayMS) * time.Millisecond

	var lastErr error
	for i := 0; i < n; i++ {
		result, err := p.attempt(ctx, serviceID, baseURL, out, allowStream)
		if err == nil && result.StatusCode < 500 {
			p.onSuccess(serviceID, baseURL)
			metrics.UpstreamAttempts.WithLabelValues(serviceID, "ok").Inc()
			return result, nil
		}
		if err == nil {
			err = statusError(result.StatusCode)
		}
		lastErr = err
		p.onFailure(serviceID, baseURL, err)
		metrics.UpstreamAttempts.WithLabelValues(serviceID, "retry").Inc()
		if i < n-1 && delay > 0 {
			time.Sleep(delay)
		}
	}

	logger.Warn("service %s: primary exhausted after %d attempts: %v", serviceID, n, lastErr)

	if svcCfg.FallbackURL != "" {
		result, err := p.attempt(ctx, serviceID, svcCfg.FallbackURL, out, allowStream)
		if err != nil {
			p.onFailure(serviceID, svcCfg.FallbackURL, err)
			metrics.UpstreamAttempts.WithLabelValues(serviceID, "fallback_failed").Inc()
			logger.Warn("service %s: fallback also failed: %v", serviceID, err)
			return nil, ErrUpstreamUnavailable
		}

		// The fallback response is authoritative regardless of status: only
		// a transport failure counts as "the fallback also failed".
		if result.StatusCode >= 500 {
			p.onFailure(serviceID, svcCfg.FallbackURL, statusError(result.StatusCode))
		} else {
			p.onSuccess(serviceID, svcCfg.FallbackURL)
		}
		metrics.UpstreamAttempts.WithLabelValues(serviceID, "fallback_ok").Inc()
		return result, nil
	}

	return nil, ErrUpstreamUnavailable
}

// attempt performs one outbound HTTP call against baseURL+path and hands
// back whatever status the upstream sent. err is non-nil only for a
// transport-level failure (dial, write, read); the caller decides how to
// treat a >= 500 status depending on whether this is a primary or
// fallback attempt.
func (p *Pipeline) attempt(ctx context.Context, serviceID, baseURL string, out OutboundRequest, allowStream bool) (*UpstreamResult, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	fullURL := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(out.Path, "/") + out.RawPath

	var bodyReader io.Reader
	if len(out.Body) > 0 {
		bodyReader = bytes.NewReader(out.Body)
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, fullURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header = FilterHeaders(out.Headers)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}

	headers := FilterHeaders(resp.Header)
	contentType := resp.Header.Get("Content-Type")

	// A 5xx is always buffered, even when it would otherwise stream: the
	// primary loop may discard this result to retry, and an unclaimed
	// BodyReader would never get its Close called.
	if allowStream && resp.StatusCode < 500 && shouldStream(contentType, resp.ContentLength) {
		return &UpstreamResult{
			StatusCode: resp.StatusCode,
			Headers:    headers,
			BodyReader: resp.Body,
			Stream:     true,
		}, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &UpstreamResult{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

func (p *Pipeline) onSuccess(serviceID, instanceURL string) {
	p.lifecycle.Touch(serviceID)
	if tracker := p.healthTracker(); tracker != nil {
		tracker.MarkInstanceHealthy(serviceID, instanceURL)
	}
}

func (p *Pipeline) onFailure(serviceID, instanceURL string, err error) {
	if tracker := p.healthTracker(); tracker != nil {
		tracker.MarkInstanceUnhealthy(serviceID, instanceURL, err)
	}
}

// healthTracker looks up the load_balancer strategy's health-reporting
// surface, if one is registered. Not every selector configuration uses a
// load balancer, so a miss here is normal, not an error.
func (p *Pipeline) healthTracker() selector.HealthTracker {
	strat, ok := p.selector.LoadBalancerIfRegistered()
	if !ok {
		return nil
	}
	return strat
}

type statusErr struct{ code int }

func (e statusErr) Error() string { return "upstream returned " + strconv.Itoa(e.code) }

func statusError(code int) error { return statusErr{code: code} }
