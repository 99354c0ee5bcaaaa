// Package selector picks an upstream URL for a request: a named
// strategy, a round-robin load balancer over configured instances, or
// the service's plain base_url, in that order. Strategies register
// themselves into a Registry at process start via a typed interface
// instead of original_source/src/hestia/strategy_loader.py's
// importlib-based plugin directory scan, per the REDESIGN FLAG.
package selector

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/hestia-gateway/hestia/internal/config"
)

// RequestContext carries everything a strategy might need to make a
// routing decision: the inbound method/path/query/headers, the parsed
// body when present, and a flat Fields map for strategy-specific lookups
// (model, user_region) so strategies stay decoupled from the transport
// layer's request representation.
type RequestContext struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    interface{}
	Fields  map[string]string
}

// Strategy is the typed plugin contract. RouteRequest returns (url, true)
// on a match, or ("", false) to let the Selector fall through to the
// next resolution step.
type Strategy interface {
	Name() string
	RouteRequest(serviceID string, reqCtx RequestContext, cfg config.ServiceConfig) (string, bool)
}

// InstanceRegistrar is implemented by strategies that need to be told a
// service's configured instance list before routing (the load balancer).
// Registration is idempotent.
type InstanceRegistrar interface {
	RegisterInstances(serviceID string, instances []config.Instance)
}

// HealthTracker is implemented by strategies that can record per-attempt
// outcomes (the load balancer). The Proxy Pipeline calls this after every
// upstream attempt, including the fallback.
type HealthTracker interface {
	MarkInstanceHealthy(serviceID, instanceURL string)
	MarkInstanceUnhealthy(serviceID, instanceURL string, cause error)
}

// Registry is a process-wide, thread-safe name→factory→instance mapping.
// Instances are constructed lazily on first Get and cached thereafter.
// Duplicate registration under the same name is an error.
type Registry struct {
	mu        sync.Mutex
	factories map[string]func() Strategy
	instances map[string]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func() Strategy),
		instances: make(map[string]Strategy),
	}
}

// Register adds a named strategy factory. Returns an error if the name
// is already registered.
func (r *Registry) Register(name string, factory func() Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Get returns the named strategy, constructing and caching it on first
// use. The second return value is false if no factory was registered
// under that name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[name]; ok {
		return inst, true
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	inst := factory()
	r.instances[name] = inst
	return inst, true
}

// Names lists every registered strategy name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Reason tags the provenance of a resolved URL, reported as a
// routing-decision metric and log field.
type Reason string

const (
	ReasonLoadBalancer Reason = "load_balancer"
	ReasonBaseURL      Reason = "base_url"
)

func reasonForStrategy(name string) Reason {
	return Reason("strategy:" + name)
}

// Selector implements the three-step resolution order: named strategy,
// then load balancer over configured instances, then base_url.
type Selector struct {
	registry *Registry
}

// NewSelector wraps a Registry with the resolution-order policy.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// LoadBalancerIfRegistered returns the registered load_balancer
// strategy's HealthTracker surface, if one is registered and implements
// it. The Proxy Pipeline uses this to report per-attempt outcomes
// without needing to know which concrete strategy backs the name.
func (s *Selector) LoadBalancerIfRegistered() (HealthTracker, bool) {
	strat, ok := s.registry.Get("load_balancer")
	if !ok {
		return nil, false
	}
	tracker, ok := strat.(HealthTracker)
	return tracker, ok
}

// Resolve returns the chosen upstream URL and the reason it was chosen.
// It never errors: a service with no strategy, no instances, and an
// empty base_url is a configuration mistake caught earlier, not here.
func (s *Selector) Resolve(serviceID string, reqCtx RequestContext, cfg config.ServiceConfig) (string, Reason) {
	if cfg.Strategy != "" {
		if strat, ok := s.registry.Get(cfg.Strategy); ok {
			if url, matched := strat.RouteRequest(serviceID, reqCtx, cfg); matched && url != "" {
				return url, reasonForStrategy(cfg.Strategy)
			}
		}
	}

	if len(cfg.Instances) > 0 {
		if strat, ok := s.registry.Get("load_balancer"); ok {
			if registrar, ok := strat.(InstanceRegistrar); ok {
				registrar.RegisterInstances(serviceID, cfg.Instances)
			}
			if url, matched := strat.RouteRequest(serviceID, reqCtx, cfg); matched && url != "" {
				return url, ReasonLoadBalancer
			}
		}
	}

	return cfg.BaseURL, ReasonBaseURL
}
