package selector

import "github.com/hestia-gateway/hestia/internal/config"

// ModelRouterStrategy maps a model name found in the request context to a
// configured URL via cfg.Routing.ByModel. When no explicit mapping
// matches, it delegates to the registry's load_balancer strategy if
// instances are configured, mirroring original_source's
// ModelRouterStrategy.route_request lazily resolving its load-balancer
// dependency through the registry rather than holding a direct
// reference.
type ModelRouterStrategy struct {
	registry *Registry
}

// NewModelRouterStrategy builds a model router bound to the registry it
// was registered into, so it can look up "load_balancer" on demand.
func NewModelRouterStrategy(registry *Registry) Strategy {
	return &ModelRouterStrategy{registry: registry}
}

func (m *ModelRouterStrategy) Name() string { return "model_router" }

func (m *ModelRouterStrategy) RouteRequest(serviceID string, reqCtx RequestContext, cfg config.ServiceConfig) (string, bool) {
	modelKey := cfg.Routing.ModelKey
	if modelKey == "" {
		modelKey = "model"
	}

	modelValue := reqCtx.Fields[modelKey]
	if modelValue == "" {
		modelValue = reqCtx.Fields["model"]
	}

	if modelValue != "" {
		if url, ok := cfg.Routing.ByModel[modelValue]; ok && url != "" {
			return url, true
		}
	}

	if len(cfg.Instances) == 0 {
		return "", false
	}

	lb, ok := m.registry.Get("load_balancer")
	if !ok {
		return "", false
	}
	if registrar, ok := lb.(InstanceRegistrar); ok {
		registrar.RegisterInstances(serviceID, cfg.Instances)
	}
	return lb.RouteRequest(serviceID, reqCtx, cfg)
}
