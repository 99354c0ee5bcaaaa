package selector

import (
	"errors"
	"testing"

	"github.com/hestia-gateway/hestia/internal/config"
)

func newTestRegistry() *Registry {
	reg := NewRegistry()
	_ = reg.Register("load_balancer", NewLoadBalancerStrategy)
	_ = reg.Register("model_router", func() Strategy { return NewModelRouterStrategy(reg) })
	return reg
}

func TestRegistry_DuplicateRegistration_Errors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("x", NewLoadBalancerStrategy); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.Register("x", NewLoadBalancerStrategy); err == nil {
		t.Fatal("expected duplicate registration to error")
	}
}

func TestRegistry_Get_CachesInstance(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("load_balancer", NewLoadBalancerStrategy)

	first, ok := reg.Get("load_balancer")
	if !ok {
		t.Fatal("expected strategy to be found")
	}
	second, _ := reg.Get("load_balancer")
	if first != second {
		t.Fatal("expected cached instance on second Get")
	}
}

func TestSelector_Resolve_FallsThroughToBaseURL(t *testing.T) {
	sel := NewSelector(newTestRegistry())
	cfg := config.ServiceConfig{BaseURL: "http://upstream.local"}

	url, reason := sel.Resolve("svc", RequestContext{}, cfg)
	if url != "http://upstream.local" || reason != ReasonBaseURL {
		t.Fatalf("got (%q, %q), want (http://upstream.local, base_url)", url, reason)
	}
}

func TestSelector_Resolve_UsesLoadBalancerWhenInstancesConfigured(t *testing.T) {
	sel := NewSelector(newTestRegistry())
	cfg := config.ServiceConfig{
		BaseURL: "http://fallback.local",
		Instances: []config.Instance{
			{URL: "http://a.local"},
			{URL: "http://b.local"},
		},
	}

	url, reason := sel.Resolve("svc", RequestContext{}, cfg)
	if reason != ReasonLoadBalancer {
		t.Fatalf("expected load_balancer reason, got %q", reason)
	}
	if url != "http://a.local" && url != "http://b.local" {
		t.Fatalf("unexpected instance selected: %q", url)
	}
}

// Scenario 5: model router selection.
func TestModelRouter_RoutesByModel(t *testing.T) {
	reg := newTestRegistry()
	sel := NewSelector(reg)
	cfg := config.ServiceConfig{
		BaseURL:  "http://default.local",
		Strategy: "model_router",
		Routing: config.Routing{
			ByModel: map[string]string{
				"llama3":  "http://a.local",
				"mistral": "http://b.local",
			},
		},
	}
	reqCtx := RequestContext{Fields: map[string]string{"model": "llama3"}}

	url, reason := sel.Resolve("svc", reqCtx, cfg)
	if url != "http://a.local" {
		t.Fatalf("expected http://a.local, got %q", url)
	}
	if reason != "strategy:model_router" {
		t.Fatalf("expected strategy:model_router reason, got %q", reason)
	}
}

func TestModelRouter_DelegatesToLoadBalancerWhenUnmapped(t *testing.T) {
	reg := newTestRegistry()
	sel := NewSelector(reg)
	cfg := config.ServiceConfig{
		BaseURL:  "http://default.local",
		Strategy: "model_router",
		Routing: config.Routing{
			ByModel: map[string]string{"llama3": "http://a.local"},
		},
		Instances: []config.Instance{{URL: "http://c.local"}},
	}
	reqCtx := RequestContext{Fields: map[string]string{"model": "unknown-model"}}

	url, reason := sel.Resolve("svc", reqCtx, cfg)
	if url != "http://c.local" {
		t.Fatalf("expected delegation to load balancer instance, got %q", url)
	}
	if reason != "strategy:model_router" {
		t.Fatalf("expected strategy:model_router reason (selector sees the strategy's own resolved url), got %q", reason)
	}
}

// Scenario 6: health-tracked failover.
func TestLoadBalancer_FailoverAfterUnhealthy(t *testing.T) {
	lb := NewLoadBalancerStrategy().(*LoadBalancerStrategy)
	cfg := config.ServiceConfig{
		Instances: []config.Instance{
			{URL: "http://a.local"},
			{URL: "http://b.local"},
		},
	}
	lb.RegisterInstances("svc", cfg.Instances)

	first, _ := lb.RouteRequest("svc", RequestContext{}, cfg)
	if first != "http://a.local" {
		t.Fatalf("expected round robin to start at a.local, got %q", first)
	}

	lb.MarkInstanceUnhealthy("svc", "http://a.local", errors.New("503"))

	second, _ := lb.RouteRequest("svc", RequestContext{}, cfg)
	if second != "http://b.local" {
		t.Fatalf("expected failover to b.local after a.local marked unhealthy, got %q", second)
	}
}

func TestLoadBalancer_RegionalPreference(t *testing.T) {
	lb := NewLoadBalancerStrategy().(*LoadBalancerStrategy)
	cfg := config.ServiceConfig{
		Instances: []config.Instance{
			{URL: "http://us.local", Region: "us-east"},
			{URL: "http://eu.local", Region: "eu-west"},
		},
	}
	lb.RegisterInstances("svc", cfg.Instances)

	url, _ := lb.RouteRequest("svc", RequestContext{Fields: map[string]string{"user_region": "eu-west"}}, cfg)
	if url != "http://eu.local" {
		t.Fatalf("expected regional preference to select eu.local, got %q", url)
	}
}

func TestLoadBalancer_SoftFallbackWhenAllUnhealthy(t *testing.T) {
	lb := NewLoadBalancerStrategy().(*LoadBalancerStrategy)
	cfg := config.ServiceConfig{
		Instances: []config.Instance{
			{URL: "http://a.local"},
			{URL: "http://b.local"},
		},
	}
	lb.RegisterInstances("svc", cfg.Instances)
	lb.MarkInstanceUnhealthy("svc", "http://a.local", errors.New("boom"))
	lb.MarkInstanceUnhealthy("svc", "http://b.local", errors.New("boom"))

	url, ok := lb.RouteRequest("svc", RequestContext{}, cfg)
	if !ok || url != "http://a.local" {
		t.Fatalf("expected soft fallback to first instance, got (%q, %v)", url, ok)
	}
}
