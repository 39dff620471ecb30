package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/ratelimit"
)

// Factory builds a provider for one model of a service.
type Factory func(cfg Config) (Provider, error)

// Service describes an inference service: how to reach it and the limits it
// advertises.
type Service struct {
	// Name is the service id, the part of a resource id before the slash.
	Name string

	// Factory builds providers for the service.
	Factory Factory

	// EnvKey names the environment variable holding the API key. Empty
	// means the service needs no key.
	EnvKey string

	// Limits apply to every model without an entry in ModelLimits.
	Limits ratelimit.Limits

	// ModelLimits override Limits per model.
	ModelLimits map[string]ratelimit.Limits

	// Pricing applies to every model without an entry in ModelPricing.
	Pricing Pricing

	// ModelPricing overrides Pricing per model.
	ModelPricing map[string]Pricing
}

// Pricing is the price of tokens in US dollars per million.
type Pricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// Cost returns the price of the given token counts.
func (p Pricing) Cost(prompt, completion int) float64 {
	return (float64(prompt)*p.Prompt + float64(completion)*p.Completion) / 1e6
}

// LimitsFor returns the limits of one model.
func (s Service) LimitsFor(model string) ratelimit.Limits {
	if l, ok := s.ModelLimits[model]; ok {
		return l
	}
	return s.Limits
}

// PricingFor returns the pricing of one model.
func (s Service) PricingFor(model string) Pricing {
	if p, ok := s.ModelPricing[model]; ok {
		return p
	}
	return s.Pricing
}

// Registry maps service names to services. It is filled explicitly at
// start-up and implements ratelimit.LimitsSource for "service/model" ids.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// DefaultRegistry returns a registry with the built-in services.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []Service{
		{
			Name: "anthropic",
			Factory: func(cfg Config) (Provider, error) {
				return NewAnthropicProvider(cfg)
			},
			EnvKey:  "ANTHROPIC_API_KEY",
			Limits:  ratelimit.Limits{RPM: 4000, TPM: 400_000},
			Pricing: Pricing{Prompt: 3, Completion: 15},
			ModelPricing: map[string]Pricing{
				"claude-3-5-haiku-latest": {Prompt: 0.8, Completion: 4},
				"claude-opus-4-1":         {Prompt: 15, Completion: 75},
			},
		},
		{
			Name: "openai",
			Factory: func(cfg Config) (Provider, error) {
				return NewOpenAIProvider(cfg)
			},
			EnvKey:  "OPENAI_API_KEY",
			Limits:  ratelimit.Limits{RPM: 10_000, TPM: 2_000_000},
			Pricing: Pricing{Prompt: 2.5, Completion: 10},
			ModelPricing: map[string]Pricing{
				"gpt-4o-mini": {Prompt: 0.15, Completion: 0.6},
			},
		},
		{
			Name: "google",
			Factory: func(cfg Config) (Provider, error) {
				return NewGoogleProvider(cfg)
			},
			EnvKey:  "GOOGLE_API_KEY",
			Limits:  ratelimit.Limits{RPM: 1000, TPM: 1_000_000},
			Pricing: Pricing{Prompt: 0.1, Completion: 0.4},
		},
		{
			Name:    "test",
			Factory: NewTestProvider,
			Limits:  ratelimit.Limits{RPM: 10_000, TPM: 2_000_000},
		},
	} {
		// Built-in names are distinct.
		_ = r.Register(s)
	}
	return r
}

// Register adds a service. Names must be unique and non-empty.
func (r *Registry) Register(s Service) error {
	if s.Name == "" || strings.Contains(s.Name, "/") {
		return errors.InvalidInput(fmt.Sprintf("invalid service name %q", s.Name))
	}
	if s.Factory == nil {
		return errors.InvalidInput(fmt.Sprintf("service %s has no factory", s.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[s.Name]; exists {
		return errors.InvalidInput(fmt.Sprintf("service %s already registered", s.Name))
	}
	r.services[s.Name] = s
	return nil
}

// Lookup returns the named service.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	return s, ok
}

// Services returns every registered service sorted by name.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetLimits replaces the service-wide limits of a registered service.
func (r *Registry) SetLimits(name string, limits ratelimit.Limits) error {
	if limits.RPM <= 0 || limits.TPM <= 0 {
		return errors.InvalidInput(fmt.Sprintf("limits for %s must be positive", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return errors.NotFound(fmt.Sprintf("unknown service %s", name))
	}
	s.Limits = limits
	r.services[name] = s
	return nil
}

// SetPricing replaces the service-wide pricing of a registered service.
// Model overrides are dropped so the new prices apply to every model.
func (r *Registry) SetPricing(name string, p Pricing) error {
	if p.Prompt < 0 || p.Completion < 0 {
		return errors.InvalidInput(fmt.Sprintf("pricing for %s must not be negative", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return errors.NotFound(fmt.Sprintf("unknown service %s", name))
	}
	s.Pricing = p
	s.ModelPricing = nil
	r.services[name] = s
	return nil
}

// Pricing returns the pricing of a "service/model" resource. Unknown
// services report false.
func (r *Registry) Pricing(resource string) (Pricing, bool) {
	service, model, err := SplitResource(resource)
	if err != nil {
		return Pricing{}, false
	}
	s, ok := r.Lookup(service)
	if !ok {
		return Pricing{}, false
	}
	return s.PricingFor(model), true
}

// Limits implements ratelimit.LimitsSource. Resource ids have the form
// "service/model"; unknown services report false.
func (r *Registry) Limits(resource string) (ratelimit.Limits, bool) {
	service, model, err := SplitResource(resource)
	if err != nil {
		return ratelimit.Limits{}, false
	}
	s, ok := r.Lookup(service)
	if !ok {
		return ratelimit.Limits{}, false
	}
	l := s.LimitsFor(model)
	if l.RPM <= 0 || l.TPM <= 0 {
		return ratelimit.Limits{}, false
	}
	return l, true
}

// NewProvider builds the provider for a "service/model" resource id.
// cfg.Model is taken from the id.
func (r *Registry) NewProvider(resource string, cfg Config) (Provider, error) {
	service, model, err := SplitResource(resource)
	if err != nil {
		return nil, err
	}
	s, ok := r.Lookup(service)
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("unknown service %s", service), errors.WithResource(resource))
	}
	if s.EnvKey != "" && cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized,
			fmt.Sprintf("no API key for %s (set %s or add it to credentials.toml)", service, s.EnvKey),
			errors.WithResource(resource))
	}
	cfg.Model = model
	p, err := s.Factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "building provider", errors.WithResource(resource))
	}
	return p, nil
}

// Resource joins a service and model into a resource id.
func Resource(service, model string) string {
	return service + "/" + model
}

// SplitResource splits a "service/model" id. The model part may itself
// contain slashes.
func SplitResource(resource string) (service, model string, err error) {
	service, model, ok := strings.Cut(resource, "/")
	if !ok || service == "" || model == "" {
		return "", "", errors.InvalidInput(fmt.Sprintf("resource %q is not service/model", resource))
	}
	return service, model, nil
}
