package service

import (
	"sort"
	"sync"

	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/reward"
)

// ScoringProvider is the capability slot for trust scoring. The full
// five-dimension engine and the degraded community configuration both
// satisfy it; which one serves is resolved once at construction via
// configuration, never by runtime environment scanning.
type ScoringProvider interface {
	RecordSignal(agent did.DID, dim reward.Dimension, value float64, metadata map[string]any) (*reward.TrustScore, error)
	Score(agent did.DID) *reward.TrustScore
	AgentsBelow(threshold float64) []did.DID
	RecomputeAll()
	Subscribe(obs reward.Observer) func()
	Threshold() float64
	HasDimension(dim reward.Dimension) bool
}

// Provider names known to a fresh registry.
const (
	ProviderFull      = "full"
	ProviderCommunity = "community"
)

// ProviderFactory builds a scoring provider.
type ProviderFactory func(opts ...reward.Option) (ScoringProvider, error)

// ProviderRegistry maps provider names to factories. Construct one, register
// any overrides, and resolve exactly once when building the service.
type ProviderRegistry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewProviderRegistry returns a registry with the built-in providers.
func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{factories: make(map[string]ProviderFactory)}
	r.Register(ProviderFull, func(opts ...reward.Option) (ScoringProvider, error) {
		return reward.New(reward.DefaultConfig(), opts...)
	})
	r.Register(ProviderCommunity, func(opts ...reward.Option) (ScoringProvider, error) {
		return reward.New(reward.CommunityConfig(), opts...)
	})
	return r
}

// Register adds or replaces a provider factory.
func (r *ProviderRegistry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Resolve builds the named provider.
func (r *ProviderRegistry) Resolve(name string, opts ...reward.Option) (ScoringProvider, error) {
	const op = "service.ProviderRegistry.Resolve"

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Ef(errs.KindGovernance, op, "unknown scoring provider %q (have %v)", name, r.Names())
	}
	return factory(opts...)
}

// Names lists registered providers, sorted.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
