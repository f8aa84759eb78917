package payment

import (
	"sort"

	"github.com/noah-isme/backend-farmstay/internal/resilience"
	"github.com/noah-isme/backend-farmstay/internal/routing"
)

// Registry maps routing channels to provider adapters and their breakers.
type Registry struct {
	providers map[ProviderName]Provider
	breakers  map[ProviderName]*resilience.Breaker
	channels  map[routing.Channel]ProviderName
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[ProviderName]Provider),
		breakers:  make(map[ProviderName]*resilience.Breaker),
		channels:  make(map[routing.Channel]ProviderName),
	}
}

// Register adds p as the handler for channels. breaker may be nil, in which
// case the channels always report full health.
func (r *Registry) Register(p Provider, breaker *resilience.Breaker, channels ...routing.Channel) {
	r.providers[p.Name()] = p
	if breaker != nil {
		r.breakers[p.Name()] = breaker
	}
	for _, ch := range channels {
		r.channels[ch] = p.Name()
	}
}

func (r *Registry) Provider(name ProviderName) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) ForChannel(ch routing.Channel) (Provider, bool) {
	name, ok := r.channels[ch]
	if !ok {
		return nil, false
	}
	return r.Provider(name)
}

// Channels lists registered channels in a stable order.
func (r *Registry) Channels() []routing.Channel {
	out := make([]routing.Channel, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Health reports per-channel health from breaker state. Channels without a
// registered provider report zero so the router never selects them.
func (r *Registry) Health() routing.Health {
	health := make(routing.Health, len(routing.AllChannels()))
	for _, ch := range routing.AllChannels() {
		name, ok := r.channels[ch]
		switch {
		case !ok:
			health[ch] = 0
		case r.breakers[name] != nil:
			health[ch] = r.breakers[name].Health()
		default:
			health[ch] = 1
		}
	}
	return health
}
