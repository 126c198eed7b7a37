package llm

import (
	"fmt"

	"quill-ai/internal/domain"
	"quill-ai/internal/infra/config"
)

// ProviderRegistry holds the builtin provider definitions in declared
// order and maps each resolved target onto a Protocol implementation.
// It is immutable after construction and safe for concurrent use.
type ProviderRegistry struct {
	providers []config.ProviderConfig
	byID      map[string]int
	protocols map[config.ProtocolType]Protocol
	oauth     Protocol
}

// NewProviderRegistry builds a registry from provider definitions.
// oauthProtocol handles providers reached through an OAuth session
// (the Codex responses protocol for openai).
func NewProviderRegistry(providers []config.ProviderConfig, oauthProtocol Protocol) *ProviderRegistry {
	r := &ProviderRegistry{
		providers: providers,
		byID:      make(map[string]int, len(providers)),
		protocols: make(map[config.ProtocolType]Protocol),
		oauth:     oauthProtocol,
	}
	for i, p := range providers {
		r.byID[p.ID] = i
	}
	return r
}

// RegisterProtocol binds a wire protocol implementation for non-OAuth
// targets. Call during setup, before the registry is shared.
func (r *ProviderRegistry) RegisterProtocol(t config.ProtocolType, p Protocol) {
	r.protocols[t] = p
}

// Provider returns the provider definition for id.
func (r *ProviderRegistry) Provider(id string) (config.ProviderConfig, bool) {
	i, ok := r.byID[id]
	if !ok {
		return config.ProviderConfig{}, false
	}
	return r.providers[i], true
}

// Providers returns the providers in declared order. Callers must not
// mutate the returned slice.
func (r *ProviderRegistry) Providers() []config.ProviderConfig {
	return r.providers
}

// ProtocolFor selects the protocol for a provider. useOAuth switches
// OAuth-capable providers onto the OAuth protocol; everything else
// dispatches on the provider's declared protocol type.
func (r *ProviderRegistry) ProtocolFor(provider config.ProviderConfig, useOAuth bool) (Protocol, error) {
	if useOAuth && provider.SupportsOAuth && r.oauth != nil {
		return r.oauth, nil
	}
	if p, ok := r.protocols[provider.Protocol]; ok {
		return p, nil
	}
	return nil, domain.WrapOp(
		fmt.Sprintf("protocol for provider %s", provider.ID),
		domain.ErrProtocolNotFound,
	)
}
