package llm

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"quill-ai/internal/domain"
	"quill-ai/internal/infra/config"
)

// FallbackStrategy selects how the resolver picks a model when the
// preferred one is unavailable.
type FallbackStrategy int

const (
	// AnyAvailable picks the first available model by display name.
	AnyAvailable FallbackStrategy = iota
	// Compaction picks the largest-context model, cheapest input price
	// breaking ties. Used for history-compaction requests that need room
	// over quality.
	Compaction
)

// Resolver turns model identifiers into concrete model@provider targets
// using the models configuration, the provider registry, and whatever
// credentials the user has stored. It holds no mutable state; every call
// re-reads credentials so newly added keys take effect immediately.
type Resolver struct {
	registry *ProviderRegistry
	creds    CredentialSource
	models   config.ModelsConfig
	custom   map[string]config.CustomProviderConfig
	logger   *slog.Logger
}

// NewResolver creates a resolver. custom may be nil; logger may be nil.
func NewResolver(
	registry *ProviderRegistry,
	creds CredentialSource,
	models config.ModelsConfig,
	custom map[string]config.CustomProviderConfig,
	logger *slog.Logger,
) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: registry,
		creds:    creds,
		models:   models,
		custom:   custom,
		logger:   logger,
	}
}

// mergedCredentials overlays OAuth tokens under API keys: when a provider
// has both, the API key wins.
func (r *Resolver) mergedCredentials(ctx context.Context) (map[string]string, error) {
	apiKeys, err := r.creds.APIKeys(ctx)
	if err != nil {
		return nil, domain.WrapOp("load api keys", err)
	}
	oauthTokens, err := r.creds.OAuthTokens(ctx)
	if err != nil {
		return nil, domain.WrapOp("load oauth tokens", err)
	}
	merged := make(map[string]string, len(apiKeys)+len(oauthTokens))
	for id, key := range apiKeys {
		merged[id] = key
	}
	for id, token := range oauthTokens {
		if _, exists := merged[id]; !exists {
			merged[id] = token
		}
	}
	return merged, nil
}

// providerAvailable reports whether a provider can serve requests given
// the merged credential map. Custom providers need enabled plus a key.
// Builtin AuthNone providers are free, except the local daemons ollama
// and lmstudio which require the explicit "enabled" marker so a stopped
// daemon does not silently absorb fallback traffic. AuthManaged providers
// carry their own token and are always available.
func (r *Resolver) providerAvailable(providerID string, creds map[string]string) bool {
	if custom, ok := r.custom[providerID]; ok {
		return custom.Enabled && strings.TrimSpace(custom.APIKey) != ""
	}

	provider, ok := r.registry.Provider(providerID)
	if !ok {
		return false
	}

	switch provider.AuthType {
	case config.AuthNone:
		if providerID == "ollama" || providerID == "lmstudio" {
			return creds[providerID] == "enabled"
		}
		return true
	case config.AuthManaged:
		return true
	}

	return strings.TrimSpace(creds[providerID]) != ""
}

// ComputeAvailableModels projects the model catalog against credential
// presence: every model × provider pair the user can stream against now,
// deduped and sorted by display name.
func (r *Resolver) ComputeAvailableModels(ctx context.Context) ([]domain.AvailableModel, error) {
	creds, err := r.mergedCredentials(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var result []domain.AvailableModel

	add := func(modelKey string, modelCfg config.ModelConfig, providerID, providerName string) {
		dedupKey := modelKey + "-" + providerID
		if _, dup := seen[dedupKey]; dup {
			return
		}
		seen[dedupKey] = struct{}{}
		var pricing *string
		if modelCfg.Pricing != nil {
			input := modelCfg.Pricing.Input
			pricing = &input
		}
		result = append(result, domain.AvailableModel{
			Key:          modelKey,
			Name:         modelCfg.Name,
			Provider:     providerID,
			ProviderName: providerName,
			ImageInput:   modelCfg.ImageInput,
			ImageOutput:  modelCfg.ImageOutput,
			AudioInput:   modelCfg.AudioInput,
			VideoInput:   modelCfg.VideoInput,
			InputPricing: pricing,
		})
	}

	for modelKey, modelCfg := range r.models.Models {
		for _, providerID := range modelCfg.Providers {
			if !r.providerAvailable(providerID, creds) {
				continue
			}
			if provider, ok := r.registry.Provider(providerID); ok {
				add(modelKey, modelCfg, providerID, provider.Name)
			} else if custom, ok := r.custom[providerID]; ok {
				add(modelKey, modelCfg, providerID, custom.Name)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		if result[i].Key != result[j].Key {
			return result[i].Key < result[j].Key
		}
		return result[i].Provider < result[j].Provider
	})
	return result, nil
}

// GetModelProvider splits a model identifier into (modelKey, providerID).
// "key@provider" passes through. A bare known key walks the model's
// declared provider list in order and takes the first available one. An
// unknown key falls back to registry order, then to any enabled custom
// provider.
func (r *Resolver) GetModelProvider(identifier string, creds map[string]string) (string, string, error) {
	if key, providerID, found := strings.Cut(identifier, "@"); found {
		return key, providerID, nil
	}

	if modelCfg, known := r.models.Models[identifier]; known {
		for _, providerID := range modelCfg.Providers {
			if r.providerAvailable(providerID, creds) {
				return identifier, providerID, nil
			}
		}
		return "", "", domain.NewDomainError("resolve provider", domain.ErrNoAvailableModel, identifier)
	}

	for _, provider := range r.registry.Providers() {
		if r.providerAvailable(provider.ID, creds) {
			return identifier, provider.ID, nil
		}
	}
	for providerID, custom := range r.custom {
		if custom.Enabled {
			return identifier, providerID, nil
		}
	}

	return "", "", domain.NewDomainError("resolve provider", domain.ErrNoAvailableModel, identifier)
}

// ResolveModelAndProvider splits a model identifier into (modelKey,
// providerID) against freshly loaded credentials.
func (r *Resolver) ResolveModelAndProvider(ctx context.Context, identifier string) (string, string, error) {
	creds, err := r.mergedCredentials(ctx)
	if err != nil {
		return "", "", err
	}
	return r.GetModelProvider(identifier, creds)
}

// ResolveModelIdentifier resolves the preferred identifier to a concrete
// "key@provider" target, falling back per strategy when the preferred
// model is missing or unavailable.
func (r *Resolver) ResolveModelIdentifier(ctx context.Context, preferred string, strategy FallbackStrategy) (string, error) {
	if preferred != "" {
		resolved, ok, err := r.tryResolve(ctx, preferred)
		if err != nil {
			return "", err
		}
		if ok {
			return resolved, nil
		}
		r.logger.Warn("preferred model unavailable, falling back", "model", preferred)
	}

	switch strategy {
	case Compaction:
		return r.resolveCompaction(ctx)
	default:
		return r.resolveAnyAvailable(ctx)
	}
}

func (r *Resolver) tryResolve(ctx context.Context, identifier string) (string, bool, error) {
	creds, err := r.mergedCredentials(ctx)
	if err != nil {
		return "", false, err
	}

	if _, known := r.models.Models[identifier]; known {
		key, providerID, err := r.GetModelProvider(identifier, creds)
		if err != nil {
			return "", false, nil
		}
		return key + "@" + providerID, true, nil
	}

	if key, providerID, found := strings.Cut(identifier, "@"); found {
		_, knownModel := r.models.Models[key]
		_, knownProvider := r.registry.Provider(providerID)
		if knownModel && knownProvider {
			return key + "@" + providerID, true, nil
		}
		return "", false, nil
	}

	return "", false, nil
}

func (r *Resolver) resolveAnyAvailable(ctx context.Context) (string, error) {
	available, err := r.ComputeAvailableModels(ctx)
	if err != nil {
		return "", err
	}
	if len(available) == 0 {
		return "", domain.NewDomainError("resolve model", domain.ErrNoAvailableModel, "no provider has credentials")
	}
	return available[0].Key + "@" + available[0].Provider, nil
}

func (r *Resolver) resolveCompaction(ctx context.Context) (string, error) {
	available, err := r.ComputeAvailableModels(ctx)
	if err != nil {
		return "", err
	}

	candidates := make([]domain.ModelFallbackInfo, 0, len(available))
	for _, model := range available {
		contextLength := 0
		if cfg, ok := r.models.Models[model.Key]; ok {
			contextLength = cfg.ContextLength
		}
		inputPrice := math.Inf(1)
		if model.InputPricing != nil {
			if parsed, err := strconv.ParseFloat(*model.InputPricing, 64); err == nil {
				inputPrice = parsed
			}
		}
		candidates = append(candidates, domain.ModelFallbackInfo{
			ModelKey:      model.Key,
			ProviderID:    model.Provider,
			ContextLength: contextLength,
			InputPrice:    inputPrice,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ContextLength != candidates[j].ContextLength {
			return candidates[i].ContextLength > candidates[j].ContextLength
		}
		return candidates[i].InputPrice < candidates[j].InputPrice
	})

	if len(candidates) == 0 {
		return "", domain.NewDomainError("resolve compaction model", domain.ErrNoAvailableModel, "no provider has credentials")
	}
	return candidates[0].ModelKey + "@" + candidates[0].ProviderID, nil
}

// ResolveProviderModelName maps a model key to the provider's upstream
// model name via provider_mappings, falling back to the key itself.
func (r *Resolver) ResolveProviderModelName(modelKey, providerID string) string {
	if cfg, ok := r.models.Models[modelKey]; ok {
		if mapped, ok := cfg.ProviderMappings[providerID]; ok {
			return mapped
		}
	}
	return modelKey
}
