package llm

import (
	"context"
	"sync"

	"quill-ai/internal/infra/config"
)

// StaticCredentials is an in-memory CredentialSource backed by plain
// maps. The desktop shell feeds it from its secret store; tests feed it
// literals. All methods are safe for concurrent use.
type StaticCredentials struct {
	mu       sync.RWMutex
	apiKeys  map[string]string
	oauth    map[string]string
	accounts map[string]string
}

// NewStaticCredentials creates an empty credential store.
func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{
		apiKeys:  make(map[string]string),
		oauth:    make(map[string]string),
		accounts: make(map[string]string),
	}
}

// SetAPIKey stores an API key for a provider.
func (s *StaticCredentials) SetAPIKey(providerID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[providerID] = key
}

// SetOAuthToken stores an OAuth token for a provider.
func (s *StaticCredentials) SetOAuthToken(providerID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauth[providerID] = token
}

// SetAccountID stores the upstream account id tied to a provider's OAuth
// session.
func (s *StaticCredentials) SetAccountID(providerID, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[providerID] = accountID
}

// Credential implements CredentialSource. The API key wins when both an
// API key and an OAuth token exist.
func (s *StaticCredentials) Credential(_ context.Context, provider config.ProviderConfig) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key := s.apiKeys[provider.ID]; key != "" {
		return key, nil
	}
	return s.oauth[provider.ID], nil
}

// HasOAuthToken implements CredentialSource.
func (s *StaticCredentials) HasOAuthToken(_ context.Context, providerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oauth[providerID] != "", nil
}

// AccountID implements CredentialSource.
func (s *StaticCredentials) AccountID(_ context.Context, providerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[providerID], nil
}

// APIKeys implements CredentialSource.
func (s *StaticCredentials) APIKeys(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.apiKeys))
	for k, v := range s.apiKeys {
		out[k] = v
	}
	return out, nil
}

// OAuthTokens implements CredentialSource.
func (s *StaticCredentials) OAuthTokens(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.oauth))
	for k, v := range s.oauth {
		out[k] = v
	}
	return out, nil
}

var _ CredentialSource = (*StaticCredentials)(nil)
