// Package credentials resolves per-owner provider keys and source-control tokens.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jxucoder/autopatch/internal/config"
)

// ErrMissing is returned when no credential is configured for a lookup.
var ErrMissing = errors.New("credential not configured")

// Store looks up decrypted credentials by owner.
type Store interface {
	// ProviderKey returns the API key for an agent provider ("anthropic", "openai").
	ProviderKey(ctx context.Context, ownerID, provider string) (string, error)
	// SourceControlToken returns the token used to clone, push and open PRs.
	SourceControlToken(ctx context.Context, ownerID string) (string, error)
}

// Static serves credentials from configuration, with per-owner overrides
// falling back to the global keys.
type Static struct {
	global config.OwnerCredentials
	owners map[string]config.OwnerCredentials
}

// FromConfig builds a Static store from loaded configuration.
func FromConfig(cfg *config.Config) *Static {
	return &Static{
		global: config.OwnerCredentials{
			GitHubToken:     cfg.GitHubToken,
			AnthropicAPIKey: cfg.AnthropicAPIKey,
			OpenAIAPIKey:    cfg.OpenAIAPIKey,
		},
		owners: cfg.Credentials,
	}
}

// ProviderKey implements Store.
func (s *Static) ProviderKey(_ context.Context, ownerID, provider string) (string, error) {
	owner := s.owners[ownerID]
	var key string
	switch provider {
	case "anthropic":
		key = firstNonEmpty(owner.AnthropicAPIKey, s.global.AnthropicAPIKey)
	case "openai":
		key = firstNonEmpty(owner.OpenAIAPIKey, s.global.OpenAIAPIKey)
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}
	if key == "" {
		return "", fmt.Errorf("%s key for owner %q: %w", provider, ownerID, ErrMissing)
	}
	return key, nil
}

// SourceControlToken implements Store.
func (s *Static) SourceControlToken(_ context.Context, ownerID string) (string, error) {
	token := firstNonEmpty(s.owners[ownerID].GitHubToken, s.global.GitHubToken)
	if token == "" {
		return "", fmt.Errorf("source-control token for owner %q: %w", ownerID, ErrMissing)
	}
	return token, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
