package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitpulse.dev/indexer/forge"
)

func TestNewBrokerRejectsMalformedPrivateKey(t *testing.T) {
	_, err := NewBroker(BrokerConfig{
		AppID:            "1234",
		AppPrivateKeyPEM: []byte("not a pem block"),
	}, forge.NewClient("", nil))

	assert.Error(t, err)
}

func TestResolveFallsThroughToUserOAuthToken(t *testing.T) {
	broker, err := NewBroker(BrokerConfig{
		UserOAuthToken: "user-token-123",
	}, forge.NewClient("", nil))
	require.NoError(t, err)

	tok, err := broker.Resolve(context.Background(), "acme", ScopePrivateRepos)

	require.NoError(t, err)
	assert.Equal(t, "user-token-123", tok.Value)
}

func TestResolveEnforcesScopesWhenConfigured(t *testing.T) {
	broker, err := NewBroker(BrokerConfig{
		UserOAuthToken:  "user-token-123",
		UserOAuthScopes: []string{"public_repo"},
		EnforceScopes:   true,
	}, forge.NewClient("", nil))
	require.NoError(t, err)

	_, err = broker.Resolve(context.Background(), "acme", ScopePrivateRepos)

	assert.Error(t, err)
}

func TestResolveFallsThroughToOAuthAppTokenForPublicScopesOnly(t *testing.T) {
	broker, err := NewBroker(BrokerConfig{
		OAuthAppToken: "app-token-456",
	}, forge.NewClient("", nil))
	require.NoError(t, err)

	tok, err := broker.Resolve(context.Background(), "acme", ScopePublicRepos)
	require.NoError(t, err)
	assert.Equal(t, "app-token-456", tok.Value)

	_, err = broker.Resolve(context.Background(), "acme", ScopePrivateRepos)
	assert.Error(t, err)
}

func TestResolveReturnsErrNoCredentialsWhenNothingConfigured(t *testing.T) {
	broker, err := NewBroker(BrokerConfig{}, forge.NewClient("", nil))
	require.NoError(t, err)

	_, err = broker.Resolve(context.Background(), "acme", ScopeBasic)

	assert.ErrorIs(t, err, ErrNoCredentialsAvail)
}

func TestScopesSatisfy(t *testing.T) {
	assert.True(t, scopesSatisfy([]string{"repo", "read:org"}, []string{"repo"}))
	assert.False(t, scopesSatisfy([]string{"public_repo"}, []string{"repo"}))
	assert.True(t, scopesSatisfy(nil, nil))
}
