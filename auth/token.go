// Package auth implements the token broker (§6): the component that turns
// a repository owner login into a short-lived forge credential, preferring
// a GitHub App installation token, falling back to a user OAuth token, and
// finally an OAuth-app client secret usable only for public repositories.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gitpulse.dev/indexer/forge"
)

// Scope is one of the operation-level permission buckets an indexing run
// can require. It is deliberately coarser than a raw GitHub OAuth scope
// string so pipelines can ask for "what they need" without knowing the
// forge's scope vocabulary.
type Scope string

const (
	ScopeBasic         Scope = "basic"
	ScopePublicRepos   Scope = "public_repos"
	ScopePrivateRepos  Scope = "private_repos"
	ScopeUserInfo      Scope = "user_info"
	ScopeOrgAccess     Scope = "org_access"
	ScopeCodeScanning  Scope = "code_scanning"
	ScopeFullAccess    Scope = "full_access"
)

// oauthScopesFor is the closed mapping from a Scope to the concrete OAuth
// scope strings the forge expects, used only when enforcement is on and a
// request is about to fall back to a user OAuth token.
var oauthScopesFor = map[Scope][]string{
	ScopeBasic:        {},
	ScopePublicRepos:  {"public_repo"},
	ScopePrivateRepos: {"repo"},
	ScopeUserInfo:     {"user:email"},
	ScopeOrgAccess:    {"read:org"},
	ScopeCodeScanning: {"security_events"},
	ScopeFullAccess:   {"repo", "user:email", "read:org"},
}

// BrokerConfig configures the three credential tiers. Any subset may be
// left zero-valued; the broker falls through to the next configured tier.
type BrokerConfig struct {
	// AppID and AppPrivateKeyPEM configure the installation-token tier.
	AppID          string
	AppPrivateKeyPEM []byte

	// UserOAuthToken and UserOAuthScopes configure the user-token tier.
	UserOAuthToken  string
	UserOAuthScopes []string

	// OAuthAppToken configures the public-repos-only fallback tier.
	OAuthAppToken string

	// EnforceScopes gates the user-token tier on UserOAuthScopes actually
	// covering the requested Scope. Off by default: most deployments trust
	// whatever scopes the operator granted the OAuth app out of band.
	EnforceScopes bool
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Broker resolves a (owner, scope) pair to a usable forge.Token, caching
// installation tokens in memory until they are within a minute of expiry.
type Broker struct {
	cfg    BrokerConfig
	client *forge.Client
	key    *rsa.PrivateKey // parsed once, nil if no app configured

	mu    sync.Mutex
	cache map[int64]cachedToken
}

// NewBroker builds a token broker against client using cfg's credential
// tiers. A malformed AppPrivateKeyPEM is an error at construction time
// rather than at first use.
func NewBroker(cfg BrokerConfig, client *forge.Client) (*Broker, error) {
	b := &Broker{cfg: cfg, client: client, cache: make(map[int64]cachedToken)}
	if cfg.AppID != "" && len(cfg.AppPrivateKeyPEM) > 0 {
		key, err := parseRSAPrivateKey(cfg.AppPrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse app private key: %w", err)
		}
		b.key = key
	}
	return b, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8 key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// mintAppJWT builds the short-lived RS256 assertion GitHub requires to
// authenticate as the app itself (iat backdated 60s for clock skew, exp
// capped at the 10-minute limit with headroom).
func (b *Broker) mintAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    b.cfg.AppID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(b.key)
}

// Resolve returns a credential usable to call the forge API on behalf of
// ownerLogin for the given scope, trying the installation tier first, then
// the user-OAuth tier, then the OAuth-app-secret tier.
func (b *Broker) Resolve(ctx context.Context, ownerLogin string, scope Scope) (forge.Token, error) {
	if b.key != nil {
		tok, err := b.installationToken(ctx, ownerLogin)
		if err == nil {
			return forge.Token{Value: tok}, nil
		}
	}

	if b.cfg.UserOAuthToken != "" {
		if !b.cfg.EnforceScopes || scopesSatisfy(b.cfg.UserOAuthScopes, oauthScopesFor[scope]) {
			return forge.Token{Value: b.cfg.UserOAuthToken}, nil
		}
	}

	if b.cfg.OAuthAppToken != "" && (scope == ScopeBasic || scope == ScopePublicRepos) {
		return forge.Token{Value: b.cfg.OAuthAppToken}, nil
	}

	return forge.Token{}, ErrNoCredentialsAvail
}

func scopesSatisfy(granted, required []string) bool {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}
	for _, need := range required {
		if !have[need] {
			return false
		}
	}
	return true
}

// installationToken returns a cached or freshly minted installation
// access token for the app installation matching ownerLogin.
func (b *Broker) installationToken(ctx context.Context, ownerLogin string) (string, error) {
	appJWT, err := b.mintAppJWT()
	if err != nil {
		return "", fmt.Errorf("mint app jwt: %w", err)
	}

	installations, err := b.client.ListAppInstallations(ctx, appJWT)
	if err != nil {
		return "", fmt.Errorf("list installations: %w", err)
	}

	var installationID int64
	found := false
	for _, inst := range installations {
		if strings.EqualFold(inst.Account.Login, ownerLogin) {
			installationID = inst.ID
			found = true
			break
		}
	}
	if !found {
		return "", ErrNoInstallation
	}

	b.mu.Lock()
	if cached, ok := b.cache[installationID]; ok && time.Now().Before(cached.expiresAt) {
		b.mu.Unlock()
		return cached.value, nil
	}
	b.mu.Unlock()

	result, err := b.client.CreateInstallationAccessToken(ctx, appJWT, installationID)
	if err != nil {
		return "", fmt.Errorf("create installation access token: %w", err)
	}

	b.mu.Lock()
	b.cache[installationID] = cachedToken{value: result.Token, expiresAt: result.ExpiresAt.Add(-1 * time.Minute)}
	b.mu.Unlock()

	return result.Token, nil
}
