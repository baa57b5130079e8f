package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// accessClaims are the custom claims embedded in a minted access token JWT,
// following the shape wisbric-nightowl's SessionManager embeds alongside the
// registered jwt.Claims set.
type accessClaims struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
	Scope    string `json:"scope,omitempty"`
}

const tokenIssuer = "paygate"

// Provider implements the OAuth 2.1 authorization-server surface (spec
// §4.5). All state lives in memory, mirrored to a JSON snapshot on every
// durable mutation (client registration, revocation) using the same
// tmp+rename idiom as internal/keystore (grounded on the teacher's
// FileStore.saveData).
type Provider struct {
	mu sync.RWMutex

	clients       map[string]*Client
	codes         map[string]*AuthCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken

	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	authCodeTTL     time.Duration
	allowPlainPKCE  bool
	issuer          string
	signingKey      []byte
	// configuredSigningKey is non-nil when the caller passed an explicit
	// SigningSecret, in which case a snapshot's persisted key is ignored.
	configuredSigningKey []byte

	snapshotPath string
}

// Config collects the tunables Provider needs (mirrors config.OAuthConfig
// without importing internal/config, keeping this package dependency-light).
type Config struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	AllowPlainPKCE  bool
	SnapshotPath    string
	SigningSecret   string
}

// New constructs a Provider, loading any existing client/token snapshot. If
// cfg.SigningSecret is empty a random 32-byte key is generated; it is
// persisted in the snapshot when SnapshotPath is set, so tokens survive a
// restart, and without a snapshot they do not. That is acceptable for the
// dev/test path but callers running multiple replicas must set SigningSecret.
func New(cfg Config) (*Provider, error) {
	var configuredKey []byte
	signingKey := []byte(cfg.SigningSecret)
	if len(signingKey) > 0 {
		configuredKey = signingKey
	} else {
		var err error
		signingKey, err = randomBytes(32)
		if err != nil {
			return nil, err
		}
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = tokenIssuer
	}

	p := &Provider{
		clients:              make(map[string]*Client),
		codes:                make(map[string]*AuthCode),
		accessTokens:         make(map[string]*AccessToken),
		refreshTokens:        make(map[string]*RefreshToken),
		accessTokenTTL:       orDefault(cfg.AccessTokenTTL, time.Hour),
		refreshTokenTTL:      orDefault(cfg.RefreshTokenTTL, 30*24*time.Hour),
		authCodeTTL:          orDefault(cfg.AuthCodeTTL, 60*time.Second),
		allowPlainPKCE:       cfg.AllowPlainPKCE,
		issuer:               issuer,
		signingKey:           signingKey,
		configuredSigningKey: configuredKey,
		snapshotPath:         cfg.SnapshotPath,
	}

	if p.snapshotPath != "" {
		if err := p.load(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// RegisterClient performs dynamic client registration (spec §4.5, §3.3).
func (p *Provider) RegisterClient(redirectURIs, scopes []string, apiKeyRef string) (*Client, error) {
	clientID, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	clientSecret, err := randomToken(32)
	if err != nil {
		return nil, err
	}

	c := &Client{
		ClientID:     "pgc_" + clientID,
		ClientSecret: clientSecret,
		RedirectURIs: redirectURIs,
		Scopes:       scopes,
		APIKeyRef:    apiKeyRef,
		CreatedAt:    time.Now().UTC(),
	}

	p.mu.Lock()
	p.clients[c.ClientID] = c
	p.mu.Unlock()

	p.persist()
	return c, nil
}

// GetClient looks up a registered client.
func (p *Provider) GetClient(clientID string) (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// IssueAuthCode mints a single-use authorization code bound to the
// request's client_id, redirect_uri, and PKCE challenge (spec §4.5).
func (p *Provider) IssueAuthCode(clientID, redirectURI, codeChallenge, codeChallengeMethod, scope string) (*AuthCode, error) {
	p.mu.RLock()
	client, ok := p.clients[clientID]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotFound
	}
	if !containsString(client.RedirectURIs, redirectURI) {
		return nil, ErrInvalidRedirect
	}
	if codeChallenge == "" {
		return nil, ErrPKCERequired
	}
	if codeChallengeMethod == "" {
		codeChallengeMethod = "S256"
	}
	if codeChallengeMethod != "S256" && codeChallengeMethod != "plain" {
		return nil, ErrUnsupportedMethod
	}
	if codeChallengeMethod == "plain" && !p.allowPlainPKCE {
		return nil, ErrPlainPKCEDisabled
	}

	code, err := randomToken(24)
	if err != nil {
		return nil, err
	}

	ac := &AuthCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scope:               scope,
		ExpiresAt:           time.Now().UTC().Add(p.authCodeTTL),
	}

	p.mu.Lock()
	p.codes[code] = ac
	p.mu.Unlock()

	return ac, nil
}

// ExchangeAuthCode redeems a single-use code for an access + refresh token
// pair, verifying PKCE in constant time (spec §4.5).
func (p *Provider) ExchangeAuthCode(clientID, code, redirectURI, codeVerifier string) (*AccessToken, *RefreshToken, error) {
	p.mu.Lock()
	ac, ok := p.codes[code]
	if !ok {
		p.mu.Unlock()
		return nil, nil, ErrInvalidGrant
	}
	if ac.Used {
		p.mu.Unlock()
		return nil, nil, ErrCodeAlreadyUsed
	}
	if time.Now().UTC().After(ac.ExpiresAt) {
		delete(p.codes, code)
		p.mu.Unlock()
		return nil, nil, ErrInvalidGrant
	}
	if ac.ClientID != clientID || ac.RedirectURI != redirectURI {
		p.mu.Unlock()
		return nil, nil, ErrInvalidGrant
	}
	ac.Used = true
	client := p.clients[clientID]
	p.mu.Unlock()

	if client == nil {
		return nil, nil, ErrClientNotFound
	}
	if !verifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, codeVerifier) {
		return nil, nil, ErrPKCEMismatch
	}

	accessToken, err := p.mintAccessToken(clientID, client.APIKeyRef, ac.Scope)
	if err != nil {
		return nil, nil, err
	}
	refreshToken, err := p.mintRefreshToken(clientID, client.APIKeyRef, ac.Scope)
	if err != nil {
		return nil, nil, err
	}

	p.persist()
	return accessToken, refreshToken, nil
}

// Refresh exchanges a refresh token for a new access token (spec §4.5
// refresh_token grant).
func (p *Provider) Refresh(refreshTokenValue string) (*AccessToken, error) {
	p.mu.RLock()
	rt, ok := p.refreshTokens[refreshTokenValue]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrTokenNotFound
	}
	if time.Now().UTC().After(rt.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	accessToken, err := p.mintAccessToken(rt.ClientID, rt.APIKey, rt.Scope)
	if err != nil {
		return nil, err
	}
	p.persist()
	return accessToken, nil
}

// ValidateAccessToken verifies the JWT signature and expiry, then confirms
// the token has not been revoked (mirrors wisbric-nightowl's
// SessionManager.ValidateToken, plus a revocation-list lookup the
// self-contained JWT alone can't provide).
func (p *Provider) ValidateAccessToken(token string) (*AccessToken, error) {
	p.mu.RLock()
	at, ok := p.accessTokens[token]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrTokenNotFound
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, ErrTokenNotFound
	}

	var registered jwt.Claims
	var custom accessClaims
	if err := parsed.Claims(p.signingKey, &registered, &custom); err != nil {
		return nil, ErrTokenNotFound
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: p.issuer,
		Time:   time.Now().UTC(),
	}, 5*time.Second); err != nil {
		return nil, ErrTokenExpired
	}

	return at, nil
}

// Revoke immediately and durably revokes an access or refresh token (spec
// §4.5: "revocation is immediate and durable (mirrored to snapshot)").
func (p *Provider) Revoke(token string) {
	p.mu.Lock()
	delete(p.accessTokens, token)
	delete(p.refreshTokens, token)
	p.mu.Unlock()
	p.persist()
}

// mintAccessToken issues a self-contained HMAC-signed JWT carrying the
// resolved apiKey (grounded on wisbric-nightowl's SessionManager.IssueToken),
// and also tracks it in p.accessTokens so Revoke can invalidate it before
// its natural expiry.
func (p *Provider) mintAccessToken(clientID, apiKey, scope string) (*AccessToken, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: p.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("oauth: create signer: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(p.accessTokenTTL)
	registered := jwt.Claims{
		Subject:   apiKey,
		Issuer:    p.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expiresAt),
		NotBefore: jwt.NewNumericDate(now),
	}
	custom := accessClaims{ClientID: clientID, APIKey: apiKey, Scope: scope}

	tok, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		return nil, fmt.Errorf("oauth: sign access token: %w", err)
	}

	at := &AccessToken{
		Token:     tok,
		ClientID:  clientID,
		APIKey:    apiKey,
		Scope:     scope,
		ExpiresAt: expiresAt,
	}
	p.mu.Lock()
	p.accessTokens[tok] = at
	p.mu.Unlock()
	return at, nil
}

func (p *Provider) mintRefreshToken(clientID, apiKey, scope string) (*RefreshToken, error) {
	tok, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	rt := &RefreshToken{
		Token:     tok,
		ClientID:  clientID,
		APIKey:    apiKey,
		Scope:     scope,
		ExpiresAt: time.Now().UTC().Add(p.refreshTokenTTL),
	}
	p.mu.Lock()
	p.refreshTokens[tok] = rt
	p.mu.Unlock()
	return rt, nil
}

func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch method {
	case "plain":
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) == 1
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) == 1
	default:
		return false
	}
}

func randomToken(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("oauth: generate random bytes: %w", err)
	}
	return b, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// snapshot is the on-disk shape persisted at snapshotPath. SigningKey is
// included so a generated (non-configured) key survives restarts and
// previously minted access tokens keep verifying.
type snapshot struct {
	Clients       map[string]*Client       `json:"clients"`
	AccessTokens  map[string]*AccessToken  `json:"accessTokens"`
	RefreshTokens map[string]*RefreshToken `json:"refreshTokens"`
	SigningKey    []byte                   `json:"signingKey,omitempty"`
}

func (p *Provider) load() error {
	data, err := os.ReadFile(p.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("oauth: read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("oauth: unmarshal snapshot: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Clients != nil {
		p.clients = snap.Clients
	}
	if snap.AccessTokens != nil {
		p.accessTokens = snap.AccessTokens
	}
	if snap.RefreshTokens != nil {
		p.refreshTokens = snap.RefreshTokens
	}
	if p.configuredSigningKey == nil && len(snap.SigningKey) > 0 {
		p.signingKey = snap.SigningKey
	}
	return nil
}

// persist is best-effort and synchronous; client registration and
// revocation are low-frequency admin operations, unlike the high-frequency
// credit mutations in internal/keystore that warrant a coalesced
// dirty-flag flush ticker.
func (p *Provider) persist() {
	if p.snapshotPath == "" {
		return
	}

	p.mu.RLock()
	snap := snapshot{
		Clients:       p.clients,
		AccessTokens:  p.accessTokens,
		RefreshTokens: p.refreshTokens,
		SigningKey:    p.signingKey,
	}
	p.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}

	dir := filepath.Dir(p.snapshotPath)
	_ = os.MkdirAll(dir, 0o755)

	tmpPath := p.snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return
	}
	if err := os.Rename(tmpPath, p.snapshotPath); err != nil {
		os.Remove(tmpPath)
	}
}
