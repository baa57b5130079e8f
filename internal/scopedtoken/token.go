// Package scopedtoken issues and validates short-lived, HMAC-signed tokens
// that delegate a narrowed slice of an API key's authority (spec §3.2,
// §4.4). A scoped token is never stored — it is a self-describing signed
// payload; only its revocation is tracked server-side.
package scopedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Prefix identifies a scoped-token string on the wire.
	Prefix = "pgt_"

	// MinTTL and MaxTTL bound how long a token may live (spec §4.4).
	MinTTL = 1 * time.Second
	MaxTTL = 24 * time.Hour
)

var (
	ErrInvalidFormat = errors.New("scopedtoken: malformed token")
	ErrBadSignature  = errors.New("scopedtoken: signature mismatch")
	ErrExpired       = errors.New("scopedtoken: token expired")
	ErrRevoked       = errors.New("scopedtoken: token revoked")
	ErrTTLOutOfRange = errors.New("scopedtoken: ttl out of [1s, 86400s] range")
)

// payload is the signed envelope (spec §3.2: "{apiKey, issuedAt, expiresAt,
// allowedTools?, label?}").
type payload struct {
	APIKey       string   `json:"apiKey"`
	IssuedAt     int64    `json:"iat"`
	ExpiresAt    int64    `json:"exp"`
	AllowedTools []string `json:"tools,omitempty"`
	Label        string   `json:"label,omitempty"`
}

// Claims is the caller-facing view of a validated token.
type Claims struct {
	APIKey       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AllowedTools []string
	Label        string
}

// Manager issues and validates scoped tokens against a process-wide HMAC
// secret, and tracks revocations in memory (spec §4.4). Grounded on the
// teacher's constant-time signature verification discipline (Stripe
// webhook signature checks in internal/paywall) generalized from a single
// inbound-webhook HMAC check to an outbound token-issuance scheme, plus
// the idempotency store's sorted/pruned revocation-list shape
// (internal/idempotency/store.go).
type Manager struct {
	secret []byte
	revoked *revocationList
}

// New constructs a Manager. secret must be non-empty; callers should
// validate its length (config.validate already enforces >=32 bytes).
func New(secret string) *Manager {
	return &Manager{
		secret:  []byte(secret),
		revoked: newRevocationList(),
	}
}

// Issue mints a new scoped token for apiKey with the given TTL and
// optional tool narrowing.
func (m *Manager) Issue(apiKey string, ttl time.Duration, allowedTools []string, label string) (string, error) {
	if ttl < MinTTL || ttl > MaxTTL {
		return "", ErrTTLOutOfRange
	}

	now := time.Now().UTC()
	p := payload{
		APIKey:       apiKey,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		AllowedTools: allowedTools,
		Label:        label,
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("scopedtoken: marshal payload: %w", err)
	}
	encodedBody := base64.RawURLEncoding.EncodeToString(body)
	tag := m.sign(encodedBody)
	encodedTag := base64.RawURLEncoding.EncodeToString(tag)

	return Prefix + encodedBody + "." + encodedTag, nil
}

// sign computes the HMAC-SHA256 tag over the canonical (already-encoded)
// body, keyed by the process secret.
func (m *Manager) sign(encodedBody string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(encodedBody))
	return mac.Sum(nil)
}

// Validate parses and verifies token, returning the embedded claims. It
// checks, in order: prefix, structural shape, HMAC (constant-time),
// expiry, and the revocation list (spec §4.4).
func (m *Manager) Validate(token string) (Claims, error) {
	if !strings.HasPrefix(token, Prefix) {
		return Claims{}, ErrInvalidFormat
	}
	rest := strings.TrimPrefix(token, Prefix)

	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return Claims{}, ErrInvalidFormat
	}
	encodedBody, encodedTag := rest[:dot], rest[dot+1:]

	body, err := base64.RawURLEncoding.DecodeString(encodedBody)
	if err != nil {
		return Claims{}, ErrInvalidFormat
	}
	gotTag, err := base64.RawURLEncoding.DecodeString(encodedTag)
	if err != nil {
		return Claims{}, ErrInvalidFormat
	}

	wantTag := m.sign(encodedBody)
	if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
		return Claims{}, ErrBadSignature
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Claims{}, ErrInvalidFormat
	}

	claims := Claims{
		APIKey:       p.APIKey,
		IssuedAt:     time.Unix(p.IssuedAt, 0).UTC(),
		ExpiresAt:    time.Unix(p.ExpiresAt, 0).UTC(),
		AllowedTools: p.AllowedTools,
		Label:        p.Label,
	}

	if time.Now().UTC().After(claims.ExpiresAt) {
		return Claims{}, ErrExpired
	}

	if m.revoked.isRevoked(Fingerprint(token)) {
		return Claims{}, ErrRevoked
	}

	return claims, nil
}

// Revoke adds token's fingerprint to the revocation list, self-purging at
// expiresAt (spec §4.4: "Revocation entries carry expiresAt so they
// self-purge").
func (m *Manager) Revoke(token string, expiresAt time.Time) {
	m.revoked.add(Fingerprint(token), expiresAt)
}

// Fingerprint returns the revocation-list key for a raw token: the first
// 32 hex characters of its SHA-256 digest (spec §3.2).
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)[:32]
}
