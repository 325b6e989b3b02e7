// Package token implements the zero-trust token service:
// issue/validate/refresh/revoke/introspect over HMAC-signed JWTs, with an
// in-process registry backing revocation.
package token

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/obinexus/libpolycall/audit"
	"github.com/obinexus/libpolycall/polyerr"
)

// Kind identifies a token's role and default validity window.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindAPIKey  Kind = "api_key"
)

// Algorithm selects the HMAC signing method.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

func (a Algorithm) signingMethod() jwt.SigningMethod {
	switch a {
	case HS384:
		return jwt.SigningMethodHS384
	case HS512:
		return jwt.SigningMethodHS512
	default:
		return jwt.SigningMethodHS256
	}
}

// maxAccessTTL caps access-token validity; it may never be configured
// higher.
const maxAccessTTL = time.Hour

// Config configures signing and default lifetimes.
type Config struct {
	Algorithm  Algorithm
	SigningKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	APIKeyTTL  time.Duration
	// GCGrace is how long an expired registry entry lingers before Sweep
	// collects it.
	GCGrace time.Duration
}

// DefaultConfig returns 1h access, 30d refresh, and 365d api-key
// lifetimes.
func DefaultConfig(signingKey []byte) Config {
	return Config{
		Algorithm:  HS256,
		SigningKey: signingKey,
		AccessTTL:  time.Hour,
		RefreshTTL: 30 * 24 * time.Hour,
		APIKeyTTL:  365 * 24 * time.Hour,
		GCGrace:    time.Hour,
	}
}

// claims is the JWT payload: standard registered claims plus the custom
// payload the caller attached at issue time.
type claims struct {
	jwt.RegisteredClaims
	TokenID string                 `json:"tid"`
	Kind    Kind                   `json:"kind"`
	Scopes  []string               `json:"scopes,omitempty"`
	Custom  map[string]interface{} `json:"custom,omitempty"`
}

// entry is the registry record backing revocation checks; the JWT itself
// is stateless, so revocation must be tracked out of band.
type entry struct {
	identity string
	kind     Kind
	expires  time.Time
	revoked  bool
}

// Claims is the caller-visible view of a validated token.
type Claims struct {
	TokenID  string
	Identity string
	Kind     Kind
	Scopes   []string
	Custom   map[string]interface{}
	IssuedAt time.Time
	ExpireAt time.Time
}

// Service is the zero-trust token issuer/validator. Validation and audit
// logging are upheld structurally: there is no disable-validation switch,
// and the registry never stores the raw signing secret alongside an
// entry.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	registry map[string]*entry
	sink     audit.Sink
}

// New builds a Service. SigningKey shorter than 16 bytes is refused.
func New(cfg Config, sink audit.Sink) (*Service, error) {
	if len(cfg.SigningKey) < 16 {
		return nil, polyerr.New(polyerr.CodeInvalidArgument, "signing key must be at least 16 bytes")
	}
	if cfg.AccessTTL <= 0 || cfg.AccessTTL > maxAccessTTL {
		cfg.AccessTTL = maxAccessTTL
	}
	if cfg.RefreshTTL > 0 && cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, polyerr.New(polyerr.CodeInvalidArgument, "refresh TTL must exceed access TTL")
	}
	return &Service{cfg: cfg, registry: make(map[string]*entry), sink: sink}, nil
}

func (s *Service) ttlFor(kind Kind) time.Duration {
	switch kind {
	case KindRefresh:
		return s.cfg.RefreshTTL
	case KindAPIKey:
		return s.cfg.APIKeyTTL
	default:
		return s.cfg.AccessTTL
	}
}

// Issue mints a signed token for identity, recording a registry entry and
// emitting a TokenIssue audit event.
func (s *Service) Issue(identity string, kind Kind, scopes []string, custom map[string]interface{}) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	ttl := s.ttlFor(kind)
	exp := now.Add(ttl)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TokenID: id,
		Kind:    kind,
		Scopes:  scopes,
		Custom:  custom,
	}

	signed, err := jwt.NewWithClaims(s.cfg.Algorithm.signingMethod(), c).SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", polyerr.Wrap(polyerr.CodeInternal, err, "token signing failed")
	}

	s.mu.Lock()
	s.registry[id] = &entry{identity: identity, kind: kind, expires: exp}
	s.mu.Unlock()

	s.sink.Emit(audit.Event{Kind: audit.KindTokenIssue, IdentityID: identity, Success: true, Timestamp: now})
	return signed, nil
}

func (s *Service) parse(token string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		return s.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, polyerr.Wrap(polyerr.CodeInvalidToken, err, "token parse/signature failed")
	}
	return c, nil
}

// Validate verifies signature, expiry, and registry-not-revoked, returning
// claims on success.
func (s *Service) Validate(token string) (Claims, error) {
	now := time.Now().UTC()
	c, err := s.parse(token)
	if err != nil {
		s.sink.Emit(audit.Event{Kind: audit.KindTokenValidate, Success: false, Timestamp: now})
		return Claims{}, err
	}

	if c.ExpiresAt == nil || c.ExpiresAt.Before(now) {
		s.sink.Emit(audit.Event{Kind: audit.KindTokenValidate, IdentityID: c.Subject, Success: false, Timestamp: now})
		return Claims{}, polyerr.New(polyerr.CodeInvalidToken, "token expired")
	}

	s.mu.Lock()
	e, ok := s.registry[c.TokenID]
	s.mu.Unlock()
	if !ok || e.revoked {
		s.sink.Emit(audit.Event{Kind: audit.KindTokenValidate, IdentityID: c.Subject, Success: false, Timestamp: now})
		return Claims{}, polyerr.New(polyerr.CodeInvalidToken, "token revoked or unknown")
	}

	s.sink.Emit(audit.Event{Kind: audit.KindTokenValidate, IdentityID: c.Subject, Success: true, Timestamp: now})
	return toClaims(c), nil
}

// Introspect behaves like Validate but returns the full claim set,
// including the custom payload; unlike Validate it emits no audit event.
func (s *Service) Introspect(token string) (Claims, error) {
	c, err := s.parse(token)
	if err != nil {
		return Claims{}, err
	}
	if c.ExpiresAt == nil || c.ExpiresAt.Before(time.Now().UTC()) {
		return Claims{}, polyerr.New(polyerr.CodeInvalidToken, "token expired")
	}
	s.mu.Lock()
	e, ok := s.registry[c.TokenID]
	s.mu.Unlock()
	if !ok || e.revoked {
		return Claims{}, polyerr.New(polyerr.CodeInvalidToken, "token revoked or unknown")
	}
	return toClaims(c), nil
}

// Refresh validates a refresh token and, if valid and not revoked, issues
// a new access token for the same identity.
func (s *Service) Refresh(refreshToken string) (string, error) {
	c, err := s.parse(refreshToken)
	if err != nil {
		return "", err
	}
	if c.Kind != KindRefresh {
		return "", polyerr.New(polyerr.CodeInvalidToken, "refresh: token is not a refresh token")
	}

	s.mu.Lock()
	e, ok := s.registry[c.TokenID]
	s.mu.Unlock()
	if !ok || e.revoked || e.expires.Before(time.Now().UTC()) {
		return "", polyerr.New(polyerr.CodeInvalidToken, "refresh: token revoked or expired")
	}

	return s.Issue(c.Subject, KindAccess, c.Scopes, c.Custom)
}

// Revoke marks a token's registry entry revoked; subsequent validations
// fail. Revoke is keyed by the token string itself since that is what
// callers hold; the service parses it purely to recover the token id.
func (s *Service) Revoke(token string) error {
	c, err := s.parse(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.registry[c.TokenID]
	if ok {
		e.revoked = true
	}
	s.mu.Unlock()

	s.sink.Emit(audit.Event{Kind: audit.KindTokenRevoke, IdentityID: c.Subject, Success: ok, Timestamp: time.Now().UTC()})
	if !ok {
		return polyerr.New(polyerr.CodeInvalidToken, "revoke: unknown token")
	}
	return nil
}

// RevokeBySubject marks every registry entry bearing identity as revoked.
// Intended to be wired as identity.Registry's OnDelete hook so deleting an
// identity revokes every token it is the subject of.
func (s *Service) RevokeBySubject(identity string) {
	now := time.Now().UTC()
	s.mu.Lock()
	for _, e := range s.registry {
		if e.identity == identity {
			e.revoked = true
		}
	}
	s.mu.Unlock()
	s.sink.Emit(audit.Event{Kind: audit.KindTokenRevoke, IdentityID: identity, Success: true, Timestamp: now, Details: map[string]interface{}{"reason": "identity_deleted"}})
}

// Sweep garbage-collects registry entries whose expiry (plus the configured
// grace window) has passed, returning the number collected. Revoked entries
// are kept until their own expiry passes so a revoked-but-unexpired token
// keeps failing validation with "revoked" rather than flipping to "unknown".
func (s *Service) Sweep(now time.Time) int {
	grace := s.cfg.GCGrace
	s.mu.Lock()
	defer s.mu.Unlock()
	collected := 0
	for id, e := range s.registry {
		if now.After(e.expires.Add(grace)) {
			delete(s.registry, id)
			collected++
		}
	}
	return collected
}

func toClaims(c *claims) Claims {
	out := Claims{TokenID: c.TokenID, Identity: c.Subject, Kind: c.Kind, Scopes: c.Scopes, Custom: c.Custom}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpireAt = c.ExpiresAt.Time
	}
	return out
}
