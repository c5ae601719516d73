package servicetoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenTTL = 60 * time.Second
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "internal-active"

	minSecretLen = 32
)

// Signer issues short-lived HS256 tokens for calls between the invoice and
// dispatcher services.
type Signer struct {
	issuer string
	ttl    time.Duration
	kid    string
	secret []byte
}

type SignerOptions struct {
	Secret string
	KeyID  string
	Issuer string
	TTL    time.Duration
}

// Verifier checks signature, audience and issuer allowlist. Several secrets
// may be active at once, keyed by kid, so a secret can be rotated without
// downtime.
type Verifier struct {
	audience       string
	allowedIssuers map[string]struct{}
	leeway         time.Duration
	secrets        map[string][]byte
}

type VerifierOptions struct {
	// Secrets maps kid to shared secret.
	Secrets        map[string]string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	if len(opts.Secret) < minSecretLen {
		return nil, fmt.Errorf("service token secret must be at least %d bytes", minSecretLen)
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{issuer: issuer, ttl: ttl, kid: kid, secret: []byte(opts.Secret)}, nil
}

// Sign issues a token for audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.secret)
}

// Authorize sets the bearer header on req with a fresh token for audience.
func (s *Signer) Authorize(req *http.Request, audience string) error {
	token, err := s.Sign(audience)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	issuers := make(map[string]struct{})
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	secrets := make(map[string][]byte, len(opts.Secrets))
	for kid, secret := range opts.Secrets {
		kid = strings.TrimSpace(kid)
		if kid == "" || secret == "" {
			continue
		}
		if len(secret) < minSecretLen {
			return nil, fmt.Errorf("service token secret %q must be at least %d bytes", kid, minSecretLen)
		}
		secrets[kid] = []byte(secret)
	}
	if len(secrets) == 0 {
		return nil, errors.New("service token verifier requires a secret")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{audience: audience, allowedIssuers: issuers, leeway: leeway, secrets: secrets}, nil
}

// Verify validates token and returns its claims.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		secret, ok := v.secrets[strings.TrimSpace(kid)]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if _, ok := v.allowedIssuers[claims.Issuer]; !ok {
		return claims, errors.New("issuer not allowed")
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	return claims, nil
}

// VerifyRequest verifies the bearer token carried by r.
func (v *Verifier) VerifyRequest(r *http.Request) (jwt.RegisteredClaims, error) {
	token, ok := BearerToken(r)
	if !ok {
		return jwt.RegisteredClaims{}, errors.New("bearer token required")
	}
	return v.Verify(token)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authHeader[7:])
	return token, token != ""
}

// ParseSecrets parses "kid=secret,kid2=secret2".
func ParseSecrets(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, secret, ok := strings.Cut(pair, "=")
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid service token secret entry %q", pair)
		}
		out[kid] = secret
	}
	return out, nil
}
