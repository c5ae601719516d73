package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"invoicedesk/pkg/domain"
)

const (
	defaultAudience     = "authenticated"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	errUnknownKey   = errors.New("unknown token key")
)

// Config selects how user access tokens are checked. Secret enables HS256
// tokens signed with the auth provider's shared JWT secret; JWKSURL enables
// RS256 tokens with keys fetched from the provider. Both may be set.
type Config struct {
	Secret     string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Claims are the access-token claims mapped onto an uploader.
type Claims struct {
	jwt.RegisteredClaims
	Email        string `json:"email,omitempty"`
	UserMetadata struct {
		FullName string `json:"full_name,omitempty"`
		Name     string `json:"name,omitempty"`
	} `json:"user_metadata"`
}

// Verifier validates user access tokens and resolves the uploader identity.
type Verifier struct {
	secret     []byte
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	httpClient *http.Client

	mu         sync.RWMutex
	rsaKeys    map[string]*rsa.PublicKey
	keysExpire time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if secret == "" && jwksURL == "" {
		return nil, errors.New("token verifier requires a secret or jwksURL")
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v := &Verifier{
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   audience,
		leeway:     leeway,
		jwksURL:    jwksURL,
		httpClient: client,
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v, nil
}

// VerifyRequest reads the bearer token from r. It returns ErrMissingToken
// when the header is absent so callers can decide whether anonymous access
// is allowed.
func (v *Verifier) VerifyRequest(r *http.Request) (domain.Uploader, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return domain.Uploader{}, ErrMissingToken
	}
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return domain.Uploader{}, errors.New("authorization header must be a bearer token")
	}
	return v.Verify(r.Context(), strings.TrimSpace(header[7:]))
}

// Verify validates token and maps its claims onto an uploader.
func (v *Verifier) Verify(ctx context.Context, token string) (domain.Uploader, error) {
	if token == "" {
		return domain.Uploader{}, ErrMissingToken
	}
	claims, err := v.parse(token)
	if err != nil && v.jwksURL != "" && (errors.Is(err, errUnknownKey) || v.keysExpired()) {
		if refreshErr := v.refreshJWKS(ctx); refreshErr != nil {
			return domain.Uploader{}, refreshErr
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return domain.Uploader{}, err
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return domain.Uploader{}, errors.New("token subject missing")
	}
	name := strings.TrimSpace(claims.UserMetadata.FullName)
	if name == "" {
		name = strings.TrimSpace(claims.UserMetadata.Name)
	}
	if name == "" {
		name = strings.TrimSpace(claims.Email)
	}
	return domain.Uploader{ID: sub, Name: name, Email: strings.TrimSpace(claims.Email)}, nil
}

func (v *Verifier) parse(token string) (*Claims, error) {
	var methods []string
	if v.secret != nil {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if v.jwksURL != "" {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if t.Method.Alg() == jwt.SigningMethodHS256.Alg() {
		return v.secret, nil
	}
	kid, _ := t.Header["kid"].(string)
	v.mu.RLock()
	key, ok := v.rsaKeys[strings.TrimSpace(kid)]
	v.mu.RUnlock()
	if !ok {
		return nil, errUnknownKey
	}
	return key, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().After(v.keysExpire)
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if !strings.EqualFold(k.Kty, "RSA") || kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}
	ttl := cacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func cacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
