package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

const (
	jwksMaxBody      = 1 << 20
	jwksFetchTimeout = 10 * time.Second
	tokenLeeway      = 30 * time.Second
)

// JWKSClient keeps the identity provider's verification keys in memory.
type JWKSClient struct {
	url    string
	ttl    time.Duration
	http   *http.Client
	logger *zap.Logger

	// minRefresh throttles refetches triggered by unknown key IDs.
	minRefresh time.Duration

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient returns a client for the key set published at url. Keys are
// reused for ttl before the set is fetched again.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		http:       &http.Client{Timeout: jwksFetchTimeout},
		logger:     logger,
		minRefresh: time.Minute,
		keys:       map[string]crypto.PublicKey{},
	}
}

func (c *JWKSClient) cached(kid string) (key crypto.PublicKey, found, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, found = c.keys[kid]
	return key, found, time.Since(c.fetchedAt) <= c.ttl
}

// GetKey resolves the verification key for kid. While the identity provider
// is unreachable a stale key keeps verifying tokens.
func (c *JWKSClient) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if key, found, fresh := c.cached(kid); found && fresh {
		return key, nil
	}

	fetchErr := c.refresh(ctx)
	key, found, _ := c.cached(kid)
	switch {
	case found && fetchErr != nil:
		c.logger.Warn("serving stale signing key", zap.String("kid", kid), zap.Error(fetchErr))
		return key, nil
	case found:
		return key, nil
	case fetchErr != nil:
		return nil, fmt.Errorf("jwks: fetch: %w", fetchErr)
	default:
		return nil, fmt.Errorf("jwks: no key with kid %q", kid)
	}
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.RLock()
	throttled := len(c.keys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
	c.mu.RUnlock()
	if throttled {
		return nil
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("ignoring signing key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys, c.fetchedAt = keys, time.Now()
	c.mu.Unlock()

	c.logger.Debug("signing keys loaded", zap.Int("count", len(keys)))
	return nil
}

func (c *JWKSClient) fetch(ctx context.Context) (*jwkSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: status %d", resp.StatusCode)
	}
	var doc jwkSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}
	return &doc, nil
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwk holds the members of an RSA or EC public key. Coordinates and moduli
// are base64url without padding.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

var jwkCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := b64Int("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := jwkCurves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("curve %q not supported", k.Crv)
		}
		x, err := b64Int("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := b64Int("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("key type %q not supported", k.Kty)
	}
}

func b64Int(member, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is empty", member)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", member, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

// JWTAuthenticator admits only requests bearing a token signed by the
// identity provider for this service. The verified claims are placed on the
// request context; everything else is answered with 401.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				WriteError(w, model.NewUnauthorizedError("Missing or malformed authorization header"))
				return
			}

			claims := jwt.MapClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("token header has no kid")
				}
				return jwks.GetKey(r.Context(), kid)
			})
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(rejectionReason(err)))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// tokenRejections is checked in order; the first match names the failure.
var tokenRejections = []struct {
	err    error
	reason string
}{
	{jwt.ErrTokenExpired, "Token expired"},
	{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
	{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
	{jwt.ErrTokenSignatureInvalid, "Invalid token signature"},
	{jwt.ErrTokenUnverifiable, "Unknown signing key"},
}

func rejectionReason(err error) string {
	// jwt reports an algorithm outside WithValidMethods as a bad signature.
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && strings.Contains(err.Error(), "signing method") {
		return "Disallowed signing algorithm"
	}
	for _, rej := range tokenRejections {
		if errors.Is(err, rej.err) {
			return rej.reason
		}
	}
	return "Invalid token"
}
