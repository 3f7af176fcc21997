package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "signoff-test-key"
	testIssuer   = "https://auth.test.signoff.dev"
	testAudience = "signoff-test"
)

// TestClaims describes the caller a test token is minted for. An empty Role
// produces a token without a role claim, which forces a directory lookup.
type TestClaims struct {
	SubjectID string
	Email     string
	Role      string
	Extra     map[string]any
}

func (c TestClaims) identity() jwt.MapClaims {
	mc := jwt.MapClaims{"sub": c.SubjectID}
	for name, v := range map[string]string{"email": c.Email, "role": c.Role} {
		if v != "" {
			mc[name] = v
		}
	}
	maps.Copy(mc, c.Extra)
	return mc
}

// tokenIssuer plays the identity provider: it owns an RS256 key and
// publishes the public half as a JWKS document.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode jwks: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

// Sign signs mc as-is under the published key ID. Tests use it to forge
// tokens with deliberately wrong registered claims.
func (ti *tokenIssuer) Sign(mc jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(ti.key)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}

// issue mints a token for c that is valid from issuedAt for one hour.
func (ti *tokenIssuer) issue(c TestClaims, issuedAt time.Time) string {
	mc := c.identity()
	mc["iss"] = testIssuer
	mc["aud"] = testAudience
	mc["iat"] = jwt.NewNumericDate(issuedAt)
	mc["exp"] = jwt.NewNumericDate(issuedAt.Add(time.Hour))
	return ti.Sign(mc)
}

// GenerateToken returns a currently valid token for c.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.issue(c, time.Now())
}

// GenerateExpiredToken returns a token for c whose exp lies an hour in the
// past, well beyond the verifier's leeway.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.issue(c, time.Now().Add(-2*time.Hour))
}

func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string { return testIssuer }
func (ti *tokenIssuer) Audience() string { return testAudience }
