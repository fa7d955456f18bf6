package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jwksServer(t *testing.T, pub *rsa.PublicKey, kid string, hits *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*hits++
		n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
		fmt.Fprintf(w, `{"keys":[{"kty":"RSA","kid":%q,"use":"sig","n":%q,"e":%q}]}`, kid, n, e)
	}))
}

func TestJWKSCacheFetchAndReuse(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hits := 0
	srv := jwksServer(t, &priv.PublicKey, "k1", &hits)
	defer srv.Close()

	c := NewJWKSCache(srv.URL, time.Hour, slog.Default())
	ctx := context.Background()

	k1, err := c.Key(ctx, "k1")
	require.NoError(t, err)
	got, ok := k1.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Zero(t, got.N.Cmp(priv.PublicKey.N))

	// Second lookup within the TTL hits the cache.
	_, err = c.Key(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	_, err = c.Key(ctx, "missing")
	assert.Error(t, err)
}

func TestTokenVerifierRS256ViaJWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hits := 0
	srv := jwksServer(t, &priv.PublicKey, "k1", &hits)
	defer srv.Close()

	tv := NewTokenVerifier(TokenConfig{
		JWKSURL:     srv.URL,
		AllowedAlgs: []string{"RS256"},
	}, slog.Default())

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, TokenClaims{
		TenantID: "t1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(priv)
	require.NoError(t, err)

	id, err := tv.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.PrincipalID)
	assert.Equal(t, "t1", id.TenantID)
}
