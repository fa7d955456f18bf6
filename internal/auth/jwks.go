package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// JWKSCache fetches a remote JSON Web Key Set and keeps the parsed public
// keys for a bounded interval. A miss on a known-fresh set is a hard error;
// a miss on a stale set triggers one refetch, so key rotation is picked up
// without restarting.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	keys    map[string]interface{}
	fetched time.Time
}

// NewJWKSCache builds a cache for the given well-known URL.
func NewJWKSCache(url string, ttl time.Duration, logger *slog.Logger) *JWKSCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "jwks"),
	}
}

// Key returns the public key for a key ID, refetching the set when the
// cached copy is stale or does not contain the ID.
func (c *JWKSCache) Key(ctx context.Context, kid string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := time.Since(c.fetched) < c.ttl
	if fresh {
		if k, ok := c.keys[kid]; ok {
			return k, nil
		}
		return nil, fmt.Errorf("jwks: unknown key id %q", kid)
	}

	if err := c.refreshLocked(ctx); err != nil {
		// Serve the stale set if the refetch failed and it can answer.
		if k, ok := c.keys[kid]; ok {
			c.logger.Warn("jwks refresh failed, serving stale key", "error", err)
			return k, nil
		}
		return nil, err
	}
	if k, ok := c.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("jwks: unknown key id %q", kid)
}

type jwksDoc struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("jwks request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}

	keys := make(map[string]interface{}, len(doc.Keys))
	for _, e := range doc.Keys {
		if e.Use != "" && e.Use != "sig" {
			continue
		}
		k, err := e.publicKey()
		if err != nil {
			c.logger.Warn("skipping unparseable jwk", "kid", e.Kid, "error", err)
			continue
		}
		keys[e.Kid] = k
	}

	c.keys = keys
	c.fetched = time.Now()
	c.logger.Debug("jwks refreshed", "keys", len(keys))
	return nil
}

func (e jwkEntry) publicKey() (interface{}, error) {
	switch e.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(e.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		eb, err := base64.RawURLEncoding.DecodeString(e.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(eb).Int64()),
		}, nil
	case "EC":
		var curve elliptic.Curve
		switch e.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", e.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(e.X)
		if err != nil {
			return nil, fmt.Errorf("x coordinate: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(e.Y)
		if err != nil {
			return nil, fmt.Errorf("y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", e.Kty)
	}
}
