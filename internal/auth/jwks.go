package auth

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

	"go.uber.org/zap"
)

const defaultJWKSCacheTTL = 10 * time.Minute

var errUnknownKeyID = errors.New("no signing key with that kid")

// keySet caches the RSA signing keys from a JWKS endpoint. Keys live for the
// shorter of the configured ttl and the response's Cache-Control max-age, and
// an unknown kid forces one refetch so rotated keys are picked up.
type keySet struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	freshTill time.Time
}

func newKeySet(url string, httpClient *http.Client, ttl time.Duration, logger *zap.Logger) *keySet {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	return &keySet{url: url, httpClient: httpClient, ttl: ttl, logger: logger}
}

func (s *keySet) lookup(ctx context.Context, keyID string, now time.Time) (*rsa.PublicKey, error) {
	if key, fresh := s.cached(keyID, now); key != nil && fresh {
		return key, nil
	}
	if err := s.refresh(ctx, now); err != nil {
		return nil, fmt.Errorf("refresh jwks: %w", err)
	}
	if key, _ := s.cached(keyID, now); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownKeyID, keyID)
}

func (s *keySet) cached(keyID string, now time.Time) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[keyID], now.Before(s.freshTill)
}

func (s *keySet) refresh(ctx context.Context, now time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, candidate := range document.Keys {
		if candidate.KeyType != "RSA" || (candidate.Use != "" && candidate.Use != "sig") {
			continue
		}
		key, err := candidate.publicKey()
		if err != nil {
			s.logger.Debug("ignoring malformed jwk", zap.String("kid", candidate.KeyID), zap.Error(err))
			continue
		}
		keys[candidate.KeyID] = key
	}
	if len(keys) == 0 {
		return errors.New("jwks has no usable rsa signing keys")
	}

	ttl := s.ttl
	if maxAge := cacheMaxAge(response.Header.Get("Cache-Control")); maxAge > 0 && maxAge < ttl {
		ttl = maxAge
	}
	s.mu.Lock()
	s.keys = keys
	s.freshTill = now.Add(ttl)
	s.mu.Unlock()
	return nil
}

// cacheMaxAge returns the max-age directive of a Cache-Control header, or zero.
func cacheMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil || len(modulus) == 0 {
		return nil, fmt.Errorf("bad modulus: %v", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil || len(exponent) == 0 {
		return nil, fmt.Errorf("bad exponent: %v", err)
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e.Int64())}, nil
}
