package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// VaultResolver reads vault(path#key) references from a Vault KV v2
// mount over HTTP. Resolved values are cached so repeated lookups of
// the same reference do not hit the server every time.
type VaultResolver struct {
	// Address is the base URL of the Vault server.
	Address string

	// Token authenticates requests.
	Token string

	// MountPath is the KV v2 mount (default "secret").
	MountPath string

	// CacheTTL bounds how long a resolved value is reused (default 5m).
	CacheTTL time.Duration

	client *http.Client
	mu     sync.RWMutex
	cache  map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// NewVaultResolver creates a resolver against the given Vault server.
func NewVaultResolver(address, token string) *VaultResolver {
	return &VaultResolver{
		Address:   strings.TrimRight(address, "/"),
		Token:     token,
		MountPath: "secret",
		CacheTTL:  5 * time.Minute,
		client:    &http.Client{Timeout: 10 * time.Second},
		cache:     make(map[string]cacheEntry),
	}
}

// Resolve implements Resolver. A reference without an explicit #key
// reads the "value" key of the secret.
func (v *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "vault(") || !strings.HasSuffix(ref, ")") {
		return "", fmt.Errorf("malformed reference %q, expected vault(path#key)", ref)
	}

	inner := ref[6 : len(ref)-1]
	path, key := inner, "value"
	if idx := strings.Index(inner, "#"); idx >= 0 {
		path, key = inner[:idx], inner[idx+1:]
	}

	cacheKey := path + "#" + key
	v.mu.RLock()
	if entry, ok := v.cache[cacheKey]; ok && time.Now().Before(entry.expires) {
		v.mu.RUnlock()
		return entry.value, nil
	}
	v.mu.RUnlock()

	value, err := v.fetch(ctx, path, key)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cache[cacheKey] = cacheEntry{value: value, expires: time.Now().Add(v.CacheTTL)}
	v.mu.Unlock()
	return value, nil
}

func (v *VaultResolver) fetch(ctx context.Context, path, key string) (string, error) {
	// KV v2 read: GET /v1/{mount}/data/{path}.
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.Address, v.MountPath, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.Token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read vault response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse vault response: %w", err)
	}

	val, ok := result.Data.Data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %s", key, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault key %q at %s is not a string", key, path)
	}
	return s, nil
}
