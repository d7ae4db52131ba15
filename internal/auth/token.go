package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TokenEnv holds a bearer token that takes precedence over the hosts file.
const TokenEnv = "ANALYST_TOKEN"

// ErrNoCredential is returned when no usable token is held.
var ErrNoCredential = errors.New("no credential available; run with --reauth")

// Credentials holds the bearer token for one endpoint in memory. Once
// invalidated it stays empty until Reload succeeds.
type Credentials struct {
	mu          sync.Mutex
	host        string
	configDir   string
	token       string
	invalidated bool
}

// New returns credentials for endpoint, looking up hosts.json under
// configDir. Nothing is read until the first Token call.
func New(endpoint, configDir string) *Credentials {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Credentials{host: host, configDir: configDir}
}

// Static returns credentials that always yield token until invalidated.
func Static(token string) *Credentials {
	return &Credentials{token: token}
}

// Token returns the held token, loading it on first use. An empty token
// with a nil error means the endpoint is used without authentication.
func (c *Credentials) Token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.invalidated {
		return "", ErrNoCredential
	}
	if c.token == "" && c.configDir != "" {
		c.token = lookupToken(c.host, c.configDir)
	}
	return c.token, nil
}

// Invalidate drops the held token after the service rejected it.
func (c *Credentials) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.invalidated = true
}

// Reload clears the invalidation and reads the token again, e.g. after
// re-authentication completed out of band.
func (c *Credentials) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = false
	if c.configDir != "" {
		c.token = lookupToken(c.host, c.configDir)
	}
}

// lookupToken retrieves the token from the environment or the hosts file.
func lookupToken(host, configDir string) string {
	if token := os.Getenv(TokenEnv); token != "" {
		return token
	}

	var hosts map[string]any
	if err := readJSONFile(filepath.Join(configDir, "hosts.json"), &hosts); err != nil {
		return ""
	}
	return extractToken(hosts, host)
}

// readJSONFile reads a JSON file and unmarshals it into the provided variable.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// extractToken finds the oauth_token of the first entry whose key mentions host.
func extractToken(hosts map[string]any, host string) string {
	for key, data := range hosts {
		if !strings.Contains(key, host) {
			continue
		}

		tokenData, ok := data.(map[string]any)
		if !ok {
			continue
		}

		if token, ok := tokenData["oauth_token"].(string); ok && token != "" {
			return token
		}
	}
	return ""
}
