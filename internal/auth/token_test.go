package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHosts(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hosts.json"), []byte(body), 0o600))
	return dir
}

func TestTokenFromHostsFile(t *testing.T) {
	t.Setenv(TokenEnv, "")
	dir := writeHosts(t, `{
		"other.example.com": {"oauth_token": "wrong"},
		"analyst.example.com:8443": {"oauth_token": "secret"}
	}`)

	c := New("https://analyst.example.com:8443/api", dir)
	token, err := c.Token()
	require.NoError(t, err)
	assert.Equal(t, "secret", token)
}

func TestTokenFromEnvWins(t *testing.T) {
	t.Setenv(TokenEnv, "env-token")
	dir := writeHosts(t, `{"analyst.example.com": {"oauth_token": "file-token"}}`)

	token, err := New("https://analyst.example.com", dir).Token()
	require.NoError(t, err)
	assert.Equal(t, "env-token", token)
}

func TestTokenMissingIsAnonymous(t *testing.T) {
	t.Setenv(TokenEnv, "")

	token, err := New("http://127.0.0.1:5000", t.TempDir()).Token()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestInvalidateAndReload(t *testing.T) {
	t.Setenv(TokenEnv, "")
	dir := writeHosts(t, `{"127.0.0.1:5000": {"oauth_token": "t1"}}`)
	c := New("http://127.0.0.1:5000", dir)

	_, err := c.Token()
	require.NoError(t, err)

	c.Invalidate()
	_, err = c.Token()
	assert.ErrorIs(t, err, ErrNoCredential)

	c.Reload()
	token, err := c.Token()
	require.NoError(t, err)
	assert.Equal(t, "t1", token)
}

func TestStatic(t *testing.T) {
	c := Static("abc")
	token, err := c.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	c.Invalidate()
	_, err = c.Token()
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestExtractTokenSkipsMalformedEntries(t *testing.T) {
	hosts := map[string]any{
		"a.example.com": "not a map",
		"b.example.com": map[string]any{"oauth_token": 42},
	}
	assert.Empty(t, extractToken(hosts, "example.com"))
}
