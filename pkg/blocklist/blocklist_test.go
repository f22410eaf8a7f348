package blocklist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rules = `{
  "blocked_domains": ["Ads.Example.com", "*.doubleclick.net", "  tracker.io "],
  "blocked_urls": ["/banner/", "utm_source=ad"]
}`

func loaded(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	require.NoError(t, m.Load(strings.NewReader(rules)))
	return m
}

func TestIsBlocked(t *testing.T) {
	m := loaded(t)
	tests := []struct {
		domain string
		want   bool
	}{
		{"ads.example.com", true},
		{"ADS.EXAMPLE.COM", true},
		{"example.com", false},
		{"tracker.io", true},
		{"doubleclick.net", true},
		{"stats.g.doubleclick.net", true},
		{"notdoubleclick.net", false},
		{"doubleclick.net.evil.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			assert.Equal(t, tt.want, m.IsBlocked(tt.domain))
		})
	}
}

func TestMatches(t *testing.T) {
	m := loaded(t)
	tests := []struct {
		name  string
		url   string
		query string
		want  bool
	}{
		{"blocked host", "http://ads.example.com/x.js", "", true},
		{"blocked host with port", "http://ads.example.com:8080/x.js", "", true},
		{"wildcard host", "http://ad.doubleclick.net/pixel", "", true},
		{"url rule", "http://news.test/img/banner/top.png", "", true},
		{"url rule case", "http://news.test/IMG/BANNER/top.png", "", true},
		{"query rule", "http://news.test/story", "id=1&utm_source=ad", true},
		{"clean", "http://news.test/story", "id=1", false},
		{"connect target", "ad.doubleclick.net:443", "", true},
		{"connect clean", "news.test:443", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Matches(tt.url, tt.query, "", "*/*"))
		})
	}
}

func TestAddRule(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Matches("http://cdn.test/ads/1.gif", "", "", ""))

	m.AddRule("|/ads/")
	m.AddRule("*.metrics.test")
	m.AddRule("   ")
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Matches("http://cdn.test/ads/1.gif", "", "", ""))
	assert.True(t, m.IsBlocked("a.metrics.test"))
}

func TestLoadReplacesRules(t *testing.T) {
	m := loaded(t)
	m.AddRule("extra.test")
	require.NoError(t, m.Load(strings.NewReader(`{"blocked_domains": ["only.test"]}`)))
	assert.Equal(t, 1, m.Len())
	assert.False(t, m.IsBlocked("extra.test"))
	assert.True(t, m.IsBlocked("only.test"))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.json")
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	m := NewManager()
	require.NoError(t, m.LoadFromFile(path))
	assert.Equal(t, 5, m.Len())

	assert.Error(t, m.LoadFromFile(filepath.Join(t.TempDir(), "missing.json")))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	err := m.LoadFromFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.json")
	// a failed load keeps the old rules
	assert.Equal(t, 5, m.Len())
}

func TestBlockedResponse(t *testing.T) {
	assert.Contains(t, BlockedResponse(), "<title>Blocked</title>")
}
