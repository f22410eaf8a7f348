package blocklist

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Manager decides whether a request is an ad. Domains are matched exactly in
// O(1) or against "*." wildcards; URL rules match as substrings.
type Manager struct {
	exactDomains    map[string]bool // exact domain matches
	wildcardDomains []string        // suffixes of patterns like *.ads.com
	urlRules        []string        // substrings of the full URL
	mu              sync.RWMutex
}

// Config represents the JSON structure
type Config struct {
	BlockedDomains []string `json:"blocked_domains"`
	BlockedURLs    []string `json:"blocked_urls"`
}

// NewManager creates a new blocklist manager
func NewManager() *Manager {
	return &Manager{
		exactDomains: make(map[string]bool),
	}
}

// LoadFromFile replaces the rules with those in a JSON file.
func (m *Manager) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load replaces the rules with those decoded from r.
func (m *Manager) Load(r io.Reader) error {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return fmt.Errorf("decode blocklist: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.exactDomains = make(map[string]bool, len(cfg.BlockedDomains))
	m.wildcardDomains = nil
	m.urlRules = nil
	for _, d := range cfg.BlockedDomains {
		m.addDomainLocked(d)
	}
	for _, u := range cfg.BlockedURLs {
		m.addURLLocked(u)
	}
	return nil
}

// AddRule adds one rule. Rules starting with "|" match URL substrings, all
// others are domains.
func (m *Manager) AddRule(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := strings.CutPrefix(rule, "|"); ok {
		m.addURLLocked(u)
		return
	}
	m.addDomainLocked(rule)
}

func (m *Manager) addDomainLocked(domain string) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return
	}
	if w, ok := strings.CutPrefix(domain, "*."); ok {
		m.wildcardDomains = append(m.wildcardDomains, w)
		return
	}
	m.exactDomains[domain] = true
}

func (m *Manager) addURLLocked(rule string) {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if rule != "" {
		m.urlRules = append(m.urlRules, rule)
	}
}

// Len returns the number of rules.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exactDomains) + len(m.wildcardDomains) + len(m.urlRules)
}

// IsBlocked checks if a domain is blocked (O(1) for exact, O(k) for wildcards)
func (m *Manager) IsBlocked(domain string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domainBlockedLocked(strings.ToLower(strings.TrimSpace(domain)))
}

func (m *Manager) domainBlockedLocked(domain string) bool {
	if m.exactDomains[domain] {
		return true
	}
	// *.ads.com covers ads.com and its subdomains, not badads.com
	for _, w := range m.wildcardDomains {
		if domain == w || strings.HasSuffix(domain, "."+w) {
			return true
		}
	}
	return false
}

// Matches reports whether the request for rawURL should be blocked. It
// satisfies the filter oracle used by the proxy handlers; referer and accept
// are not consulted by these rules.
func (m *Manager) Matches(rawURL, query, referer, accept string) bool {
	full := rawURL
	if query != "" {
		full += "?" + query
	}
	lower := strings.ToLower(full)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if host := hostOf(rawURL); host != "" && m.domainBlockedLocked(host) {
		return true
	}
	for _, rule := range m.urlRules {
		if strings.Contains(lower, rule) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// CONNECT targets are bare host:port
		if h, _, err := net.SplitHostPort(rawURL); err == nil {
			return strings.ToLower(h)
		}
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// BlockedResponse returns a custom blocked page response
func BlockedResponse() string {
	return `<!DOCTYPE html>
<html>
<head>
    <title>Blocked</title>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; padding: 50px; background: #f5f5f5; }
        .container { background: white; padding: 40px; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); max-width: 600px; margin: 0 auto; }
        h1 { color: #e74c3c; }
        p { color: #555; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Blocked</h1>
        <p>This request was blocked by the ad filter.</p>
    </div>
</body>
</html>`
}
