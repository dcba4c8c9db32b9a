package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// FeedConfig holds reputation-feed client configuration. The API key is
// read from the named environment variable, never from the file itself.
type FeedConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Enabled:       false,
		APIKeyEnv:     "INTEL_FEED_API_KEY",
		Timeout:       10 * time.Second,
		CacheTTL:      1 * time.Hour,
		MinConfidence: 0.5,
	}
}

// feedCache holds verdicts, including negative ones, for the cache TTL.
type feedCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	verdict   *Verdict
	expiresAt time.Time
}

func newFeedCache(ttl time.Duration) *feedCache {
	return &feedCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *feedCache) get(addr string) (*Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[strings.ToLower(addr)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.verdict, true
}

func (c *feedCache) set(addr string, v *Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[strings.ToLower(addr)] = &cacheEntry{
		verdict:   v,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// FeedProvider queries an HTTP address-reputation feed.
type FeedProvider struct {
	cfg    FeedConfig
	apiKey string
	client *http.Client
	cache  *feedCache
}

// NewFeedProvider creates a reputation-feed client. The configured
// environment variable must hold the API key.
func NewFeedProvider(cfg FeedConfig) (*FeedProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("intel feed base_url is required")
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("intel feed API key not found in env var %s", cfg.APIKeyEnv)
	}

	return &FeedProvider{
		cfg:    cfg,
		apiKey: apiKey,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  newFeedCache(cfg.CacheTTL),
	}, nil
}

// Name returns the provider identifier.
func (p *FeedProvider) Name() string {
	return "reputation-feed"
}

// HealthCheck verifies feed connectivity and credentials.
func (p *FeedProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, "/v1/status")
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("intel feed unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("intel feed rejected API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("intel feed returned status %d", resp.StatusCode)
	}
	return nil
}

// feedResponse is the feed's lookup payload.
type feedResponse struct {
	Address    string   `json:"address"`
	Listed     bool     `json:"listed"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	LastSeen   string   `json:"last_seen"`
	Tags       []string `json:"tags"`
}

// CheckAddress looks up one address, consulting the cache first. A listing
// below the confidence floor is not flagged. An address unknown to the feed
// yields a negative verdict, not an error.
func (p *FeedProvider) CheckAddress(ctx context.Context, addr string) (*Verdict, error) {
	if v, ok := p.cache.get(addr); ok {
		return v, nil
	}

	req, err := p.newRequest(ctx, "/v1/addresses/"+url.PathEscape(addr))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intel feed lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		v := &Verdict{Address: addr, Flagged: false, Category: CategoryUnknown, Source: p.Name()}
		p.cache.set(addr, v)
		return v, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intel feed returned status %d", resp.StatusCode)
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode intel feed response: %w", err)
	}

	v := &Verdict{
		Address:    addr,
		Flagged:    body.Listed && body.Confidence >= p.cfg.MinConfidence,
		Category:   parseCategory(body.Category),
		Confidence: body.Confidence,
		Source:     p.Name(),
	}
	if ts, err := time.Parse(time.RFC3339, body.LastSeen); err == nil {
		v.LastSeen = ts
	}

	p.cache.set(addr, v)
	return v, nil
}

func (p *FeedProvider) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build intel feed request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func parseCategory(raw string) Category {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "botnet":
		return CategoryBotnet
	case "scanner":
		return CategoryScanner
	case "tor":
		return CategoryTOR
	case "proxy", "vpn":
		return CategoryProxy
	case "spam":
		return CategorySpam
	case "credential_attack", "bruteforce", "brute_force":
		return CategoryBrute
	default:
		return CategoryUnknown
	}
}
