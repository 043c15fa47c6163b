// Package vuln analyzes a project's components against a vulnerability
// advisory catalog. The default catalog is an HTTP feed cached with a TTL,
// matching advisories to components by exact package URL.
package vuln

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deptrail/deptrail/pkg/model"
)

const (
	// DefaultCacheTTL is how long a fetched advisory feed stays valid.
	DefaultCacheTTL = 6 * time.Hour

	// DefaultTimeout is the default HTTP timeout for feed fetches.
	DefaultTimeout = 60 * time.Second
)

// Advisory is one known vulnerability affecting a set of packages.
type Advisory struct {
	ID          string   `json:"id"`
	Source      string   `json:"source"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	Affected    []string `json:"affected"` // package URLs
}

// Feed is the advisory feed document.
type Feed struct {
	Version    string     `json:"version"`
	Released   string     `json:"released"`
	Advisories []Advisory `json:"advisories"`
}

// Catalog answers "which advisories affect this package URL".
type Catalog interface {
	AdvisoriesFor(ctx context.Context, purl string) ([]Advisory, error)
}

// =============================================================================
// HTTP Catalog
// =============================================================================

// HTTPCatalog fetches an advisory feed over HTTP and caches it, keyed by
// affected package URL.
type HTTPCatalog struct {
	mu sync.RWMutex

	FeedURL string
	Timeout time.Duration

	client *http.Client

	cache    map[string][]Advisory
	cacheTTL time.Duration
	cacheAt  time.Time
}

// NewHTTPCatalog creates a catalog over the given feed endpoint.
func NewHTTPCatalog(feedURL string) *HTTPCatalog {
	return &HTTPCatalog{
		FeedURL:  feedURL,
		Timeout:  DefaultTimeout,
		cache:    make(map[string][]Advisory),
		cacheTTL: DefaultCacheTTL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// SetCacheTTL overrides the feed cache TTL.
func (c *HTTPCatalog) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 {
		c.cacheTTL = ttl
	}
}

// AdvisoriesFor returns the cached advisories affecting the package URL,
// refreshing the feed when the cache has expired.
func (c *HTTPCatalog) AdvisoriesFor(ctx context.Context, purl string) ([]Advisory, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[purl], nil
}

// CacheSize returns the number of distinct affected packages cached.
func (c *HTTPCatalog) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *HTTPCatalog) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	if len(c.cache) > 0 && time.Since(c.cacheAt) < c.cacheTTL {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	return c.loadFeed(ctx)
}

func (c *HTTPCatalog) loadFeed(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FeedURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("advisory feed returned status %d", resp.StatusCode)
	}

	var feed Feed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string][]Advisory, len(feed.Advisories))
	for _, adv := range feed.Advisories {
		for _, purl := range adv.Affected {
			c.cache[purl] = append(c.cache[purl], adv)
		}
	}
	c.cacheAt = time.Now()

	return nil
}

// =============================================================================
// Static Catalog
// =============================================================================

// StaticCatalog serves a fixed advisory set. Used in tests and for air-gapped
// deployments loading a feed file at startup.
type StaticCatalog struct {
	byPURL map[string][]Advisory
}

// NewStaticCatalog indexes the given advisories.
func NewStaticCatalog(advisories []Advisory) *StaticCatalog {
	byPURL := make(map[string][]Advisory)
	for _, adv := range advisories {
		for _, purl := range adv.Affected {
			byPURL[purl] = append(byPURL[purl], adv)
		}
	}
	return &StaticCatalog{byPURL: byPURL}
}

func (c *StaticCatalog) AdvisoriesFor(ctx context.Context, purl string) ([]Advisory, error) {
	return c.byPURL[purl], nil
}

// =============================================================================
// Analyzer
// =============================================================================

// Analyzer turns catalog advisories into findings for a set of components.
type Analyzer struct {
	catalog Catalog
}

// NewAnalyzer creates an analyzer over the given catalog.
func NewAnalyzer(catalog Catalog) *Analyzer {
	return &Analyzer{catalog: catalog}
}

// Analyze returns one finding per (component, advisory) match. Components
// without a package URL are skipped; only purl-carrying components can match
// the feed.
func (a *Analyzer) Analyze(ctx context.Context, components []model.Component) ([]model.Finding, error) {
	var findings []model.Finding
	now := time.Now().UTC()

	for _, c := range components {
		if c.PURL == "" {
			continue
		}
		advisories, err := a.catalog.AdvisoriesFor(ctx, c.PURL)
		if err != nil {
			return nil, err
		}
		for _, adv := range advisories {
			findings = append(findings, model.Finding{
				ComponentUUID: c.UUID,
				VulnID:        adv.ID,
				Source:        adv.Source,
				Severity:      model.NormalizeSeverity(adv.Severity),
				Description:   adv.Description,
				RecordedAt:    now,
			})
		}
	}

	return findings, nil
}
