// Package repometa refreshes external repository metadata (latest published
// version) for a project's components. Package URLs are routed to a source
// client by their purl type; fetches are rate limited and cached in the
// catalog so one lookup serves every occurrence of the same package.
package repometa

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/package-url/packageurl-go"

	"github.com/deptrail/deptrail/pkg/model"
)

const (
	// TypeGitHub routes to the GitHub releases API.
	TypeGitHub = "github"

	// TypeGitLab routes to the GitLab releases API.
	TypeGitLab = "gitlab"

	// DefaultRefreshTTL is how long a fetched version stays fresh.
	DefaultRefreshTTL = 24 * time.Hour
)

// Client fetches the latest published version of one package.
type Client interface {
	LatestVersion(ctx context.Context, namespace, name string) (version string, published time.Time, err error)
}

// MetaStore is the catalog slice the refresher reads and writes.
type MetaStore interface {
	RepositoryMeta(ctx context.Context, repositoryType, namespace, name string) (*model.RepositoryMeta, error)
	UpsertRepositoryMeta(ctx context.Context, meta *model.RepositoryMeta) error
}

// Route maps a package URL to a repository type and coordinates. ok is false
// for purl types no configured source can serve.
func Route(purl string) (repositoryType, namespace, name string, ok bool) {
	parsed, err := packageurl.FromString(purl)
	if err != nil {
		return "", "", "", false
	}
	switch parsed.Type {
	case packageurl.TypeGithub:
		return TypeGitHub, parsed.Namespace, parsed.Name, true
	case "gitlab":
		return TypeGitLab, parsed.Namespace, parsed.Name, true
	default:
		return "", "", "", false
	}
}

// Config configures the refresher.
type Config struct {
	// RefreshTTL is how long a stored version is considered fresh.
	// Default: 24 hours
	RefreshTTL time.Duration

	// Logger receives refresh logs. Default: the package-level default logger.
	Logger *log.Logger
}

// Refresher drives metadata refresh for component sets.
type Refresher struct {
	clients map[string]Client
	store   MetaStore
	ttl     time.Duration
	logger  *log.Logger
}

// NewRefresher creates a refresher writing through store. Register source
// clients with RegisterClient before use.
func NewRefresher(store MetaStore, cfg *Config) *Refresher {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Refresher{
		clients: make(map[string]Client),
		store:   store,
		ttl:     cfg.RefreshTTL,
		logger:  cfg.Logger,
	}
}

// RegisterClient binds a source client to a repository type.
func (r *Refresher) RegisterClient(repositoryType string, c Client) {
	r.clients[repositoryType] = c
}

// Refresh updates repository metadata for every routable component. A failing
// source fetch is logged and skipped; stale metadata is not an ingest
// failure. Store errors abort the refresh.
func (r *Refresher) Refresh(ctx context.Context, components []model.Component) error {
	seen := make(map[string]bool)

	for _, c := range components {
		if c.PURL == "" {
			continue
		}
		repoType, namespace, name, ok := Route(c.PURL)
		if !ok {
			continue
		}
		client, ok := r.clients[repoType]
		if !ok {
			continue
		}

		key := repoType + "/" + namespace + "/" + name
		if seen[key] {
			continue
		}
		seen[key] = true

		existing, err := r.store.RepositoryMeta(ctx, repoType, namespace, name)
		if err != nil {
			return err
		}
		if existing != nil && time.Since(existing.LastFetch) < r.ttl {
			continue
		}

		version, published, err := client.LatestVersion(ctx, namespace, name)
		if err != nil {
			r.logger.Warn("repository metadata fetch failed",
				"type", repoType, "namespace", namespace, "name", name, "err", err)
			continue
		}

		meta := &model.RepositoryMeta{
			RepositoryType: repoType,
			Namespace:      namespace,
			Name:           name,
			LatestVersion:  version,
			Published:      published,
			LastFetch:      time.Now().UTC(),
		}
		if err := r.store.UpsertRepositoryMeta(ctx, meta); err != nil {
			return err
		}
	}

	return nil
}
