package repometa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v74/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// defaultRequestsPerSecond keeps source API usage under abuse thresholds.
const defaultRequestsPerSecond = 5

// =============================================================================
// GitHub
// =============================================================================

// GitHubClient fetches latest releases from GitHub.
type GitHubClient struct {
	client  *github.Client
	limiter *rate.Limiter
}

// NewGitHubClient creates a GitHub source client. An empty token uses
// unauthenticated access with its lower rate limits.
func NewGitHubClient(ctx context.Context, token string) *GitHubClient {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc := oauth2.NewClient(ctx, ts)
		client = github.NewClient(tc)
	} else {
		client = github.NewClient(nil)
	}

	return &GitHubClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
	}
}

// LatestVersion returns the tag and publish time of the repository's latest
// release.
func (c *GitHubClient) LatestVersion(ctx context.Context, namespace, name string) (string, time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", time.Time{}, err
	}

	release, _, err := c.client.Repositories.GetLatestRelease(ctx, namespace, name)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github latest release %s/%s: %w", namespace, name, err)
	}
	return release.GetTagName(), release.GetPublishedAt().Time, nil
}

// =============================================================================
// GitLab
// =============================================================================

// GitLabClient fetches latest releases from GitLab.
type GitLabClient struct {
	client  *gitlab.Client
	limiter *rate.Limiter
}

// NewGitLabClient creates a GitLab source client. baseURL is optional and
// points at a self-hosted instance.
func NewGitLabClient(token, baseURL string) (*GitLabClient, error) {
	var client *gitlab.Client
	var err error
	if baseURL != "" {
		client, err = gitlab.NewClient(token, gitlab.WithBaseURL(baseURL))
	} else {
		client, err = gitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}

	return &GitLabClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
	}, nil
}

// LatestVersion returns the tag and release time of the project's most
// recent release.
func (c *GitLabClient) LatestVersion(ctx context.Context, namespace, name string) (string, time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", time.Time{}, err
	}

	pid := namespace + "/" + name
	releases, _, err := c.client.Releases.ListReleases(pid, &gitlab.ListReleasesOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("gitlab releases %s: %w", pid, err)
	}
	if len(releases) == 0 {
		return "", time.Time{}, fmt.Errorf("gitlab releases %s: no releases", pid)
	}

	latest := releases[0]
	var released time.Time
	if latest.ReleasedAt != nil {
		released = *latest.ReleasedAt
	}
	return latest.TagName, released, nil
}
