// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	apperrors "github-repo-explorer/internal/errors"
	"github-repo-explorer/internal/model"
)

const (
	// GitHub's search endpoint never pages past the first 1000 results,
	// regardless of the reported total match count.
	searchResultCap = 1000

	searchTimeout     = 15 * time.Second
	defaultRetryAfter = 60 * time.Second
)

// SearchQuery describes a single upstream repository search.
type SearchQuery struct {
	Terms        string
	Language     string // ignored when empty or "all"
	Topic        string
	Sort         string // "popular", "new", "old", "growing"
	Order        string // "asc" or "desc", overrides the sort's default direction
	Page         int    // 1-based
	PerPage      int
	CreatedAfter time.Time // restrict to repos created after this date
	MinStars     int       // restrict to repos above a star floor
}

// Client wraps the go-github client for repository search.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance. An empty token
// yields an unauthenticated client with GitHub's lower rate allowance.
func NewClient(token string, logger *slog.Logger) *Client {
	httpClient := oauth2.NewClient(context.Background(), nil)
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	return &Client{
		gh:     github.NewClient(httpClient),
		logger: logger,
	}
}

// Search executes a repository search and translates the provider response
// into the internal result shape.
func (c *Client) Search(ctx context.Context, q SearchQuery) (*model.SearchResult, error) {
	query := buildQuery(q)
	field, order := mapSort(q.Sort)
	if q.Order == "asc" || q.Order == "desc" {
		order = q.Order
	}

	c.logger.Debug("Searching upstream repositories", "query", query, "sort", field, "order", order, "page", q.Page)

	opts := &github.SearchOptions{
		Sort:  field,
		Order: order,
		ListOptions: github.ListOptions{
			Page:    q.Page,
			PerPage: q.PerPage,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	res, _, err := c.gh.Search.Repositories(ctx, query, opts)
	if err != nil {
		return nil, translateError(err)
	}

	items := make([]model.Repository, 0, len(res.Repositories))
	for _, r := range res.Repositories {
		items = append(items, toInternalRepository(r))
	}

	total := res.GetTotal()
	return &model.SearchResult{
		Items:      items,
		TotalCount: total,
		HasMore:    hasMore(q.Page, q.PerPage, total, len(items)),
	}, nil
}

// GetRepositoryWithLanguages fetches repository metadata and its language
// breakdown in parallel.
func (c *Client) GetRepositoryWithLanguages(ctx context.Context, owner, name string) (*model.Repository, map[string]int, error) {
	var (
		repo  *model.Repository
		langs map[string]int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, _, err := c.gh.Repositories.Get(gctx, owner, name)
		if err != nil {
			return err
		}
		internal := toInternalRepository(r)
		repo = &internal
		return nil
	})
	g.Go(func() error {
		l, _, err := c.gh.Repositories.ListLanguages(gctx, owner, name)
		if err != nil {
			return err
		}
		langs = l
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, translateError(err)
	}
	return repo, langs, nil
}

// buildQuery composes the provider query string from free-text terms and
// structured filters. Visibility/state filters are always appended.
func buildQuery(q SearchQuery) string {
	var parts []string
	if q.Terms != "" {
		parts = append(parts, q.Terms)
	}
	if q.Language != "" && q.Language != "all" {
		parts = append(parts, "language:"+q.Language)
	}
	if q.Topic != "" {
		parts = append(parts, "topic:"+q.Topic)
	}
	if !q.CreatedAfter.IsZero() {
		parts = append(parts, "created:>="+q.CreatedAfter.Format("2006-01-02"))
	}
	if q.MinStars > 0 {
		parts = append(parts, fmt.Sprintf("stars:>%d", q.MinStars))
	}
	parts = append(parts, "is:public", "archived:false")
	return strings.Join(parts, " ")
}

// mapSort translates the caller-facing sort enumeration into the provider's
// sort field and order. Unknown values default to stars descending.
func mapSort(sort string) (field, order string) {
	switch sort {
	case "new":
		return "created", "desc"
	case "old":
		return "created", "asc"
	case "growing":
		return "updated", "desc"
	case "popular":
		return "stars", "desc"
	default:
		return "stars", "desc"
	}
}

// hasMore reports whether another page is addressable. The provider caps
// addressable search results at searchResultCap even when the true match
// count is larger, and a short page always terminates pagination.
func hasMore(page, perPage, totalCount, returned int) bool {
	if returned < perPage {
		return false
	}
	addressable := totalCount
	if addressable > searchResultCap {
		addressable = searchResultCap
	}
	return page*perPage < addressable
}

// translateError surfaces abuse / secondary-rate-limit rejections as typed
// retryable errors and wraps everything else as a generic upstream failure.
func translateError(err error) error {
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		retry := defaultRetryAfter
		if abuseErr.RetryAfter != nil {
			retry = *abuseErr.RetryAfter
		}
		return &apperrors.TransientUpstreamError{RetryAfter: retry, Message: "secondary rate limit"}
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		retry := time.Until(rateErr.Rate.Reset.Time)
		if retry <= 0 {
			retry = defaultRetryAfter
		}
		return &apperrors.TransientUpstreamError{RetryAfter: retry, Message: "rate limit exceeded"}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case 404:
			return &apperrors.NotFoundError{Resource: "repository"}
		case 403:
			// Some abuse responses arrive as a plain 403 with a telltale message.
			msg := strings.ToLower(ghErr.Message)
			if strings.Contains(msg, "abuse") || strings.Contains(msg, "secondary rate limit") {
				return &apperrors.TransientUpstreamError{RetryAfter: defaultRetryAfter, Message: "secondary rate limit"}
			}
		}
	}

	return fmt.Errorf("upstream search failed: %w", err)
}

// toInternalRepository translates a github.Repository to the internal model.
func toInternalRepository(r *github.Repository) model.Repository {
	return model.Repository{
		GithubID:        r.GetID(),
		Name:            r.GetName(),
		FullName:        r.GetFullName(),
		Description:     r.Description,
		HTMLURL:         r.GetHTMLURL(),
		CloneURL:        r.GetCloneURL(),
		OwnerAvatarURL:  r.GetOwner().GetAvatarURL(),
		Language:        r.Language,
		StarsCount:      r.GetStargazersCount(),
		ForksCount:      r.GetForksCount(),
		OpenIssuesCount: r.GetOpenIssuesCount(),
		WatchersCount:   r.GetWatchersCount(),
		Size:            r.GetSize(),
		Topics:          r.Topics,
		IsPrivate:       r.GetPrivate(),
		IsFork:          r.GetFork(),
		IsArchived:      r.GetArchived(),
		IsDisabled:      r.GetDisabled(),
		RepoCreatedAt:   r.GetCreatedAt().Time,
		RepoUpdatedAt:   r.GetUpdatedAt().Time,
		PushedAt:        r.GetPushedAt().Time,
		Difficulty:      model.DeriveDifficulty(r.GetStargazersCount(), r.GetForksCount(), r.GetSize()),
	}
}
