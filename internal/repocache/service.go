// internal/repocache/service.go
package repocache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github-repo-explorer/internal/cache"
	"github-repo-explorer/internal/coalesce"
	apperrors "github-repo-explorer/internal/errors"
	"github-repo-explorer/internal/github"
	"github-repo-explorer/internal/model"
)

const (
	trendingMinResults = 10
	trendingStarsFloor = 1000
	trendingNarrowDays = 1
	trendingWideDays   = 30

	persistTimeout = 30 * time.Second
)

// RepositoryStore is the slice of the persistence layer the orchestrator
// needs.
type RepositoryStore interface {
	Query(ctx context.Context, p model.SearchParams) (*model.QueryResult, error)
	UpsertMany(ctx context.Context, repos []model.Repository) error
	IsStale(ctx context.Context, freshness time.Duration) (bool, error)
	DistinctLanguages(ctx context.Context) ([]string, error)
}

// Searcher is the upstream repository search client.
type Searcher interface {
	Search(ctx context.Context, q github.SearchQuery) (*model.SearchResult, error)
}

// Limiter guards the upstream path against per-client abuse.
type Limiter interface {
	IsLimited(clientID string) bool
	RetryAfter() time.Duration
}

// Config tunes the orchestrator's caching behavior.
type Config struct {
	// SearchTTL bounds how long a live search response stays in the
	// key-value cache.
	SearchTTL time.Duration
	// TrendingTTL bounds the slower-moving trending responses.
	TrendingTTL time.Duration
	// Freshness is the window after which stored rows are considered stale
	// and eligible for a background refresh.
	Freshness time.Duration
}

func (c *Config) applyDefaults() {
	if c.SearchTTL <= 0 {
		c.SearchTTL = time.Minute
	}
	if c.TrendingTTL <= 0 {
		c.TrendingTTL = time.Hour
	}
	if c.Freshness <= 0 {
		c.Freshness = time.Hour
	}
}

// Result is the caller-facing outcome of a repository listing.
type Result struct {
	Items      []model.Summary `json:"items"`
	TotalCount int             `json:"totalCount"`
	HasMore    bool            `json:"hasMore"`
	ServedFrom string          `json:"servedFrom"` // "store" or "upstream"
}

// Service composes the repository store, the upstream search client, the
// per-client rate limiter, the request coalescer and the key-value cache
// into the cache-first read path.
type Service struct {
	store     RepositoryStore
	search    Searcher
	limiter   Limiter
	coalescer *coalesce.Group
	kv        cache.Store
	logger    *slog.Logger
	cfg       Config

	tasks sync.WaitGroup
	now   func() time.Time
}

func NewService(store RepositoryStore, search Searcher, limiter Limiter, kv cache.Store, logger *slog.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		store:     store,
		search:    search,
		limiter:   limiter,
		coalescer: coalesce.NewGroup(),
		kv:        kv,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Close waits for outstanding background persistence tasks to drain.
func (s *Service) Close() {
	s.tasks.Wait()
}

// Fetch serves a repository listing. A non-empty store result is returned
// immediately; staleness only decides whether a background refresh is also
// kicked off. An empty store result falls through to the upstream provider
// behind the rate limiter, coalescer and key-value cache.
func (s *Service) Fetch(ctx context.Context, clientID string, p model.SearchParams) (*Result, error) {
	stored, err := s.store.Query(ctx, p)
	if err != nil {
		// A broken store must not take the read path down; the upstream
		// provider can still answer.
		s.logger.Warn("Store query failed, falling through to upstream", "error", err)
	} else if len(stored.Items) > 0 {
		s.maybeRefreshInBackground(p)
		return storeResult(stored, p), nil
	}

	res, err := s.fetchUpstream(ctx, clientID, p, searchCacheKey(p), s.cfg.SearchTTL, false)
	if err != nil {
		return nil, err
	}
	return upstreamResult(res), nil
}

// Refresh bypasses the store-hit short-circuit and the cached response for
// user-triggered cache refreshes. The fresh result still lands in the
// key-value cache and the store.
func (s *Service) Refresh(ctx context.Context, clientID string, p model.SearchParams) (*Result, error) {
	res, err := s.fetchUpstream(ctx, clientID, p, searchCacheKey(p), s.cfg.SearchTTL, true)
	if err != nil {
		return nil, err
	}
	return upstreamResult(res), nil
}

// Trending serves the trending view through a three-tier widening fallback:
// repositories created in the last day, then the last month, then an
// unbounded high-star query. Tiers run in strict order; each is only
// consulted when the previous one underperforms.
func (s *Service) Trending(ctx context.Context, clientID string, p model.SearchParams) (*Result, error) {
	if s.limiter.IsLimited(clientID) {
		return nil, &apperrors.RateLimitError{RetryAfter: s.limiter.RetryAfter()}
	}

	key := trendingCacheKey(p)
	res, _, err := s.coalescer.Do(key, func() (*model.SearchResult, error) {
		if cached, ok := s.cachedResult(ctx, key); ok {
			return cached, nil
		}
		res, err := s.trendingTiers(ctx, p)
		if err != nil {
			return nil, err
		}
		s.cacheResult(ctx, key, res, s.cfg.TrendingTTL)
		s.persistAsync(res.Items)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return upstreamResult(res), nil
}

func (s *Service) trendingTiers(ctx context.Context, p model.SearchParams) (*model.SearchResult, error) {
	base := github.SearchQuery{
		Language: p.Language,
		Sort:     "popular",
		Page:     pageOrDefault(p.Page),
		PerPage:  perPageOrDefault(p.PerPage),
	}

	narrow := base
	narrow.CreatedAfter = s.now().AddDate(0, 0, -trendingNarrowDays)
	res, err := s.search.Search(ctx, narrow)
	if err != nil {
		return nil, err
	}
	if len(res.Items) >= trendingMinResults {
		return res, nil
	}

	wide := base
	wide.CreatedAfter = s.now().AddDate(0, 0, -trendingWideDays)
	res, err = s.search.Search(ctx, wide)
	if err != nil {
		return nil, err
	}
	if len(res.Items) > 0 {
		return res, nil
	}

	unbounded := base
	unbounded.MinStars = trendingStarsFloor
	return s.search.Search(ctx, unbounded)
}

// Languages lists the distinct languages present in the store.
func (s *Service) Languages(ctx context.Context) ([]string, error) {
	return s.store.DistinctLanguages(ctx)
}

func (s *Service) fetchUpstream(ctx context.Context, clientID string, p model.SearchParams, key string, ttl time.Duration, skipCached bool) (*model.SearchResult, error) {
	if s.limiter.IsLimited(clientID) {
		return nil, &apperrors.RateLimitError{RetryAfter: s.limiter.RetryAfter()}
	}

	// Cache-bypassing fetches coalesce among themselves only. Sharing a
	// flight with the cached path could hand a refresh the very response it
	// was meant to bypass.
	coalesceKey := key
	if skipCached {
		coalesceKey = "refresh:" + key
	}
	res, _, err := s.coalescer.Do(coalesceKey, func() (*model.SearchResult, error) {
		if !skipCached {
			if cached, ok := s.cachedResult(ctx, key); ok {
				return cached, nil
			}
		}
		res, err := s.search.Search(ctx, github.SearchQuery{
			Terms:    p.Query,
			Language: p.Language,
			Topic:    p.Topic,
			Sort:     p.Sort,
			Order:    p.Order,
			Page:     pageOrDefault(p.Page),
			PerPage:  perPageOrDefault(p.PerPage),
		})
		if err != nil {
			return nil, err
		}
		s.cacheResult(ctx, key, res, ttl)
		s.persistAsync(res.Items)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// maybeRefreshInBackground refreshes a stale-but-nonempty cache hit without
// blocking the caller. The refresh goes through the coalescer, so a burst
// of stale hits for the same query still produces one upstream call.
func (s *Service) maybeRefreshInBackground(p model.SearchParams) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		stale, err := s.store.IsStale(ctx, s.cfg.Freshness)
		if err != nil {
			s.logger.Warn("Staleness check failed", "error", err)
			return
		}
		if !stale {
			return
		}
		s.logger.Debug("Refreshing stale cache in background")
		if _, err := s.fetchUpstream(ctx, "background-refresh", p, searchCacheKey(p), s.cfg.SearchTTL, true); err != nil {
			s.logger.Warn("Background refresh failed", "error", err)
		}
	}()
}

// persistAsync upserts fetched repositories without blocking the response
// path. Persistence is an optimization here: a failure is logged, never
// surfaced to the in-flight request.
func (s *Service) persistAsync(items []model.Repository) {
	if len(items) == 0 {
		return
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := s.store.UpsertMany(ctx, items); err != nil {
			s.logger.Error("Failed to persist fetched repositories", "count", len(items), "error", err)
			return
		}
		s.logger.Debug("Persisted fetched repositories", "count", len(items))
	}()
}

func (s *Service) cachedResult(ctx context.Context, key string) (*model.SearchResult, bool) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var res model.SearchResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		s.logger.Warn("Discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return &res, true
}

func (s *Service) cacheResult(ctx context.Context, key string, res *model.SearchResult, ttl time.Duration) {
	raw, err := json.Marshal(res)
	if err != nil {
		s.logger.Warn("Failed to encode result for caching", "key", key, "error", err)
		return
	}
	if err := s.kv.Set(ctx, key, string(raw), ttl); err != nil {
		s.logger.Warn("Failed to cache result", "key", key, "error", err)
	}
}

func storeResult(qr *model.QueryResult, p model.SearchParams) *Result {
	page := pageOrDefault(p.Page)
	perPage := perPageOrDefault(p.PerPage)
	return &Result{
		Items:      summaries(qr.Items),
		TotalCount: qr.TotalCount,
		HasMore:    page*perPage < qr.TotalCount,
		ServedFrom: "store",
	}
}

func upstreamResult(res *model.SearchResult) *Result {
	return &Result{
		Items:      summaries(res.Items),
		TotalCount: res.TotalCount,
		HasMore:    res.HasMore,
		ServedFrom: "upstream",
	}
}

func summaries(repos []model.Repository) []model.Summary {
	out := make([]model.Summary, 0, len(repos))
	for _, r := range repos {
		out = append(out, model.Summarize(r))
	}
	return out
}

func searchCacheKey(p model.SearchParams) string {
	return fmt.Sprintf("search:q=%s&lang=%s&diff=%s&topic=%s&sort=%s&order=%s&page=%d&per=%d",
		p.Query, p.Language, p.Difficulty, p.Topic, p.Sort, p.Order,
		pageOrDefault(p.Page), perPageOrDefault(p.PerPage))
}

func trendingCacheKey(p model.SearchParams) string {
	return fmt.Sprintf("trending:lang=%s&page=%d&per=%d",
		p.Language, pageOrDefault(p.Page), perPageOrDefault(p.PerPage))
}

func pageOrDefault(page int) int {
	if page <= 0 {
		return 1
	}
	return page
}

func perPageOrDefault(perPage int) int {
	if perPage <= 0 {
		return 20
	}
	return perPage
}
