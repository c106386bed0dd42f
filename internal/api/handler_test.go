// internal/api/handler_test.go
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github-repo-explorer/internal/errors"
	"github-repo-explorer/internal/model"
	"github-repo-explorer/internal/repocache"
)

// MockService is a mock of the RepositoryService interface.
type MockService struct {
	mock.Mock
}

func (m *MockService) Fetch(ctx context.Context, clientID string, p model.SearchParams) (*repocache.Result, error) {
	args := m.Called(ctx, clientID, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repocache.Result), args.Error(1)
}

func (m *MockService) Refresh(ctx context.Context, clientID string, p model.SearchParams) (*repocache.Result, error) {
	args := m.Called(ctx, clientID, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repocache.Result), args.Error(1)
}

func (m *MockService) Trending(ctx context.Context, clientID string, p model.SearchParams) (*repocache.Result, error) {
	args := m.Called(ctx, clientID, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repocache.Result), args.Error(1)
}

func (m *MockService) Languages(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

type stubDetails struct {
	repo  *model.Repository
	langs map[string]int
	err   error
}

func (s *stubDetails) GetRepositoryWithLanguages(context.Context, string, string) (*model.Repository, map[string]int, error) {
	return s.repo, s.langs, s.err
}

type stubFavorites struct {
	addErr  error
	listRes *model.QueryResult
}

func (s *stubFavorites) EnsureUser(context.Context, string, string) error { return nil }
func (s *stubFavorites) AddFavorite(context.Context, string, int64) error { return s.addErr }
func (s *stubFavorites) RemoveFavorite(context.Context, string, int64) error {
	return nil
}
func (s *stubFavorites) ListFavorites(context.Context, string, int, int) (*model.QueryResult, error) {
	return s.listRes, nil
}

func newTestRouter(svc RepositoryService, favorites FavoritesStore) http.Handler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRouter(svc, &stubDetails{repo: &model.Repository{GithubID: 1}}, favorites, logger)
}

func TestHandler_HealthCheck(t *testing.T) {
	router := newTestRouter(new(MockService), &stubFavorites{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestHandler_ListRepositories(t *testing.T) {
	t.Run("serves the orchestrator result", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Fetch", mock.Anything, mock.Anything, model.SearchParams{
			Query: "go", Sort: "popular", Page: 1, PerPage: 20,
		}).Return(&repocache.Result{
			Items:      []model.Summary{{ID: 1, FullName: "octo/go"}},
			TotalCount: 1,
			ServedFrom: "store",
		}, nil).Once()
		router := newTestRouter(svc, &stubFavorites{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/repositories?q=go&sort=popular", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"servedFrom":"store"`)
		svc.AssertExpectations(t)
	})

	t.Run("rejects malformed parameters before any call", func(t *testing.T) {
		svc := new(MockService)
		router := newTestRouter(svc, &stubFavorites{})

		for _, target := range []string{
			"/v1/repositories?sort=wat",
			"/v1/repositories?order=sideways",
			"/v1/repositories?difficulty=expert",
			"/v1/repositories?page=0",
			"/v1/repositories?page=abc",
			"/v1/repositories?perPage=9000",
		} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		}
		svc.AssertNotCalled(t, "Fetch")
	})

	t.Run("maps retryable errors to 429 with Retry-After", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Fetch", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &apperrors.RateLimitError{RetryAfter: 15 * time.Second}).Once()
		router := newTestRouter(svc, &stubFavorites{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/repositories", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "15", rec.Header().Get("Retry-After"))
	})

	t.Run("maps generic upstream failure to 502", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Fetch", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, assert.AnError).Once()
		router := newTestRouter(svc, &stubFavorites{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/repositories", nil))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandler_TrendingAndRefreshRoutes(t *testing.T) {
	svc := new(MockService)
	svc.On("Trending", mock.Anything, mock.Anything, mock.Anything).
		Return(&repocache.Result{ServedFrom: "upstream"}, nil).Once()
	svc.On("Refresh", mock.Anything, mock.Anything, mock.Anything).
		Return(&repocache.Result{ServedFrom: "upstream"}, nil).Once()
	router := newTestRouter(svc, &stubFavorites{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/repositories/trending", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/repositories/refresh?q=go", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.AssertExpectations(t)
}

func TestHandler_GetRepository_UnknownIs404(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	router := NewRouter(new(MockService), &stubDetails{err: &apperrors.NotFoundError{Resource: "repository"}}, &stubFavorites{}, logger)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/repositories/octo/ghost", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Repository not found")
}

func TestHandler_Favorites(t *testing.T) {
	t.Run("favoriting an unknown repository is 404", func(t *testing.T) {
		router := newTestRouter(new(MockService), &stubFavorites{addErr: pgx.ErrNoRows})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/users/u1/favorites/999", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("favoriting succeeds with 204", func(t *testing.T) {
		router := newTestRouter(new(MockService), &stubFavorites{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/users/u1/favorites/42", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("listing favorites paginates", func(t *testing.T) {
		router := newTestRouter(new(MockService), &stubFavorites{
			listRes: &model.QueryResult{Items: []model.Repository{{GithubID: 42}}, TotalCount: 25},
		})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/u1/favorites?page=1&perPage=20", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"hasMore":true`)
	})
}

func TestHandler_ListLanguages(t *testing.T) {
	svc := new(MockService)
	svc.On("Languages", mock.Anything).Return([]string{"Go", "Rust"}, nil).Once()
	router := newTestRouter(svc, &stubFavorites{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/languages", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"languages": ["Go", "Rust"]}`, rec.Body.String())
}
