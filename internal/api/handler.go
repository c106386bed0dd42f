// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	apperrors "github-repo-explorer/internal/errors"
	"github-repo-explorer/internal/model"
	"github-repo-explorer/internal/repocache"
)

// RepositoryService is the slice of the orchestrator the handlers need.
type RepositoryService interface {
	Fetch(ctx context.Context, clientID string, p model.SearchParams) (*repocache.Result, error)
	Refresh(ctx context.Context, clientID string, p model.SearchParams) (*repocache.Result, error)
	Trending(ctx context.Context, clientID string, p model.SearchParams) (*repocache.Result, error)
	Languages(ctx context.Context) ([]string, error)
}

// RepositoryDetails fetches a single repository with its language breakdown.
type RepositoryDetails interface {
	GetRepositoryWithLanguages(ctx context.Context, owner, name string) (*model.Repository, map[string]int, error)
}

// FavoritesStore is the slice of the persistence layer backing favorites.
type FavoritesStore interface {
	EnsureUser(ctx context.Context, userID, email string) error
	AddFavorite(ctx context.Context, userID string, githubID int64) error
	RemoveFavorite(ctx context.Context, userID string, githubID int64) error
	ListFavorites(ctx context.Context, userID string, page, perPage int) (*model.QueryResult, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	svc       RepositoryService
	details   RepositoryDetails
	favorites FavoritesStore
	logger    *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(svc RepositoryService, details RepositoryDetails, favorites FavoritesStore, logger *slog.Logger) http.Handler {
	h := &Handler{
		svc:       svc,
		details:   details,
		favorites: favorites,
		logger:    logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repositories", h.listRepositories)
		r.Get("/repositories/trending", h.trendingRepositories)
		r.Post("/repositories/refresh", h.refreshRepositories)
		r.Get("/repositories/{owner}/{name}", h.getRepository)
		r.Get("/languages", h.listLanguages)

		r.Route("/users/{userID}/favorites", func(r chi.Router) {
			r.Get("/", h.listFavorites)
			r.Put("/{githubID}", h.addFavorite)
			r.Delete("/{githubID}", h.removeFavorite)
		})
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listRepositories serves the cache-first repository listing.
// GET /v1/repositories?q=...&language=...&difficulty=...&sort=...&order=...&page=N&perPage=N
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	res, err := h.svc.Fetch(r.Context(), clientIP(r), params)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// trendingRepositories serves the trending view.
// GET /v1/repositories/trending?language=...&page=N&perPage=N
func (h *Handler) trendingRepositories(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	res, err := h.svc.Trending(r.Context(), clientIP(r), params)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// refreshRepositories forces an upstream fetch, bypassing the stored cache.
// POST /v1/repositories/refresh?q=...
func (h *Handler) refreshRepositories(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	res, err := h.svc.Refresh(r.Context(), clientIP(r), params)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// getRepository serves a single repository with its language breakdown.
// GET /v1/repositories/{owner}/{name}
func (h *Handler) getRepository(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	repo, langs, err := h.details.GetRepositoryWithLanguages(r.Context(), owner, name)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"repository": model.Summarize(*repo),
		"languages":  langs,
	})
}

// listLanguages serves the distinct languages present in the cache.
// GET /v1/languages
func (h *Handler) listLanguages(w http.ResponseWriter, r *http.Request) {
	langs, err := h.svc.Languages(r.Context())
	if err != nil {
		h.logger.Error("Failed to list languages", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if langs == nil {
		langs = []string{}
	}
	respondWithJSON(w, http.StatusOK, map[string][]string{"languages": langs})
}

// addFavorite links a repository to a user.
// PUT /v1/users/{userID}/favorites/{githubID}
func (h *Handler) addFavorite(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	githubID, err := strconv.ParseInt(chi.URLParam(r, "githubID"), 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid repository id")
		return
	}

	if err := h.favorites.EnsureUser(r.Context(), userID, ""); err != nil {
		h.logger.Error("Failed to ensure user", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.favorites.AddFavorite(r.Context(), userID, githubID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to add favorite", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// removeFavorite unlinks a repository from a user.
// DELETE /v1/users/{userID}/favorites/{githubID}
func (h *Handler) removeFavorite(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	githubID, err := strconv.ParseInt(chi.URLParam(r, "githubID"), 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid repository id")
		return
	}

	if err := h.favorites.RemoveFavorite(r.Context(), userID, githubID); err != nil {
		h.logger.Error("Failed to remove favorite", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listFavorites serves a user's favorited repositories.
// GET /v1/users/{userID}/favorites?page=N&perPage=N
func (h *Handler) listFavorites(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	page, perPage, err := parsePagination(r)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	qr, err := h.favorites.ListFavorites(r.Context(), userID, page, perPage)
	if err != nil {
		h.logger.Error("Failed to list favorites", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	items := make([]model.Summary, 0, len(qr.Items))
	for _, repo := range qr.Items {
		items = append(items, model.Summarize(repo))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"totalCount": qr.TotalCount,
		"hasMore":    page*perPage < qr.TotalCount,
	})
}

// parseSearchParams validates the caller-facing query parameters. Malformed
// input is rejected before any external call is made.
func parseSearchParams(r *http.Request) (model.SearchParams, error) {
	q := r.URL.Query()

	page, perPage, err := parsePagination(r)
	if err != nil {
		return model.SearchParams{}, err
	}

	sort := q.Get("sort")
	switch sort {
	case "", "popular", "new", "old", "growing":
	default:
		return model.SearchParams{}, &apperrors.InvalidQueryError{Param: "sort", Reason: "must be one of popular, new, old, growing"}
	}

	order := q.Get("order")
	switch order {
	case "", "asc", "desc":
	default:
		return model.SearchParams{}, &apperrors.InvalidQueryError{Param: "order", Reason: "must be asc or desc"}
	}

	difficulty := q.Get("difficulty")
	switch difficulty {
	case "", "all", "beginner", "intermediate", "advanced":
	default:
		return model.SearchParams{}, &apperrors.InvalidQueryError{Param: "difficulty", Reason: "must be all, beginner, intermediate or advanced"}
	}

	return model.SearchParams{
		Query:      q.Get("q"),
		Language:   q.Get("language"),
		Difficulty: difficulty,
		Topic:      q.Get("topic"),
		Sort:       sort,
		Order:      order,
		Page:       page,
		PerPage:    perPage,
	}, nil
}

func parsePagination(r *http.Request) (page, perPage int, err error) {
	page, err = positiveIntParam(r, "page", 1, math.MaxInt)
	if err != nil {
		return 0, 0, err
	}
	perPage, err = positiveIntParam(r, "perPage", 20, 100)
	if err != nil {
		return 0, 0, err
	}
	return page, perPage, nil
}

func positiveIntParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > max {
		return 0, &apperrors.InvalidQueryError{Param: name, Reason: "must be a positive integer"}
	}
	return v, nil
}

// respondWithServiceError maps the error taxonomy onto HTTP statuses.
// Retryable conditions carry a Retry-After header so callers can back off.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	var invalid *apperrors.InvalidQueryError
	if errors.As(err, &invalid) {
		respondWithError(w, http.StatusBadRequest, invalid.Error())
		return
	}
	var notFound *apperrors.NotFoundError
	if errors.As(err, &notFound) {
		respondWithError(w, http.StatusNotFound, "Repository not found")
		return
	}
	if retryAfter, ok := apperrors.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		respondWithError(w, http.StatusTooManyRequests, "Temporarily rate limited, please retry later")
		return
	}
	h.logger.Error("Repository request failed", "error", err)
	respondWithError(w, http.StatusBadGateway, "Search failed")
}

// clientIP is the rate-limit identity for a request. RealIP middleware has
// already rewritten RemoteAddr when a proxy header was present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already out; nothing left to do but note it.
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
