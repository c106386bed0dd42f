//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-repo-explorer/internal/model"
	"github-repo-explorer/internal/store"
)

func setupTestDatabase(ctx context.Context, t *testing.T) *pgxpool.Pool {
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		dbpool.Close()
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	return dbpool
}

func testRepo(githubID int64) model.Repository {
	desc := "a demo repository"
	lang := "Go"
	now := time.Now().UTC().Truncate(time.Second)
	return model.Repository{
		GithubID:       githubID,
		Name:           "demo",
		FullName:       "octo/demo",
		Description:    &desc,
		HTMLURL:        "https://github.com/octo/demo",
		CloneURL:       "https://github.com/octo/demo.git",
		OwnerAvatarURL: "https://avatars.example/1",
		Language:       &lang,
		StarsCount:     5,
		ForksCount:     2,
		Size:           500,
		Topics:         []string{"cli", "tools"},
		RepoCreatedAt:  now.AddDate(0, -6, 0),
		RepoUpdatedAt:  now,
		PushedAt:       now,
	}
}

func TestStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool := setupTestDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := store.New(dbpool, logger)

	t.Run("upsert is idempotent on github_id", func(t *testing.T) {
		repo := testRepo(100)
		require.NoError(t, s.Upsert(ctx, repo))

		repo.StarsCount = 4200
		require.NoError(t, s.Upsert(ctx, repo))

		res, err := s.Query(ctx, model.SearchParams{Query: "demo"})
		require.NoError(t, err)
		require.Equal(t, 1, res.TotalCount, "no duplicate row for the same github_id")
		assert.Equal(t, 4200, res.Items[0].StarsCount, "row reflects the latest counts")
		assert.Equal(t, model.DifficultyAdvanced, res.Items[0].Difficulty,
			"difficulty is re-derived on update")
	})

	t.Run("topic links are deduplicated", func(t *testing.T) {
		repo := testRepo(101)
		repo.FullName = "octo/topical"
		repo.Name = "topical"
		require.NoError(t, s.Upsert(ctx, repo))
		require.NoError(t, s.Upsert(ctx, repo))

		var links int
		require.NoError(t, dbpool.QueryRow(ctx, `
			SELECT COUNT(*) FROM repository_topics rt
			  JOIN repositories r ON r.id = rt.repository_id
			 WHERE r.github_id = 101`).Scan(&links))
		assert.Equal(t, 2, links, "one link per distinct topic")

		res, err := s.Query(ctx, model.SearchParams{Query: "topical"})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, []string{"cli", "tools"}, res.Items[0].Topics)
	})

	t.Run("query hides private, archived and disabled entries", func(t *testing.T) {
		private := testRepo(102)
		private.Name, private.FullName = "hidden", "octo/hidden"
		private.IsPrivate = true
		archived := testRepo(103)
		archived.Name, archived.FullName = "dusty", "octo/dusty"
		archived.IsArchived = true
		require.NoError(t, s.UpsertMany(ctx, []model.Repository{private, archived}))

		for _, q := range []string{"hidden", "dusty"} {
			res, err := s.Query(ctx, model.SearchParams{Query: q})
			require.NoError(t, err)
			assert.Empty(t, res.Items, q)
		}
	})

	t.Run("query filters by language and difficulty", func(t *testing.T) {
		rust := "Rust"
		repo := testRepo(104)
		repo.Name, repo.FullName = "oxidized", "ferris/oxidized"
		repo.Language = &rust
		repo.StarsCount, repo.ForksCount, repo.Size = 50, 10, 5000 // intermediate
		require.NoError(t, s.Upsert(ctx, repo))

		res, err := s.Query(ctx, model.SearchParams{Language: "rust", Difficulty: "intermediate"})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, int64(104), res.Items[0].GithubID)

		res, err = s.Query(ctx, model.SearchParams{Language: "rust", Difficulty: "beginner"})
		require.NoError(t, err)
		assert.Empty(t, res.Items)
	})

	t.Run("query filters by topic", func(t *testing.T) {
		repo := testRepo(105)
		repo.Name, repo.FullName = "brainy", "octo/brainy"
		repo.Topics = []string{"ml"}
		require.NoError(t, s.Upsert(ctx, repo))

		res, err := s.Query(ctx, model.SearchParams{Topic: "ml"})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, int64(105), res.Items[0].GithubID)

		res, err = s.Query(ctx, model.SearchParams{Query: "brainy", Topic: "web"})
		require.NoError(t, err)
		assert.Empty(t, res.Items, "a topic mismatch excludes otherwise matching rows")
	})

	t.Run("query sorts and paginates", func(t *testing.T) {
		res, err := s.Query(ctx, model.SearchParams{Sort: "popular", Page: 1, PerPage: 2})
		require.NoError(t, err)
		require.Len(t, res.Items, 2)
		assert.GreaterOrEqual(t, res.Items[0].StarsCount, res.Items[1].StarsCount)
		assert.Greater(t, res.TotalCount, 2)
	})

	t.Run("distinct languages are sorted", func(t *testing.T) {
		langs, err := s.DistinctLanguages(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Go", "Rust"}, langs)
	})

	t.Run("staleness follows last_fetched", func(t *testing.T) {
		stale, err := s.IsStale(ctx, time.Hour)
		require.NoError(t, err)
		assert.False(t, stale, "fresh rows were just written")

		_, err = dbpool.Exec(ctx, `UPDATE repositories SET last_fetched = NOW() - INTERVAL '2 hours'`)
		require.NoError(t, err)

		stale, err = s.IsStale(ctx, time.Hour)
		require.NoError(t, err)
		assert.True(t, stale)
	})

	t.Run("favorites are unique per user and repository", func(t *testing.T) {
		require.NoError(t, s.EnsureUser(ctx, "u1", "u1@example.com"))
		require.NoError(t, s.AddFavorite(ctx, "u1", 100))
		require.NoError(t, s.AddFavorite(ctx, "u1", 100))

		favs, err := s.ListFavorites(ctx, "u1", 1, 20)
		require.NoError(t, err)
		require.Equal(t, 1, favs.TotalCount)
		assert.Equal(t, int64(100), favs.Items[0].GithubID)

		require.NoError(t, s.RemoveFavorite(ctx, "u1", 100))
		favs, err = s.ListFavorites(ctx, "u1", 1, 20)
		require.NoError(t, err)
		assert.Zero(t, favs.TotalCount)
	})

	t.Run("favoriting an unknown repository errors", func(t *testing.T) {
		err := s.AddFavorite(ctx, "u1", 999999)
		assert.Error(t, err)
	})
}
