// internal/store/store.go
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-repo-explorer/internal/model"
)

const queryTimeout = 5 * time.Second

// Store is the relational persistence layer for cached repositories, their
// topics, and user favorites. It is the single source of truth for what has
// been cached; concurrent writers are safe because every write is keyed by
// the immutable github_id.
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

const repoColumns = `id, github_id, name, full_name, description, html_url, clone_url,
	owner_avatar_url, language, stars_count, forks_count, open_issues_count,
	watchers_count, size, is_private, is_fork, is_archived, is_disabled,
	difficulty, repo_created_at, repo_updated_at, pushed_at, last_fetched`

const topicsSubquery = `COALESCE(
	(SELECT array_agg(t.name ORDER BY t.name)
	   FROM repository_topics rt
	   JOIN topics t ON t.id = rt.topic_id
	  WHERE rt.repository_id = r.id),
	'{}') AS topics`

// Upsert inserts or updates a repository keyed by github_id and reconciles
// its topic links, all in one transaction. A write for an existing
// github_id updates in place; topic names and links are created only if
// absent.
func (s *Store) Upsert(ctx context.Context, repo model.Repository) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.upsertInTx(ctx, tx, repo); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertMany upserts a batch of repositories in a single transaction.
func (s *Store) UpsertMany(ctx context.Context, repos []model.Repository) error {
	if len(repos) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout*time.Duration(1+len(repos)/20))
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, repo := range repos {
		if err := s.upsertInTx(ctx, tx, repo); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) upsertInTx(ctx context.Context, tx pgx.Tx, repo model.Repository) error {
	difficulty := model.DeriveDifficulty(repo.StarsCount, repo.ForksCount, repo.Size)

	var repoID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO repositories (
			github_id, name, full_name, description, html_url, clone_url,
			owner_avatar_url, language, stars_count, forks_count,
			open_issues_count, watchers_count, size, is_private, is_fork,
			is_archived, is_disabled, difficulty, repo_created_at,
			repo_updated_at, pushed_at, last_fetched
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (github_id) DO UPDATE SET
			name = EXCLUDED.name,
			full_name = EXCLUDED.full_name,
			description = EXCLUDED.description,
			html_url = EXCLUDED.html_url,
			clone_url = EXCLUDED.clone_url,
			owner_avatar_url = EXCLUDED.owner_avatar_url,
			language = EXCLUDED.language,
			stars_count = EXCLUDED.stars_count,
			forks_count = EXCLUDED.forks_count,
			open_issues_count = EXCLUDED.open_issues_count,
			watchers_count = EXCLUDED.watchers_count,
			size = EXCLUDED.size,
			is_private = EXCLUDED.is_private,
			is_fork = EXCLUDED.is_fork,
			is_archived = EXCLUDED.is_archived,
			is_disabled = EXCLUDED.is_disabled,
			difficulty = EXCLUDED.difficulty,
			repo_created_at = EXCLUDED.repo_created_at,
			repo_updated_at = EXCLUDED.repo_updated_at,
			pushed_at = EXCLUDED.pushed_at,
			last_fetched = EXCLUDED.last_fetched
		RETURNING id`,
		repo.GithubID, repo.Name, repo.FullName, repo.Description,
		repo.HTMLURL, repo.CloneURL, repo.OwnerAvatarURL, repo.Language,
		repo.StarsCount, repo.ForksCount, repo.OpenIssuesCount,
		repo.WatchersCount, repo.Size, repo.IsPrivate, repo.IsFork,
		repo.IsArchived, repo.IsDisabled, string(difficulty),
		repo.RepoCreatedAt, repo.RepoUpdatedAt, repo.PushedAt, s.now(),
	).Scan(&repoID)
	if err != nil {
		return fmt.Errorf("upsert repository %d: %w", repo.GithubID, err)
	}

	for _, topic := range repo.Topics {
		if topic == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO topics (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
			topic,
		); err != nil {
			return fmt.Errorf("upsert topic %q: %w", topic, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO repository_topics (repository_id, topic_id)
			SELECT $1, id FROM topics WHERE name = $2
			ON CONFLICT DO NOTHING`,
			repoID, topic,
		); err != nil {
			return fmt.Errorf("link topic %q: %w", topic, err)
		}
	}

	return nil
}

// Query filters, sorts and paginates the cached public repositories.
// Private, archived and disabled entries are never served.
func (s *Store) Query(ctx context.Context, p model.SearchParams) (*model.QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where := []string{"is_private = FALSE", "is_archived = FALSE", "is_disabled = FALSE"}
	var args []any

	if p.Query != "" {
		args = append(args, "%"+p.Query+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(name ILIKE $%d OR full_name ILIKE $%d OR description ILIKE $%d)", n, n, n))
	}
	if p.Language != "" && p.Language != "all" {
		args = append(args, p.Language)
		where = append(where, fmt.Sprintf("language ILIKE $%d", len(args)))
	}
	if p.Difficulty != "" && p.Difficulty != "all" {
		args = append(args, p.Difficulty)
		where = append(where, fmt.Sprintf("difficulty = $%d", len(args)))
	}
	if p.Topic != "" {
		args = append(args, p.Topic)
		where = append(where, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM repository_topics rt
			  JOIN topics t ON t.id = rt.topic_id
			 WHERE rt.repository_id = r.id AND t.name ILIKE $%d)`, len(args)))
	}

	perPage := p.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, perPage, (page-1)*perPage)

	query := fmt.Sprintf(`
		SELECT %s, %s, COUNT(*) OVER() AS total_count
		  FROM repositories r
		 WHERE %s
		 ORDER BY %s, r.id
		 LIMIT $%d OFFSET $%d`,
		prefixed(repoColumns, "r."), topicsSubquery,
		strings.Join(where, " AND "), orderClause(p.Sort, p.Order),
		len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer rows.Close()

	result := &model.QueryResult{Items: []model.Repository{}}
	for rows.Next() {
		repo, total, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		result.Items = append(result.Items, repo)
		result.TotalCount = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return result, nil
}

// DistinctLanguages returns the sorted set of languages present in the
// cache, for populating filter UIs.
func (s *Store) DistinctLanguages(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT language FROM repositories
		 WHERE language IS NOT NULL AND is_private = FALSE
		 ORDER BY language`)
	if err != nil {
		return nil, fmt.Errorf("query languages: %w", err)
	}
	defer rows.Close()

	var languages []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("scan language: %w", err)
		}
		languages = append(languages, lang)
	}
	return languages, rows.Err()
}

// IsStale reports whether the cache needs a refresh: no rows at all, or the
// most recent fetch is older than the freshness window.
func (s *Store) IsStale(ctx context.Context, freshness time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var lastFetched *time.Time
	err := s.db.QueryRow(ctx, `SELECT MAX(last_fetched) FROM repositories`).Scan(&lastFetched)
	if err != nil {
		return true, fmt.Errorf("query staleness: %w", err)
	}
	if lastFetched == nil {
		return true, nil
	}
	return s.now().Sub(*lastFetched) > freshness, nil
}

// EnsureUser creates the user row if it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, userID, email string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email) VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (id) DO NOTHING`, userID, email)
	if err != nil {
		return fmt.Errorf("ensure user %q: %w", userID, err)
	}
	return nil
}

// AddFavorite links a user to a cached repository. Favoriting the same
// repository twice is a no-op.
func (s *Store) AddFavorite(ctx context.Context, userID string, githubID int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		INSERT INTO favorites (user_id, repository_id)
		SELECT $1, id FROM repositories WHERE github_id = $2
		ON CONFLICT DO NOTHING`, userID, githubID)
	if err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the repository is unknown or the favorite already exists;
		// distinguish so callers can 404 on the former.
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM repositories WHERE github_id = $1)`,
			githubID).Scan(&exists); err != nil {
			return fmt.Errorf("check repository: %w", err)
		}
		if !exists {
			return pgx.ErrNoRows
		}
	}
	return nil
}

// RemoveFavorite unlinks a user from a repository.
func (s *Store) RemoveFavorite(ctx context.Context, userID string, githubID int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		DELETE FROM favorites f
		 USING repositories r
		 WHERE f.repository_id = r.id AND f.user_id = $1 AND r.github_id = $2`,
		userID, githubID)
	if err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	return nil
}

// ListFavorites returns a user's favorited repositories, most recent first.
func (s *Store) ListFavorites(ctx context.Context, userID string, page, perPage int) (*model.QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}

	query := fmt.Sprintf(`
		SELECT %s, %s, COUNT(*) OVER() AS total_count
		  FROM favorites f
		  JOIN repositories r ON r.id = f.repository_id
		 WHERE f.user_id = $1
		 ORDER BY f.favorited_at DESC, r.id
		 LIMIT $2 OFFSET $3`,
		prefixed(repoColumns, "r."), topicsSubquery)

	rows, err := s.db.Query(ctx, query, userID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("query favorites: %w", err)
	}
	defer rows.Close()

	result := &model.QueryResult{Items: []model.Repository{}}
	for rows.Next() {
		repo, total, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		result.Items = append(result.Items, repo)
		result.TotalCount = total
	}
	return result, rows.Err()
}

func scanRepository(rows pgx.Rows) (model.Repository, int, error) {
	var (
		repo       model.Repository
		difficulty string
		total      int
	)
	err := rows.Scan(
		&repo.ID, &repo.GithubID, &repo.Name, &repo.FullName,
		&repo.Description, &repo.HTMLURL, &repo.CloneURL,
		&repo.OwnerAvatarURL, &repo.Language, &repo.StarsCount,
		&repo.ForksCount, &repo.OpenIssuesCount, &repo.WatchersCount,
		&repo.Size, &repo.IsPrivate, &repo.IsFork, &repo.IsArchived,
		&repo.IsDisabled, &difficulty, &repo.RepoCreatedAt,
		&repo.RepoUpdatedAt, &repo.PushedAt, &repo.LastFetched,
		&repo.Topics, &total,
	)
	repo.Difficulty = model.Difficulty(difficulty)
	return repo, total, err
}

// orderClause maps the caller-facing sort enumeration onto a column and
// direction. An explicit order parameter overrides the sort's default
// direction. Values are mapped through fixed tables, never interpolated
// from caller input.
func orderClause(sort, order string) string {
	column := "r.stars_count"
	direction := "DESC"
	switch sort {
	case "new":
		column = "r.repo_created_at"
	case "old":
		column, direction = "r.repo_created_at", "ASC"
	case "growing":
		column = "r.repo_updated_at"
	}
	switch order {
	case "asc":
		direction = "ASC"
	case "desc":
		direction = "DESC"
	}
	return column + " " + direction
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
