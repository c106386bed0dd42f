// internal/model/models.go
package model

import "time"

// Difficulty is a coarse contribution-friendliness tier derived from
// repository metrics at upsert time.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// DeriveDifficulty classifies a repository from its star, fork and size
// metrics. The thresholds are part of the service contract: identical inputs
// must always yield identical tiers.
func DeriveDifficulty(stars, forks, sizeKB int) Difficulty {
	if stars < 10 && forks < 5 && sizeKB < 1000 {
		return DifficultyBeginner
	}
	if stars < 100 && forks < 20 && sizeKB < 10000 {
		return DifficultyIntermediate
	}
	return DifficultyAdvanced
}

// Repository is the cached form of an upstream GitHub repository.
type Repository struct {
	ID              int64
	GithubID        int64
	Name            string
	FullName        string
	Description     *string
	HTMLURL         string
	CloneURL        string
	OwnerAvatarURL  string
	Language        *string
	StarsCount      int
	ForksCount      int
	OpenIssuesCount int
	WatchersCount   int
	Size            int
	Topics          []string
	IsPrivate       bool
	IsFork          bool
	IsArchived      bool
	IsDisabled      bool
	RepoCreatedAt   time.Time
	RepoUpdatedAt   time.Time
	PushedAt        time.Time
	LastFetched     time.Time
	Difficulty      Difficulty
}

// SearchParams are the caller-facing query parameters, already validated by
// the transport layer.
type SearchParams struct {
	Query      string
	Language   string // "all" or a language name
	Difficulty string // "all", "beginner", "intermediate", "advanced"
	Topic      string // optional topic filter
	Sort       string // "popular", "new", "old", "growing"
	Order      string // "asc" or "desc"
	Page       int    // 1-based
	PerPage    int
}

// SearchResult is a page of repositories from the upstream search provider.
type SearchResult struct {
	Items      []Repository `json:"items"`
	TotalCount int          `json:"totalCount"`
	HasMore    bool         `json:"hasMore"`
}

// QueryResult is a page of repositories served from the local store.
type QueryResult struct {
	Items      []Repository
	TotalCount int
}

// Summary is the caller-facing projection of a repository.
type Summary struct {
	ID             int64      `json:"id"`
	FullName       string     `json:"fullName"`
	HTMLURL        string     `json:"htmlUrl"`
	Description    string     `json:"description"`
	Language       string     `json:"language"`
	Stars          int        `json:"stars"`
	Forks          int        `json:"forks"`
	Topics         []string   `json:"topics"`
	OwnerAvatarURL string     `json:"ownerAvatarUrl"`
	Difficulty     Difficulty `json:"difficulty,omitempty"`
}

// Summarize projects a Repository into its caller-facing shape.
func Summarize(r Repository) Summary {
	s := Summary{
		ID:             r.GithubID,
		FullName:       r.FullName,
		HTMLURL:        r.HTMLURL,
		Stars:          r.StarsCount,
		Forks:          r.ForksCount,
		Topics:         r.Topics,
		OwnerAvatarURL: r.OwnerAvatarURL,
		Difficulty:     r.Difficulty,
	}
	if r.Description != nil {
		s.Description = *r.Description
	}
	if r.Language != nil {
		s.Language = *r.Language
	}
	if s.Topics == nil {
		s.Topics = []string{}
	}
	return s
}
