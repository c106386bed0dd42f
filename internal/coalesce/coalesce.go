// internal/coalesce/coalesce.go
package coalesce

import (
	"golang.org/x/sync/singleflight"

	"github-repo-explorer/internal/model"
)

// Group deduplicates concurrent identical upstream searches. Among callers
// that overlap in flight for the same key, the fetch function runs at most
// once and every caller observes the same outcome.
type Group struct {
	sf singleflight.Group
}

func NewGroup() *Group {
	return &Group{}
}

// Do runs fn under key, returning the shared result and whether this caller
// piggybacked on another caller's in-flight fetch.
func (g *Group) Do(key string, fn func() (*model.SearchResult, error)) (*model.SearchResult, bool, error) {
	v, err, shared := g.sf.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*model.SearchResult), shared, nil
}
