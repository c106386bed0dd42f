// internal/coalesce/coalesce_test.go
package coalesce

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-repo-explorer/internal/model"
)

func TestGroup_CoalescesConcurrentCalls(t *testing.T) {
	g := NewGroup()

	var calls int32
	release := make(chan struct{})
	fetch := func() (*model.SearchResult, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &model.SearchResult{TotalCount: 7}, nil
	}

	const waiters = 5
	results := make([]*model.SearchResult, waiters)
	errs := make([]error, waiters)

	var started, done sync.WaitGroup
	started.Add(waiters)
	done.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			started.Done()
			defer done.Done()
			results[i], _, errs[i] = g.Do("q=go&page=1", fetch)
		}(i)
	}

	started.Wait()
	// Give all goroutines a chance to attach to the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fetch should run exactly once")
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "all callers share the same result")
	}
}

func TestGroup_EntryClearedAfterCompletion(t *testing.T) {
	g := NewGroup()

	var calls int32
	fetch := func() (*model.SearchResult, error) {
		atomic.AddInt32(&calls, 1)
		return &model.SearchResult{}, nil
	}

	_, _, err := g.Do("k", fetch)
	require.NoError(t, err)
	_, _, err = g.Do("k", fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "sequential calls each invoke the fetch")
}

func TestGroup_SharedFailure(t *testing.T) {
	g := NewGroup()

	boom := errors.New("upstream exploded")
	res, _, err := g.Do("k", func() (*model.SearchResult, error) {
		return nil, boom
	})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)
}
