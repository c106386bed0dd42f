// internal/cache/fallback.go
package cache

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Fallback composes a durable Store with an in-process Memory store. The
// durable store is tried first; once it fails with a connectivity-class
// error (any error outside production), the Fallback downgrades to Memory
// for the remainder of the process lifetime and does not retry the durable
// store. Get and Set never fail for cache-miss conditions.
type Fallback struct {
	durable    Store
	memory     *Memory
	logger     *slog.Logger
	production bool

	downgraded atomic.Bool
	warnOnce   sync.Once
}

// NewFallback wires the decorator. A nil durable store selects Memory
// immediately; in production that is a loud warning because the in-process
// store is neither shared across instances nor persistent.
func NewFallback(durable Store, logger *slog.Logger, production bool) *Fallback {
	f := &Fallback{
		durable:    durable,
		memory:     NewMemory(),
		logger:     logger,
		production: production,
	}
	if durable == nil {
		f.downgraded.Store(true)
		if production {
			logger.Error("No durable cache configured in production; falling back to in-memory cache. Cached data will not survive restarts and is not shared across instances.")
		} else {
			logger.Warn("No durable cache configured; using in-memory cache")
		}
	}
	return f
}

func (f *Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	if f.downgraded.Load() {
		return f.memory.Get(ctx, key)
	}
	val, ok, err := f.durable.Get(ctx, key)
	if err != nil {
		f.handleError("get", err)
		return f.memory.Get(ctx, key)
	}
	return val, ok, nil
}

func (f *Fallback) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.downgraded.Load() {
		return f.memory.Set(ctx, key, value, ttl)
	}
	if err := f.durable.Set(ctx, key, value, ttl); err != nil {
		f.handleError("set", err)
		return f.memory.Set(ctx, key, value, ttl)
	}
	return nil
}

// handleError downgrades permanently when the error indicates the durable
// store is unreachable (or on any error outside production, to keep local
// development unblocked). Other errors are logged and the failing operation
// is served from memory, but the durable store stays in rotation.
func (f *Fallback) handleError(op string, err error) {
	if f.production && !isConnectivityError(err) {
		f.logger.Warn("Durable cache operation failed", "op", op, "error", err)
		return
	}
	if f.downgraded.CompareAndSwap(false, true) {
		f.warnOnce.Do(func() {
			f.logger.Warn("Durable cache unreachable; downgrading to in-memory cache for the remainder of the process lifetime", "op", op, "error", err)
		})
	}
}

func isConnectivityError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
