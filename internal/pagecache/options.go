package pagecache

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultCapacity      = 10
	DefaultLowDPI        = 36
	DefaultHighDPI       = 150
	DefaultPrefetchLimit = 2
)

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity sets the maximum number of resident pages.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithClock replaces time.Now as the source of access timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDPI sets the render resolution of both qualities at zoom 1.
func WithDPI(low, high float64) Option {
	return func(c *Cache) {
		if low > 0 {
			c.lowDPI = low
		}
		if high > 0 {
			c.highDPI = high
		}
	}
}

// WithPrefetchLimit bounds concurrent prefetch renders.
func WithPrefetchLimit(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.prefetchLimit = n
		}
	}
}

// WithPrefetchRate paces prefetch renders. Explicit requests are never paced.
func WithPrefetchRate(r rate.Limit, burst int) Option {
	return func(c *Cache) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithObserver receives render and eviction events. It is called without
// the cache lock held and must not block for long.
func WithObserver(fn func(Event)) Option {
	return func(c *Cache) {
		c.observer = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}
