// Package pagecache keeps a bounded set of rendered plan pages and upgrades
// them from a quick low resolution preview to a high resolution surface.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/plan-takeoff/backend/internal/document"
	"github.com/plan-takeoff/backend/internal/models"
)

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("page cache closed")

const maxZoom = 8

type entry struct {
	low          *Surface
	high         *Surface
	lastAccessed time.Time
}

// lookup returns a surface satisfying (q, p) with hit=true, or the best
// preview available with hit=false.
func (e *entry) lookup(q Quality, p Params) (*Surface, bool) {
	if q == Low && e.low.satisfies(Low, p) {
		return e.low, true
	}
	if e.high.satisfies(q, p) {
		return e.high, true
	}
	if e.low != nil && e.low.Params == p {
		return e.low, false
	}
	if e.low != nil {
		return e.low, false
	}
	return e.high, false
}

func (e *entry) store(s *Surface) {
	switch s.Quality {
	case High:
		e.high = s
		if e.low != nil && e.low.Params != s.Params {
			e.low = nil
		}
	default:
		e.low = s
		if e.high != nil && e.high.Params != s.Params {
			e.high = nil
		}
	}
}

type jobKey struct {
	page    int
	quality Quality
}

// job is one in-flight render shared by every waiter asking for the same
// page, quality and params.
type job struct {
	key      jobKey
	params   Params
	prefetch bool
	cancel   context.CancelFunc
	waiters  []chan Outcome
}

// Cache is a bounded LRU of rendered pages for one document.
type Cache struct {
	doc document.Renderer

	capacity      int
	now           func() time.Time
	lowDPI        float64
	highDPI       float64
	prefetchLimit int
	limiter       *rate.Limiter
	observer      func(Event)
	log           *slog.Logger

	mu        sync.Mutex
	entries   map[int]*entry
	jobs      map[jobKey]*job
	protected map[int]bool
	closed    bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a cache rendering pages of doc.
func New(doc document.Renderer, opts ...Option) *Cache {
	ctx, stop := context.WithCancel(context.Background())
	c := &Cache{
		doc:           doc,
		capacity:      DefaultCapacity,
		now:           time.Now,
		lowDPI:        DefaultLowDPI,
		highDPI:       DefaultHighDPI,
		prefetchLimit: DefaultPrefetchLimit,
		limiter:       rate.NewLimiter(rate.Inf, 1),
		log:           slog.Default(),
		entries:       make(map[int]*entry),
		jobs:          make(map[jobKey]*job),
		protected:     make(map[int]bool),
		ctx:           ctx,
		stop:          stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "pagecache")
	return c
}

// PageCount returns the page count of the underlying document.
func (c *Cache) PageCount() int { return c.doc.PageCount() }

// Capacity returns the maximum number of resident pages.
func (c *Cache) Capacity() int { return c.capacity }

func (c *Cache) normalize(page int, q Quality, p Params) (Params, error) {
	if page < 1 || page > c.doc.PageCount() {
		return p, &models.ValidationError{Field: "page", Reason: fmt.Sprintf("must be between 1 and %d", c.doc.PageCount())}
	}
	if q != Low && q != High {
		return p, &models.ValidationError{Field: "quality", Reason: fmt.Sprintf("unknown quality %q", q)}
	}
	return normalizeParams(p)
}

func normalizeParams(p Params) (Params, error) {
	if p.Zoom == 0 {
		p.Zoom = 1
	}
	if p.Zoom < 0 || p.Zoom > maxZoom || math.IsNaN(p.Zoom) {
		return p, &models.ValidationError{Field: "zoom", Reason: fmt.Sprintf("must be in (0, %d]", maxZoom)}
	}
	rot, ok := document.NormalizeRotation(p.Rotation)
	if !ok {
		return p, &models.ValidationError{Field: "rotation", Reason: "must be a multiple of 90"}
	}
	p.Rotation = rot
	return p, nil
}

func (c *Cache) scale(q Quality, zoom float64) float64 {
	dpi := c.lowDPI
	if q == High {
		dpi = c.highDPI
	}
	return dpi / 72 * zoom
}

// RequestPage returns the cached surface for page when it satisfies quality
// and params. Otherwise it returns the best available preview and renders
// the requested quality in the background. Requests for different params
// cancel in-flight renders of the page for the old params.
func (c *Cache) RequestPage(page int, quality Quality, params Params) (*Request, error) {
	params, err := c.normalize(page, quality, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	// Cancel renders for old params even on a hit, so a late stale surface
	// cannot replace the current one.
	events := c.supersedeLocked(page, params)

	var preview *Surface
	if e := c.entries[page]; e != nil {
		e.lastAccessed = c.now()
		s, hit := e.lookup(quality, params)
		if hit {
			c.mu.Unlock()
			c.emit(events)
			done := make(chan Outcome, 1)
			done <- Outcome{Surface: s}
			return &Request{Surface: s, Hit: true, Done: done}, nil
		}
		preview = s
	}

	done := c.scheduleLocked(page, quality, params, false)
	c.mu.Unlock()

	c.emit(events)
	return &Request{Surface: preview, Done: done}, nil
}

// Get blocks until a surface satisfying the request is available.
func (c *Cache) Get(ctx context.Context, page int, quality Quality, params Params) (*Surface, error) {
	req, err := c.RequestPage(page, quality, params)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-req.Done:
		return out.Surface, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// supersedeLocked cancels in-flight renders of page made for other params.
func (c *Cache) supersedeLocked(page int, params Params) []Event {
	var events []Event
	for _, q := range []Quality{Low, High} {
		key := jobKey{page: page, quality: q}
		j := c.jobs[key]
		if j == nil || j.params == params {
			continue
		}
		c.dropJobLocked(j)
		events = append(events, Event{Kind: EventSuperseded, Page: page, Quality: q, Params: j.params})
	}
	return events
}

func (c *Cache) dropJobLocked(j *job) {
	delete(c.jobs, j.key)
	j.cancel()
	for _, w := range j.waiters {
		w <- Outcome{Err: models.ErrSuperseded}
	}
	j.waiters = nil
}

func (c *Cache) scheduleLocked(page int, q Quality, params Params, prefetch bool) <-chan Outcome {
	key := jobKey{page: page, quality: q}
	done := make(chan Outcome, 1)

	if j := c.jobs[key]; j != nil {
		j.waiters = append(j.waiters, done)
		if !prefetch {
			j.prefetch = false
		}
		return done
	}

	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{
		key:      key,
		params:   params,
		prefetch: prefetch,
		cancel:   cancel,
		waiters:  []chan Outcome{done},
	}
	c.jobs[key] = j

	c.wg.Add(1)
	go c.run(ctx, j)
	return done
}

func (c *Cache) run(ctx context.Context, j *job) {
	defer c.wg.Done()
	defer j.cancel()

	start := time.Now()
	img, err := c.doc.RenderPage(ctx, j.key.page, c.scale(j.key.quality, j.params.Zoom), j.params.Rotation)

	c.mu.Lock()
	if c.jobs[j.key] != j {
		// Superseded or cleared. Waiters were already told.
		c.mu.Unlock()
		return
	}
	delete(c.jobs, j.key)
	waiters := j.waiters
	j.waiters = nil

	var (
		out    Outcome
		events []Event
	)
	if err != nil {
		rerr := &models.RenderError{Page: j.key.page, Quality: string(j.key.quality), Err: err}
		out = Outcome{Err: rerr}
		events = []Event{{Kind: EventFailed, Page: j.key.page, Quality: j.key.quality, Params: j.params, Err: rerr}}
	} else {
		s := &Surface{
			Page:       j.key.page,
			Quality:    j.key.quality,
			Params:     j.params,
			Image:      img,
			RenderedAt: c.now(),
		}
		out = Outcome{Surface: s}
		events = c.commitLocked(s, j.prefetch)
	}
	c.mu.Unlock()

	c.emit(events)
	for _, w := range waiters {
		w <- out
	}

	if err != nil {
		c.log.Warn("render failed", "page", j.key.page, "quality", j.key.quality, "error", err)
		return
	}
	c.log.Debug("rendered page", "page", j.key.page, "quality", j.key.quality,
		"zoom", j.params.Zoom, "rotation", j.params.Rotation, "took", time.Since(start))
}

// commitLocked stores a finished render. A prefetch never evicts; an
// explicit render evicts the least recently used unprotected page when
// full, and is not retained if every resident page is protected.
func (c *Cache) commitLocked(s *Surface, prefetch bool) []Event {
	var events []Event

	e := c.entries[s.Page]
	if e == nil {
		if len(c.entries) >= c.capacity {
			if prefetch {
				return nil
			}
			victim, ok := c.victimLocked(s.Page)
			if !ok {
				c.log.Debug("cache full of protected pages, not retaining", "page", s.Page)
				return []Event{{Kind: EventRendered, Page: s.Page, Quality: s.Quality, Params: s.Params}}
			}
			delete(c.entries, victim)
			events = append(events, Event{Kind: EventEvicted, Page: victim})
		}
		e = &entry{}
		c.entries[s.Page] = e
	}

	e.store(s)
	e.lastAccessed = c.now()
	return append(events, Event{Kind: EventRendered, Page: s.Page, Quality: s.Quality, Params: s.Params})
}

// victimLocked picks the unprotected page with the oldest access time.
func (c *Cache) victimLocked(exclude int) (int, bool) {
	victim, found := 0, false
	var oldest time.Time
	for page, e := range c.entries {
		if page == exclude || c.protected[page] {
			continue
		}
		if !found || e.lastAccessed.Before(oldest) || (e.lastAccessed.Equal(oldest) && page < victim) {
			victim, oldest, found = page, e.lastAccessed, true
		}
	}
	return victim, found
}

// SetViewport marks the pages currently on screen. They are never evicted
// until the viewport changes.
func (c *Cache) SetViewport(pages ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protected = make(map[int]bool, len(pages))
	for _, p := range pages {
		c.protected[p] = true
	}
}

// Prefetch renders low resolution surfaces of pages in the background.
// It only fills free slots, never evicts and skips pages with a render in
// flight for other params. Render failures are logged, not returned.
func (c *Cache) Prefetch(ctx context.Context, params Params, pages ...int) error {
	params, err := normalizeParams(params)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.prefetchLimit)
	for _, page := range pages {
		if page < 1 || page > c.doc.PageCount() {
			continue
		}
		g.Go(func() error {
			if !c.wantsPrefetch(page, params) {
				return nil
			}
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			done, ok := c.schedulePrefetch(page, params)
			if !ok {
				return nil
			}
			select {
			case out := <-done:
				if out.Err != nil && !errors.Is(out.Err, models.ErrSuperseded) {
					c.log.Debug("prefetch failed", "page", page, "error", out.Err)
				}
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

func (c *Cache) wantsPrefetch(page int, params Params) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchableLocked(page, params)
}

func (c *Cache) prefetchableLocked(page int, params Params) bool {
	if c.closed {
		return false
	}
	if e := c.entries[page]; e != nil {
		if _, hit := e.lookup(Low, params); hit {
			return false
		}
	} else if len(c.entries) >= c.capacity {
		return false
	}
	if j := c.jobs[jobKey{page: page, quality: Low}]; j != nil && j.params != params {
		return false
	}
	return true
}

func (c *Cache) schedulePrefetch(page int, params Params) (<-chan Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.prefetchableLocked(page, params) {
		return nil, false
	}
	return c.scheduleLocked(page, Low, params, true), true
}

// Invalidate drops one page and cancels its in-flight renders.
func (c *Cache) Invalidate(page int) {
	c.mu.Lock()
	var events []Event
	for _, q := range []Quality{Low, High} {
		if j := c.jobs[jobKey{page: page, quality: q}]; j != nil {
			c.dropJobLocked(j)
			events = append(events, Event{Kind: EventSuperseded, Page: page, Quality: q, Params: j.params})
		}
	}
	if _, ok := c.entries[page]; ok {
		delete(c.entries, page)
		events = append(events, Event{Kind: EventEvicted, Page: page})
	}
	c.mu.Unlock()
	c.emit(events)
}

// Clear drops every entry and cancels all in-flight renders.
func (c *Cache) Clear() {
	c.mu.Lock()
	events := c.clearLocked()
	c.mu.Unlock()
	c.emit(events)
	c.log.Debug("cache cleared", "dropped", len(events))
}

func (c *Cache) clearLocked() []Event {
	var events []Event
	for _, j := range c.jobs {
		c.dropJobLocked(j)
		events = append(events, Event{Kind: EventSuperseded, Page: j.key.page, Quality: j.key.quality, Params: j.params})
	}
	for page := range c.entries {
		events = append(events, Event{Kind: EventEvicted, Page: page})
	}
	c.entries = make(map[int]*entry)
	return events
}

// Close clears the cache and waits for render goroutines to exit.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.clearLocked()
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
}

// Stats returns resident pages ordered from least to most recently used.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{Capacity: c.capacity, InFlight: len(c.jobs)}
	for page := range c.entries {
		st.Resident = append(st.Resident, page)
	}
	sort.Slice(st.Resident, func(i, j int) bool {
		a, b := c.entries[st.Resident[i]], c.entries[st.Resident[j]]
		if a.lastAccessed.Equal(b.lastAccessed) {
			return st.Resident[i] < st.Resident[j]
		}
		return a.lastAccessed.Before(b.lastAccessed)
	})
	for page := range c.protected {
		st.Protected = append(st.Protected, page)
	}
	sort.Ints(st.Protected)
	return st
}

func (c *Cache) emit(events []Event) {
	if c.observer == nil {
		return
	}
	for _, ev := range events {
		c.observer(ev)
	}
}
