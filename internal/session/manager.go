// Package session keeps one viewer per open plan document. A viewer owns the
// document, its page cache and the interaction router of the plan.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/plan-takeoff/backend/internal/calibration"
	"github.com/plan-takeoff/backend/internal/canvas"
	"github.com/plan-takeoff/backend/internal/document"
	"github.com/plan-takeoff/backend/internal/measurement"
	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/pagecache"
)

const (
	// DefaultMaxViewers limits concurrently open documents.
	DefaultMaxViewers = 10

	// KeepAliveWindow protects recently used viewers from age cleanup.
	KeepAliveWindow = 5 * time.Minute

	// PrefetchRadius is how many neighbours on each side of the viewport are prefetched.
	PrefetchRadius = 2
)

// PlanSource looks up plan records.
type PlanSource interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
}

// Opener opens the document of a plan. If the returned renderer implements
// io.Closer it is closed when the viewer closes.
type Opener func(ctx context.Context, plan *models.Plan) (document.Renderer, error)

// EventSink receives the page cache events of every viewer.
type EventSink func(planID string, ev pagecache.Event)

// Viewer is an open plan document.
type Viewer struct {
	Plan   *models.Plan
	Cache  *pagecache.Cache
	Router *canvas.Router
	Store  *measurement.Store

	doc          document.Renderer
	lastAccessed time.Time // guarded by Manager.mu
	cancel       context.CancelFunc
	ctx          context.Context

	mu     sync.Mutex
	params pagecache.Params
}

// Info summarizes a viewer.
type Info struct {
	PlanID       string          `json:"planId"`
	PageCount    int             `json:"pageCount"`
	LastAccessed time.Time       `json:"lastAccessed"`
	Cache        pagecache.Stats `json:"cache"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxViewers caps open viewers. The least recently used one is closed
// when a new plan is opened at the cap.
func WithMaxViewers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxViewers = n
		}
	}
}

// WithCacheOptions sets options applied to every viewer's page cache.
func WithCacheOptions(opts ...pagecache.Option) Option {
	return func(m *Manager) {
		m.cacheOpts = append(m.cacheOpts, opts...)
	}
}

// WithEventSink forwards page cache events.
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager handles open viewers.
type Manager struct {
	plans  PlanSource
	cals   calibration.Repository
	stores *measurement.Registry
	open   Opener

	maxViewers int
	cacheOpts  []pagecache.Option
	sink       EventSink
	now        func() time.Time
	log        *slog.Logger

	mu      sync.Mutex
	viewers map[string]*Viewer
	opening map[string]*sync.WaitGroup
}

// NewManager creates a viewer manager.
func NewManager(plans PlanSource, cals calibration.Repository, stores *measurement.Registry, open Opener, opts ...Option) *Manager {
	m := &Manager{
		plans:      plans,
		cals:       cals,
		stores:     stores,
		open:       open,
		maxViewers: DefaultMaxViewers,
		now:        time.Now,
		log:        slog.Default(),
		viewers:    make(map[string]*Viewer),
		opening:    make(map[string]*sync.WaitGroup),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "session")
	return m
}

// Open returns the viewer of planID, opening the document on first use.
func (m *Manager) Open(ctx context.Context, planID string) (*Viewer, error) {
	for {
		m.mu.Lock()
		if v, ok := m.viewers[planID]; ok {
			v.lastAccessed = m.now()
			m.mu.Unlock()
			return v, nil
		}
		wg, busy := m.opening[planID]
		if !busy {
			wg = &sync.WaitGroup{}
			wg.Add(1)
			m.opening[planID] = wg
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		wg.Wait()
	}

	v, err := m.openViewer(ctx, planID)

	m.mu.Lock()
	wg := m.opening[planID]
	delete(m.opening, planID)
	var evicted []*Viewer
	if err == nil {
		evicted = m.evictLocked(m.maxViewers - 1)
		m.viewers[planID] = v
	}
	m.mu.Unlock()
	wg.Done()

	for _, old := range evicted {
		old.close()
	}
	return v, err
}

func (m *Manager) openViewer(ctx context.Context, planID string) (*Viewer, error) {
	plan, err := m.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	store, err := m.stores.Get(ctx, plan.ProjectID)
	if err != nil {
		return nil, &models.PersistenceError{Op: "load measurements", Err: err}
	}
	doc, err := m.open(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("opening plan %s: %w", planID, err)
	}

	opts := append([]pagecache.Option{pagecache.WithLogger(m.log)}, m.cacheOpts...)
	if m.sink != nil {
		sink := m.sink
		opts = append(opts, pagecache.WithObserver(func(ev pagecache.Event) {
			sink(planID, ev)
		}))
	}

	vctx, cancel := context.WithCancel(context.Background())
	v := &Viewer{
		Plan:         plan,
		Cache:        pagecache.New(doc, opts...),
		Router:       canvas.NewRouter(planID, m.cals, store),
		Store:        store,
		doc:          doc,
		lastAccessed: m.now(),
		params:       pagecache.Params{Zoom: 1},
		ctx:          vctx,
		cancel:       cancel,
	}
	m.log.Info("viewer opened", "plan", planID, "pages", doc.PageCount())
	return v, nil
}

// evictLocked closes least recently used viewers until at most keep remain.
func (m *Manager) evictLocked(keep int) []*Viewer {
	if len(m.viewers) <= keep {
		return nil
	}
	ids := make([]string, 0, len(m.viewers))
	for id := range m.viewers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.viewers[ids[i]].lastAccessed.Before(m.viewers[ids[j]].lastAccessed)
	})

	var out []*Viewer
	for _, id := range ids[:len(ids)-keep] {
		out = append(out, m.viewers[id])
		delete(m.viewers, id)
		m.log.Info("closed least recently used viewer", "plan", id)
	}
	return out
}

// Get returns an open viewer without opening it.
func (m *Manager) Get(planID string) (*Viewer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.viewers[planID]
	return v, ok
}

// SetViewport protects pages from eviction and prefetches their neighbours
// at params in the background.
func (m *Manager) SetViewport(ctx context.Context, planID string, pages []int, params pagecache.Params) (*Viewer, error) {
	v, err := m.Open(ctx, planID)
	if err != nil {
		return nil, err
	}
	count := v.Cache.PageCount()
	for _, p := range pages {
		if p < 1 || p > count {
			return nil, &models.ValidationError{Field: "pages", Reason: fmt.Sprintf("page %d out of range 1..%d", p, count)}
		}
	}

	v.mu.Lock()
	v.params = params
	v.mu.Unlock()

	v.Cache.SetViewport(pages...)
	if neighbours := Neighbours(pages, count, PrefetchRadius); len(neighbours) > 0 {
		go func() {
			if err := v.Cache.Prefetch(v.ctx, params, neighbours...); err != nil && v.ctx.Err() == nil {
				m.log.Warn("prefetch stopped", "plan", planID, "error", err)
			}
		}()
	}
	return v, nil
}

// Neighbours returns the pages within radius of the viewport that are not in
// it, nearest first.
func Neighbours(viewport []int, pageCount, radius int) []int {
	in := make(map[int]bool, len(viewport))
	for _, p := range viewport {
		in[p] = true
	}
	seen := make(map[int]bool)
	var out []int
	for d := 1; d <= radius; d++ {
		for _, p := range viewport {
			for _, n := range []int{p + d, p - d} {
				if n < 1 || n > pageCount || in[n] || seen[n] {
					continue
				}
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// CloseViewer closes the viewer of planID if it is open.
func (m *Manager) CloseViewer(planID string) {
	m.mu.Lock()
	v, ok := m.viewers[planID]
	delete(m.viewers, planID)
	m.mu.Unlock()
	if ok {
		v.close()
	}
}

// CleanupOldSessions closes viewers not accessed within maxAge, but keeps
// viewers accessed within KeepAliveWindow.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) {
	if maxAge < KeepAliveWindow {
		maxAge = KeepAliveWindow
	}
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	var stale []*Viewer
	for id, v := range m.viewers {
		if v.lastAccessed.Before(cutoff) {
			stale = append(stale, v)
			delete(m.viewers, id)
		}
	}
	m.mu.Unlock()

	for _, v := range stale {
		m.log.Info("closed idle viewer", "plan", v.Plan.ID)
		v.close()
	}
}

// List describes the open viewers, most recently used first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	viewers := make([]*Viewer, 0, len(m.viewers))
	out := make([]Info, 0, len(m.viewers))
	for _, v := range m.viewers {
		viewers = append(viewers, v)
		out = append(out, Info{PlanID: v.Plan.ID, LastAccessed: v.lastAccessed})
	}
	m.mu.Unlock()

	for i, v := range viewers {
		out[i].PageCount = v.Cache.PageCount()
		out[i].Cache = v.Cache.Stats()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessed.After(out[j].LastAccessed) })
	return out
}

// Count returns the number of open viewers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.viewers)
}

// CloseAll closes every viewer.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	viewers := m.viewers
	m.viewers = make(map[string]*Viewer)
	m.mu.Unlock()
	for _, v := range viewers {
		v.close()
	}
}

func (v *Viewer) close() {
	v.cancel()
	v.Cache.Close()
	if c, ok := v.doc.(io.Closer); ok {
		c.Close()
	}
}

// Params returns the zoom and rotation of the last viewport update.
func (v *Viewer) Params() pagecache.Params {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params
}
