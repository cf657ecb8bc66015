package pagecache

import (
	"fmt"
	"image"
	"time"
)

// Quality selects the render resolution.
type Quality string

const (
	Low  Quality = "low"
	High Quality = "high"
)

// ParseQuality accepts "low" and "high"; empty means low.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "", Low:
		return Low, nil
	case High:
		return High, nil
	}
	return "", fmt.Errorf("unknown quality %q", s)
}

func (q Quality) rank() int {
	if q == High {
		return 1
	}
	return 0
}

// Params are the rendering parameters that invalidate a surface when changed.
type Params struct {
	Zoom     float64 `json:"zoom"`
	Rotation int     `json:"rotation"`
}

// Surface is a rendered page raster owned by the cache.
type Surface struct {
	Page       int
	Quality    Quality
	Params     Params
	Image      image.Image
	RenderedAt time.Time
}

// satisfies reports whether s can answer a request for q at p.
func (s *Surface) satisfies(q Quality, p Params) bool {
	return s != nil && s.Params == p && s.Quality.rank() >= q.rank()
}

// Outcome is the final result of a page request.
type Outcome struct {
	Surface *Surface
	Err     error
}

// Request is returned by RequestPage.
type Request struct {
	// Surface is the best surface available now. It is nil when nothing is
	// cached for the page, and may be of lower quality or older params than
	// requested when Hit is false.
	Surface *Surface

	// Hit reports whether Surface satisfies the request.
	Hit bool

	// Done receives exactly one Outcome. On a hit it is already filled.
	Done <-chan Outcome
}

// EventKind classifies cache events.
type EventKind string

const (
	EventRendered   EventKind = "page:rendered"
	EventFailed     EventKind = "page:failed"
	EventEvicted    EventKind = "page:evicted"
	EventSuperseded EventKind = "page:superseded"
)

// Event reports a state change of one page.
type Event struct {
	Kind    EventKind
	Page    int
	Quality Quality
	Params  Params
	Err     error
}

// Stats is a snapshot of cache occupancy.
type Stats struct {
	Capacity  int   `json:"capacity"`
	Resident  []int `json:"resident"`
	Protected []int `json:"protected"`
	InFlight  int   `json:"inFlight"`
}
