// fake_renderer.go - Controllable page renderer for cache and session tests
package testutil

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/plan-takeoff/backend/internal/document"
)

// RenderCall records one RenderPage invocation.
type RenderCall struct {
	Page     int
	Scale    float64
	Rotation int
}

// FakeRenderer produces solid images sized from the scale.
// Pages can be made to block until released or to fail.
type FakeRenderer struct {
	mu       sync.Mutex
	pages    int
	width    float64
	height   float64
	calls    []RenderCall
	gates    map[int]chan struct{}
	started  chan RenderCall
	failures map[int]error
}

// NewFakeRenderer creates a renderer with pages of 100x50 points.
func NewFakeRenderer(pages int) *FakeRenderer {
	return &FakeRenderer{
		pages:    pages,
		width:    100,
		height:   50,
		gates:    make(map[int]chan struct{}),
		failures: make(map[int]error),
		started:  make(chan RenderCall, 256),
	}
}

// Block makes renders of page wait until Release is called.
func (f *FakeRenderer) Block(page int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gates[page]; !ok {
		f.gates[page] = make(chan struct{})
	}
}

// Release lets blocked renders of page proceed.
func (f *FakeRenderer) Release(page int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.gates[page]; ok {
		close(g)
		delete(f.gates, page)
	}
}

// Fail makes renders of page return err. A nil err clears it.
func (f *FakeRenderer) Fail(page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, page)
		return
	}
	f.failures[page] = err
}

// Started delivers every render as it begins.
func (f *FakeRenderer) Started() <-chan RenderCall { return f.started }

// Calls returns all renders so far.
func (f *FakeRenderer) Calls() []RenderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RenderCall(nil), f.calls...)
}

// CallCount returns how many renders of page were started.
func (f *FakeRenderer) CallCount(page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Page == page {
			n++
		}
	}
	return n
}

func (f *FakeRenderer) PageCount() int { return f.pages }

func (f *FakeRenderer) PageSize(page int) (float64, float64, error) {
	if page < 1 || page > f.pages {
		return 0, 0, fmt.Errorf("page %d: %w", page, document.ErrPageRange)
	}
	return f.width, f.height, nil
}

func (f *FakeRenderer) RenderPage(ctx context.Context, page int, scale float64, rotation int) (image.Image, error) {
	call := RenderCall{Page: page, Scale: scale, Rotation: rotation}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	gate := f.gates[page]
	failure := f.failures[page]
	f.mu.Unlock()

	select {
	case f.started <- call:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if page < 1 || page > f.pages {
		return nil, fmt.Errorf("page %d: %w", page, document.ErrPageRange)
	}

	w, h := int(f.width*scale), int(f.height*scale)
	if rotation == 90 || rotation == 270 {
		w, h = h, w
	}
	img := image.NewGray(image.Rect(0, 0, max(w, 1), max(h, 1)))
	img.SetGray(0, 0, color.Gray{Y: uint8(page)})
	return img, nil
}

var _ document.Renderer = (*FakeRenderer)(nil)
