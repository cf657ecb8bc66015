// Package document opens plan files and rasterizes their pages.
package document

import (
	"context"
	"errors"
	"image"
)

// ErrPageRange is returned for page numbers outside 1..PageCount.
var ErrPageRange = errors.New("page out of range")

// Renderer rasterizes pages of an opened document. Pages are 1-based.
// Implementations must be safe for concurrent use.
type Renderer interface {
	PageCount() int

	// PageSize returns the unrotated page size in points.
	PageSize(page int) (width, height float64, err error)

	// RenderPage draws page at scale pixels per point, rotated clockwise
	// by rotation degrees (0, 90, 180 or 270).
	RenderPage(ctx context.Context, page int, scale float64, rotation int) (image.Image, error)
}

// NormalizeRotation maps any multiple of 90 into 0..270.
// It returns false for other angles.
func NormalizeRotation(deg int) (int, bool) {
	if deg%90 != 0 {
		return 0, false
	}
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg, true
}
