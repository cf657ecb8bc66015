package document

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"math"
	"sync"

	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"
	"seehuhn.de/go/pdf/reader"
)

// maxPixels caps a single rendered surface.
const maxPixels = 64 << 20

// PDF renders the vector content of a PDF file. Text and embedded images
// are not drawn.
type PDF struct {
	mu       sync.Mutex
	r        *pdf.Reader
	numPages int
}

// OpenPDF parses the document structure of data.
func OpenPDF(data io.ReadSeeker) (*PDF, error) {
	r, err := pdf.NewReader(data, nil)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	n, err := pagetree.NumPages(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("reading page tree: %w", err)
	}
	if n == 0 {
		r.Close()
		return nil, fmt.Errorf("pdf has no pages")
	}
	return &PDF{r: r, numPages: int(n)}, nil
}

// Close releases the underlying reader.
func (d *PDF) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.r.Close()
}

func (d *PDF) PageCount() int { return d.numPages }

func (d *PDF) PageSize(page int) (float64, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, box, _, err := d.pageGeometry(page)
	if err != nil {
		return 0, 0, err
	}
	return box.URx - box.LLx, box.URy - box.LLy, nil
}

func (d *PDF) RenderPage(ctx context.Context, page int, scale float64, rotation int) (image.Image, error) {
	rot, ok := NormalizeRotation(rotation)
	if !ok {
		return nil, fmt.Errorf("unsupported rotation %d", rotation)
	}
	if scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		return nil, fmt.Errorf("invalid scale %v", scale)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pageDict, box, pageRot, err := d.pageGeometry(page)
	if err != nil {
		return nil, err
	}

	w := int(math.Ceil((box.URx - box.LLx) * scale))
	h := int(math.Ceil((box.URy - box.LLy) * scale))
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("page %d has an empty media box", page)
	}
	if w*h > maxPixels {
		return nil, fmt.Errorf("page %d at scale %.2f exceeds %d pixels", page, scale, maxPixels)
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	// Flip the y axis so the top of the media box lands on row 0.
	device := matrix.Matrix{scale, 0, 0, -scale, -box.LLx * scale, box.URy * scale}

	p := newPainter(img)
	rd := reader.New(d.r, nil)
	rd.EveryOp = func(op string, args []pdf.Object) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return p.op(op, args, rd.State.CTM, rd.LineWidth)
	}
	if err := rd.ParsePage(pageDict, device); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("parsing page %d: %w", page, err)
	}

	return Rotate(img, rot+pageRot), nil
}

// pageGeometry returns the page dictionary, its media box and its own
// /Rotate value, following inheritance through the page tree.
func (d *PDF) pageGeometry(page int) (pdf.Dict, *pdf.Rectangle, int, error) {
	if page < 1 || page > d.numPages {
		return nil, nil, 0, fmt.Errorf("page %d: %w", page, ErrPageRange)
	}

	_, pageDict, err := pagetree.GetPage(d.r, page-1)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("loading page %d: %w", page, err)
	}

	var (
		box    *pdf.Rectangle
		rot    int
		hasRot bool
	)
	dict := pageDict
	for depth := 0; dict != nil && depth < 32; depth++ {
		if box == nil && dict["MediaBox"] != nil {
			box, err = d.mediaBox(dict["MediaBox"])
			if err != nil {
				return nil, nil, 0, err
			}
		}
		if !hasRot && dict["Rotate"] != nil {
			v, err := pdf.Resolve(d.r, dict["Rotate"])
			if err != nil {
				return nil, nil, 0, err
			}
			if n, ok := v.(pdf.Integer); ok {
				rot, hasRot = int(n), true
			}
		}
		if dict["Parent"] == nil {
			break
		}
		dict, err = pdf.GetDict(d.r, dict["Parent"])
		if err != nil {
			return nil, nil, 0, err
		}
	}

	if box == nil {
		// US Letter
		box = &pdf.Rectangle{URx: 612, URy: 792}
	}
	if r, ok := NormalizeRotation(rot); ok {
		rot = r
	} else {
		rot = 0
	}
	return pageDict, box, rot, nil
}

func (d *PDF) mediaBox(obj pdf.Object) (*pdf.Rectangle, error) {
	a, err := pdf.GetArray(d.r, obj)
	if err != nil {
		return nil, err
	}
	if len(a) < 4 {
		return nil, fmt.Errorf("invalid MediaBox")
	}
	var v [4]float64
	for i := range v {
		n, err := pdf.GetNumber(d.r, a[i])
		if err != nil {
			return nil, err
		}
		v[i] = float64(n)
	}
	return &pdf.Rectangle{
		LLx: math.Min(v[0], v[2]),
		LLy: math.Min(v[1], v[3]),
		URx: math.Max(v[0], v[2]),
		URy: math.Max(v[1], v[3]),
	}, nil
}

// CountPages returns the page count of a PDF. It takes ownership of data.
func CountPages(data io.ReadSeeker) (int, error) {
	d, err := OpenPDF(data)
	if err != nil {
		if c, ok := data.(io.Closer); ok {
			c.Close()
		}
		return 0, err
	}
	defer d.Close()
	return d.PageCount(), nil
}
