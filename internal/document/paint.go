package document

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"
	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/pdf"
)

type segKind uint8

const (
	segMove segKind = iota
	segLine
	segCube
	segClose
)

// segment holds device-space coordinates.
type segment struct {
	kind segKind
	pts  [3][2]float64
}

var (
	ink      = image.NewUniform(color.Black)
	fillTone = image.NewUniform(color.Gray{Y: 0xC0})
)

// painter turns content stream path operators into rasterized strokes and
// fills on a grayscale surface.
type painter struct {
	dst  draw.Image
	rast *vector.Rasterizer
	path []segment
	cur  [2]float64
}

func newPainter(dst draw.Image) *painter {
	b := dst.Bounds()
	return &painter{
		dst:  dst,
		rast: vector.NewRasterizer(b.Dx(), b.Dy()),
	}
}

// op is invoked after the content stream reader has processed op, so ctm
// reflects any preceding cm operator.
func (p *painter) op(op string, args []pdf.Object, ctm matrix.Matrix, lineWidth float64) error {
	switch op {
	case "m":
		if x, y, ok := point(args, 0); ok {
			p.cur = apply(ctm, x, y)
			p.path = append(p.path, segment{kind: segMove, pts: [3][2]float64{p.cur}})
		}
	case "l":
		if x, y, ok := point(args, 0); ok {
			p.cur = apply(ctm, x, y)
			p.path = append(p.path, segment{kind: segLine, pts: [3][2]float64{p.cur}})
		}
	case "c":
		if len(args) == 6 {
			x1, y1, _ := point(args, 0)
			x2, y2, _ := point(args, 2)
			x3, y3, _ := point(args, 4)
			p.cube(apply(ctm, x1, y1), apply(ctm, x2, y2), apply(ctm, x3, y3))
		}
	case "v":
		if len(args) == 4 {
			x2, y2, _ := point(args, 0)
			x3, y3, _ := point(args, 2)
			p.cube(p.cur, apply(ctm, x2, y2), apply(ctm, x3, y3))
		}
	case "y":
		if len(args) == 4 {
			x1, y1, _ := point(args, 0)
			x3, y3, _ := point(args, 2)
			end := apply(ctm, x3, y3)
			p.cube(apply(ctm, x1, y1), end, end)
		}
	case "re":
		if len(args) == 4 {
			x, y, _ := point(args, 0)
			w, h, _ := point(args, 2)
			p.path = append(p.path,
				segment{kind: segMove, pts: [3][2]float64{apply(ctm, x, y)}},
				segment{kind: segLine, pts: [3][2]float64{apply(ctm, x+w, y)}},
				segment{kind: segLine, pts: [3][2]float64{apply(ctm, x+w, y+h)}},
				segment{kind: segLine, pts: [3][2]float64{apply(ctm, x, y+h)}},
				segment{kind: segClose},
			)
			p.cur = apply(ctm, x, y)
		}
	case "h":
		p.path = append(p.path, segment{kind: segClose})
	case "S":
		p.stroke(ctm, lineWidth)
		p.path = p.path[:0]
	case "s":
		p.path = append(p.path, segment{kind: segClose})
		p.stroke(ctm, lineWidth)
		p.path = p.path[:0]
	case "f", "F", "f*":
		p.fill()
		p.path = p.path[:0]
	case "B", "B*":
		p.fill()
		p.stroke(ctm, lineWidth)
		p.path = p.path[:0]
	case "b", "b*":
		p.path = append(p.path, segment{kind: segClose})
		p.fill()
		p.stroke(ctm, lineWidth)
		p.path = p.path[:0]
	case "n":
		p.path = p.path[:0]
	}
	return nil
}

func (p *painter) cube(c1, c2, end [2]float64) {
	p.path = append(p.path, segment{kind: segCube, pts: [3][2]float64{c1, c2, end}})
	p.cur = end
}

func (p *painter) reset() {
	b := p.dst.Bounds()
	p.rast.Reset(b.Dx(), b.Dy())
}

func (p *painter) fill() {
	if len(p.path) == 0 {
		return
	}
	p.reset()
	open := false
	for _, s := range p.path {
		switch s.kind {
		case segMove:
			if open {
				p.rast.ClosePath()
			}
			p.rast.MoveTo(f32(s.pts[0][0]), f32(s.pts[0][1]))
			open = true
		case segLine:
			if open {
				p.rast.LineTo(f32(s.pts[0][0]), f32(s.pts[0][1]))
			}
		case segCube:
			if open {
				p.rast.CubeTo(
					f32(s.pts[0][0]), f32(s.pts[0][1]),
					f32(s.pts[1][0]), f32(s.pts[1][1]),
					f32(s.pts[2][0]), f32(s.pts[2][1]))
			}
		case segClose:
			if open {
				p.rast.ClosePath()
				open = false
			}
		}
	}
	if open {
		p.rast.ClosePath()
	}
	p.rast.Draw(p.dst, p.dst.Bounds(), fillTone, image.Point{})
}

// stroke draws every segment as a quad of the device line width. Curves are
// flattened into short lines first.
func (p *painter) stroke(ctm matrix.Matrix, lineWidth float64) {
	if len(p.path) == 0 {
		return
	}
	if lineWidth <= 0 {
		lineWidth = 1
	}
	half := lineWidth * math.Sqrt(math.Abs(ctm[0]*ctm[3]-ctm[1]*ctm[2])) / 2
	if half < 0.5 {
		half = 0.5
	}

	p.reset()
	var start, cur [2]float64
	for _, s := range p.path {
		switch s.kind {
		case segMove:
			start, cur = s.pts[0], s.pts[0]
		case segLine:
			p.quad(cur, s.pts[0], half)
			cur = s.pts[0]
		case segCube:
			const steps = 16
			prev := cur
			for i := 1; i <= steps; i++ {
				next := bezier(cur, s.pts[0], s.pts[1], s.pts[2], float64(i)/steps)
				p.quad(prev, next, half)
				prev = next
			}
			cur = s.pts[2]
		case segClose:
			p.quad(cur, start, half)
			cur = start
		}
	}
	p.rast.Draw(p.dst, p.dst.Bounds(), ink, image.Point{})
}

func (p *painter) quad(a, b [2]float64, half float64) {
	vx, vy := b[0]-a[0], b[1]-a[1]
	l := math.Hypot(vx, vy)
	if l == 0 {
		return
	}
	nx, ny := -vy/l*half, vx/l*half
	p.rast.MoveTo(f32(a[0]+nx), f32(a[1]+ny))
	p.rast.LineTo(f32(b[0]+nx), f32(b[1]+ny))
	p.rast.LineTo(f32(b[0]-nx), f32(b[1]-ny))
	p.rast.LineTo(f32(a[0]-nx), f32(a[1]-ny))
	p.rast.ClosePath()
}

func bezier(p0, p1, p2, p3 [2]float64, t float64) [2]float64 {
	u := 1 - t
	a, b, c, d := u*u*u, 3*u*u*t, 3*u*t*t, t*t*t
	return [2]float64{
		a*p0[0] + b*p1[0] + c*p2[0] + d*p3[0],
		a*p0[1] + b*p1[1] + c*p2[1] + d*p3[1],
	}
}

func apply(m matrix.Matrix, x, y float64) [2]float64 {
	return [2]float64{x*m[0] + y*m[2] + m[4], x*m[1] + y*m[3] + m[5]}
}

func point(args []pdf.Object, i int) (float64, float64, bool) {
	if len(args) < i+2 {
		return 0, 0, false
	}
	x, ok1 := number(args[i])
	y, ok2 := number(args[i+1])
	return x, y, ok1 && ok2
}

func number(obj pdf.Object) (float64, bool) {
	switch v := obj.(type) {
	case pdf.Integer:
		return float64(v), true
	case pdf.Real:
		return float64(v), true
	}
	return 0, false
}

func f32(v float64) float32 { return float32(v) }
