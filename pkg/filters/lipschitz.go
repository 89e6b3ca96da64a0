package filters

import (
	"math"

	"trainableseg/internal/models"
)

// LipschitzOptions selects the cover and output mapping
type LipschitzOptions struct {
	// Slope bounds the rate of change of the cover per pixel
	Slope float64

	// Down computes the lower cover, otherwise the upper cover
	Down bool

	// TopHat returns the residual between the plane and its cover
	TopHat bool
}

// Lipschitz computes the Lipschitz cover of the plane with two raster
// passes: top-down/left-right, then bottom-up/right-left. Samples are
// truncated to integers and the cover is evaluated in integer arithmetic,
// so the result is exactly reproducible. The pass order is part of the
// result and must not be swapped.
func Lipschitz(src *models.Plane, opts LipschitzOptions) (*models.Plane, error) {
	if !(opts.Slope > 0) || math.IsInf(opts.Slope, 0) {
		return nil, models.NewConfigurationError("lipschitz slope must be > 0, got %v", opts.Slope)
	}

	c := newCover(src, opts)
	c.forward()
	c.backward()
	return c.output(), nil
}

// cover holds the integer working state of one Lipschitz evaluation
type cover struct {
	width, height int
	sign          int32
	topdown       int32
	maxValue      int32
	slope         int32
	slopeDiag     int32
	opts          LipschitzOptions

	src  []int32
	dest []int32
}

func newCover(src *models.Plane, opts LipschitzOptions) *cover {
	c := &cover{
		width:    src.Width,
		height:   src.Height,
		sign:     -1,
		maxValue: int32(src.MaxValue()),
		opts:     opts,
	}
	if opts.Down {
		c.sign = 1
	} else {
		c.topdown = c.maxValue
	}
	c.slope = int32(opts.Slope)
	c.slopeDiag = int32(float64(c.slope) * math.Sqrt2)

	// Map through sign so one propagation direction serves both covers
	c.src = make([]int32, len(src.Pix))
	for i, v := range src.Pix {
		c.src[i] = c.sign * int32(v)
	}
	c.dest = make([]int32, len(c.src))
	copy(c.dest, c.src)
	return c
}

// borderSeeds are the register values each row starts from, derived from
// the global border value
func (c *cover) borderSeeds() (left, diag int32) {
	left = c.sign * (c.topdown + c.sign*c.slope)
	diag = c.sign * (c.topdown + c.sign*c.slopeDiag)
	return left, diag
}

// forward scans rows top to bottom, columns left to right. Candidates are
// the left and upper-left values (carried in registers) and the upper and
// upper-right values, all already updated by this pass.
func (c *cover) forward() {
	w, h := c.width, c.height
	for y := 0; y < h; y++ {
		left, diag := c.borderSeeds()
		up := max(y-1, 0) * w
		for x := 0; x < w; x++ {
			p := left - c.slope
			if q := diag - c.slopeDiag; q > p {
				p = q
			}
			diag = c.dest[up+x]
			if q := diag - c.slope; q > p {
				p = q
			}
			if q := c.dest[up+min(x+1, w-1)] - c.slopeDiag; q > p {
				p = q
			}
			left = c.src[y*w+x]
			if p > left {
				c.dest[y*w+x] = p
				left = p
			}
		}
	}
}

// backward scans rows bottom to top, columns right to left, looking at the
// values below and below-left. It only sees the original intensities
// through the forward result.
func (c *cover) backward() {
	w, h := c.width, c.height
	for y := h - 1; y >= 0; y-- {
		right, diag := c.borderSeeds()
		down := min(y+1, h-1) * w
		for x := w - 1; x >= 0; x-- {
			p := right - c.slope
			if q := diag - c.slopeDiag; q > p {
				p = q
			}
			diag = c.dest[down+x]
			if q := diag - c.slope; q > p {
				p = q
			}
			if q := c.dest[down+max(x-1, 0)] - c.slopeDiag; q > p {
				p = q
			}
			right = c.dest[y*w+x]
			if p > right {
				c.dest[y*w+x] = p
				right = p
			}
		}
	}
}

func (c *cover) output() *models.Plane {
	out := models.NewPlane(c.width, c.height)
	for i := range out.Pix {
		var v int32
		switch {
		case c.opts.TopHat && c.opts.Down:
			v = c.src[i] - c.dest[i] + c.maxValue
		case c.opts.TopHat:
			v = c.dest[i] - c.src[i]
		default:
			v = c.sign * c.dest[i]
			if v < 0 {
				v = 0
			} else if v > c.maxValue {
				v = c.maxValue
			}
		}
		out.Pix[i] = float32(v)
	}
	return out
}
