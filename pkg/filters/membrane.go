package filters

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"trainableseg/internal/models"
)

// Membrane projection channels, in emission order
const (
	ProjectionMean = iota
	ProjectionMax
	ProjectionMin
	ProjectionSum
	ProjectionStdDev
	ProjectionMedian
	NumProjections
)

const (
	membraneRotations = 30
	membraneAngleStep = 6.0 // degrees
)

// MembraneOptions configures the line detector
type MembraneOptions struct {
	// Thickness is the expected membrane width in pixels
	Thickness int
	// PatchSize is the side length of the square line kernel
	PatchSize int
}

// Validate rejects unusable kernel geometry
func (o MembraneOptions) Validate() error {
	if o.PatchSize < 1 {
		return models.NewConfigurationError("membrane patch size must be >= 1, got %d", o.PatchSize)
	}
	if o.Thickness < 1 || o.Thickness > o.PatchSize {
		return models.NewConfigurationError("membrane thickness must be in [1, %d], got %d", o.PatchSize, o.Thickness)
	}
	return nil
}

// MembraneKernel returns the unrotated line kernel: a vertical bar of
// Thickness columns through the centre of a PatchSize square.
func MembraneKernel(opts MembraneOptions) []float64 {
	p := opts.PatchSize
	kernel := make([]float64, p*p)
	start := p/2 - opts.Thickness/2
	for x := start; x < start+opts.Thickness; x++ {
		for y := 0; y < p; y++ {
			kernel[y*p+x] = 1
		}
	}
	return kernel
}

// rotateKernel rotates a square kernel about its centre with bilinear
// sampling. Samples falling outside the patch read as zero.
func rotateKernel(kernel []float64, p int, degrees float64) []float64 {
	theta := degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	centre := float64(p-1) / 2

	at := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= p || y >= p {
			return 0
		}
		return kernel[y*p+x]
	}

	out := make([]float64, p*p)
	for v := 0; v < p; v++ {
		for u := 0; u < p; u++ {
			dx, dy := float64(u)-centre, float64(v)-centre
			sx := cos*dx + sin*dy + centre
			sy := -sin*dx + cos*dy + centre

			x0, y0 := int(math.Floor(sx)), int(math.Floor(sy))
			fx, fy := sx-float64(x0), sy-float64(y0)
			top := at(x0, y0)*(1-fx) + at(x0+1, y0)*fx
			bottom := at(x0, y0+1)*(1-fx) + at(x0+1, y0+1)*fx
			out[v*p+u] = top*(1-fy) + bottom*fy
		}
	}
	return out
}

// MembraneProjections convolves the plane with the line kernel at 30
// orientations (6 degree steps) and projects the responses of each pixel
// into mean, max, min, sum, standard deviation and median.
func MembraneProjections(src *models.Plane, opts MembraneOptions) ([NumProjections]*models.Plane, error) {
	var out [NumProjections]*models.Plane
	if err := opts.Validate(); err != nil {
		return out, err
	}

	base := MembraneKernel(opts)
	responses := make([]*models.Plane, membraneRotations)
	for r := range responses {
		kernel := rotateKernel(base, opts.PatchSize, float64(r)*membraneAngleStep)
		responses[r] = convolve(src, kernel, opts.PatchSize, opts.PatchSize, true)
	}

	for c := range out {
		out[c] = models.NewPlane(src.Width, src.Height)
	}

	values := make([]float64, membraneRotations)
	sorted := make([]float64, membraneRotations)
	for i := range src.Pix {
		for r, resp := range responses {
			values[r] = float64(resp.Pix[i])
		}
		mean, sd := stat.MeanStdDev(values, nil)
		copy(sorted, values)
		sort.Float64s(sorted)

		out[ProjectionMean].Pix[i] = float32(mean)
		out[ProjectionMax].Pix[i] = float32(floats.Max(values))
		out[ProjectionMin].Pix[i] = float32(floats.Min(values))
		out[ProjectionSum].Pix[i] = float32(floats.Sum(values))
		out[ProjectionStdDev].Pix[i] = float32(sd)
		out[ProjectionMedian].Pix[i] = float32(median(sorted))
	}
	return out, nil
}

// median of ascending values; the lower middle value for an even count
func median(sorted []float64) float64 {
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
