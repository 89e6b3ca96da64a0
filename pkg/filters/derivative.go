package filters

import (
	"math"

	"trainableseg/internal/models"
)

// Axis selects the direction of a derivative
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "y"
	}
	return "x"
}

// Sobel kernels indexed [row][column]
var (
	sobelX = [3][3]float32{
		{1, 2, 1},
		{0, 0, 0},
		{-1, -2, -1},
	}
	sobelY = [3][3]float32{
		{1, 0, -1},
		{2, 0, -2},
		{1, 0, -1},
	}
)

// Derive convolves the plane with the fixed 3x3 directional kernel of the
// axis. The kernel is applied as a true convolution (mirrored), matching
// the derivative used for the Hessian descriptors.
func Derive(src *models.Plane, axis Axis) *models.Plane {
	k := &sobelX
	if axis == AxisY {
		k = &sobelY
	}
	return convolve3x3(src, k)
}

func convolve3x3(src *models.Plane, k *[3][3]float32) *models.Plane {
	w, h := src.Width, src.Height
	dst := models.NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float32
			for j := 0; j < 3; j++ {
				yy := clamp(y+1-j, h)
				for i := 0; i < 3; i++ {
					if k[j][i] == 0 {
						continue
					}
					sum += k[j][i] * src.Pix[yy*w+clamp(x+1-i, w)]
				}
			}
			dst.Pix[y*w+x] = sum
		}
	}
	return dst
}

// GradientMagnitude blurs the plane at sigma and returns the per-pixel
// norm of the two directional derivatives.
func GradientMagnitude(src *models.Plane, sigma float64) (*models.Plane, error) {
	blurred, err := GaussianBlur(src, sigma)
	if err != nil {
		return nil, err
	}
	dx := Derive(blurred, AxisX)
	dy := Derive(blurred, AxisY)

	out := models.NewPlane(src.Width, src.Height)
	for i := range out.Pix {
		x, y := dx.Pix[i], dy.Pix[i]
		out.Pix[i] = float32(math.Sqrt(float64(x*x + y*y)))
	}
	return out, nil
}

// convolve applies a dense kernel (row-major, kw x kh, centred) as a true
// convolution with clamp-to-edge borders. When normalize is set the result
// is divided by the kernel sum (if non-zero).
func convolve(src *models.Plane, kernel []float64, kw, kh int, normalize bool) *models.Plane {
	w, h := src.Width, src.Height
	cx, cy := kw/2, kh/2

	scale := 1.0
	if normalize {
		sum := 0.0
		for _, v := range kernel {
			sum += v
		}
		if sum != 0 {
			scale = 1 / sum
		}
	}

	dst := models.NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for j := 0; j < kh; j++ {
				yy := clamp(y+cy-j, h) * w
				for i := 0; i < kw; i++ {
					kv := kernel[j*kw+i]
					if kv == 0 {
						continue
					}
					sum += kv * float64(src.Pix[yy+clamp(x+cx-i, w)])
				}
			}
			dst.Pix[y*w+x] = float32(sum * scale)
		}
	}
	return dst
}
