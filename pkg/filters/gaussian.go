package filters

import (
	"math"

	"trainableseg/internal/models"
)

// kernelExtent is the kernel radius in units of sigma
const kernelExtent = 3.0

// GaussianKernel returns the normalised 1-D Gaussian weights for sigma,
// centred at index len/2.
func GaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(kernelExtent * sigma))
	if radius < 1 {
		radius = 1
	}

	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// GaussianBlur convolves the plane with a separable Gaussian of the given
// standard deviation. A sigma of 0 returns an exact copy.
func GaussianBlur(src *models.Plane, sigma float64) (*models.Plane, error) {
	if sigma < 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return nil, models.NewConfigurationError("gaussian sigma must be finite and >= 0, got %v", sigma)
	}
	if sigma == 0 {
		return src.Clone(), nil
	}

	w, h := src.Width, src.Height
	kernel := GaussianKernel(sigma)
	radius := len(kernel) / 2

	// Horizontal pass into a float64 buffer so the two passes round once
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			sum := 0.0
			for k := -radius; k <= radius; k++ {
				sum += kernel[k+radius] * float64(row[clamp(x+k, w)])
			}
			tmp[y*w+x] = sum
		}
	}

	// Vertical pass
	dst := models.NewPlane(w, h)
	dst.BitDepth = src.BitDepth
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for k := -radius; k <= radius; k++ {
				sum += kernel[k+radius] * tmp[clamp(y+k, h)*w+x]
			}
			dst.Pix[y*w+x] = float32(sum)
		}
	}

	return dst, nil
}

// DifferenceOfGaussians returns Gaussian(sigma1) - Gaussian(sigma2)
// pointwise. sigma1 must be greater than sigma2.
func DifferenceOfGaussians(src *models.Plane, sigma1, sigma2 float64) (*models.Plane, error) {
	if !(sigma1 > sigma2) || sigma2 < 0 {
		return nil, models.NewConfigurationError("difference of gaussians needs sigma1 > sigma2 >= 0, got %v and %v", sigma1, sigma2)
	}

	wide, err := GaussianBlur(src, sigma1)
	if err != nil {
		return nil, err
	}
	narrow, err := GaussianBlur(src, sigma2)
	if err != nil {
		return nil, err
	}

	for i := range wide.Pix {
		wide.Pix[i] -= narrow.Pix[i]
	}
	return wide, nil
}

// clamp maps an index into [0, n) by repeating the edge sample
func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
