package filters

import (
	"math"

	"trainableseg/internal/models"
)

// Hessian descriptor channels, in emission order
const (
	HessianModule = iota
	HessianTrace
	HessianDeterminant
	HessianEigenvalue1
	HessianEigenvalue2
	HessianOrientation
	HessianSquareEigenvalueDifference
	HessianNormalizedEigenvalueDifference
	NumHessianDescriptors
)

// HessianDescriptorNames are the label prefixes of the descriptor channels
var HessianDescriptorNames = [NumHessianDescriptors]string{
	"Hessian",
	"Hessian_Trace",
	"Hessian_Determinant",
	"Hessian_Eigenvalue_1",
	"Hessian_Eigenvalue_2",
	"Hessian_Orientation",
	"Hessian_Square_Eigenvalue_Difference",
	"Hessian_Normalized_Eigenvalue_Difference",
}

// eigenNormalization is the gamma scale of the two eigenvalue-difference
// descriptors. It is fixed at 1 (1^0.75), so both are effectively unscaled.
const eigenNormalization = 1.0

// Hessian blurs the plane at sigma, takes the second partial derivatives
// with composed directional derivatives and returns the eight per-pixel
// descriptors of the 2x2 Hessian.
func Hessian(src *models.Plane, sigma float64) ([NumHessianDescriptors]*models.Plane, error) {
	var out [NumHessianDescriptors]*models.Plane

	blurred, err := GaussianBlur(src, sigma)
	if err != nil {
		return out, err
	}
	dx := Derive(blurred, AxisX)
	dy := Derive(blurred, AxisY)
	dxx := Derive(dx, AxisX)
	dxy := Derive(dx, AxisY)
	dyy := Derive(dy, AxisY)

	for c := range out {
		out[c] = models.NewPlane(src.Width, src.Height)
	}

	var d [NumHessianDescriptors]float32
	for i := range dxx.Pix {
		HessianDescriptors(dxx.Pix[i], dxy.Pix[i], dyy.Pix[i], &d)
		for c := range out {
			out[c].Pix[i] = d[c]
		}
	}
	return out, nil
}

// HessianDescriptors fills out with the descriptors of one pixel from its
// second derivatives.
func HessianDescriptors(sxx, sxy, syy float32, out *[NumHessianDescriptors]float32) {
	t := eigenNormalization

	out[HessianModule] = float32(math.Sqrt(float64(sxx*sxx + sxy*sxy + syy*syy)))

	trace := sxx + syy
	out[HessianTrace] = trace
	out[HessianDeterminant] = sxx*syy - sxy*sxy

	// (a+d)/2 +- sqrt((4b^2 + (a-d)^2) / 2)
	spread := math.Sqrt(float64(4*sxy*sxy+(sxx-syy)*(sxx-syy)) / 2.0)
	out[HessianEigenvalue1] = float32(float64(trace)/2.0 + spread)
	out[HessianEigenvalue2] = float32(float64(trace)/2.0 - spread)

	diff := float64(sxx - syy)
	orientation := float32(0.5 * math.Acos(diff/math.Sqrt(4.0*float64(sxy)*float64(sxy)+diff*diff)))
	if sxy < 0 {
		orientation = -orientation
	}
	if math.IsNaN(float64(orientation)) {
		orientation = 0
	}
	out[HessianOrientation] = orientation

	sq := float64((sxx-syy)*(sxx-syy) + 4*sxy*sxy)
	out[HessianSquareEigenvalueDifference] = float32(math.Pow(t, 4) * float64(trace) * float64(trace) * sq)
	out[HessianNormalizedEigenvalueDifference] = float32(math.Pow(t, 2) * sq)
}
