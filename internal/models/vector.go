package models

import "math"

// Unlabeled marks the class slot of a vector that has no training label
const Unlabeled = -1

// Vector is the feature vector of one pixel: one value per feature channel
// in channel order followed by the class label slot.
type Vector []float32

// NewVector allocates a vector for n features with the label slot unset
func NewVector(n int) Vector {
	v := make(Vector, n+1)
	v[n] = Unlabeled
	return v
}

// Features returns the feature values without the label slot
func (v Vector) Features() []float32 {
	if len(v) == 0 {
		return nil
	}
	return v[:len(v)-1]
}

// NumFeatures is the number of feature values
func (v Vector) NumFeatures() int {
	if len(v) == 0 {
		return 0
	}
	return len(v) - 1
}

// Label returns the class index stored in the label slot or Unlabeled
func (v Vector) Label() int {
	if len(v) == 0 {
		return Unlabeled
	}
	l := v[len(v)-1]
	if math.IsNaN(float64(l)) || l < 0 {
		return Unlabeled
	}
	return int(l)
}

// SetLabel stores a class index in the label slot
func (v Vector) SetLabel(class int) {
	v[len(v)-1] = float32(class)
}
