package models

// Result is the reassembled output of a classification run.
//
// Planes is ordered slice-major, channel-minor: the plane for slice s and
// channel c is Planes[s*Channels+c]. In class mode Channels is 1 and each
// sample holds a class index. In probability mode there is one channel per
// class and the channels of a pixel sum to 1.
type Result struct {
	Width    int
	Height   int
	Slices   int
	Channels int

	// Probability is true for per-class probability maps
	Probability bool

	// ClassNames labels the channels of a probability result, may be empty
	ClassNames []string

	Planes []*Plane
}

// Plane returns the output plane for a slice and channel
func (r *Result) Plane(slice, channel int) *Plane {
	return r.Planes[slice*r.Channels+channel]
}

// ClassAt returns the class index of a pixel. For probability results it
// is the channel with the highest score.
func (r *Result) ClassAt(slice, x, y int) int {
	if !r.Probability {
		return int(r.Plane(slice, 0).At(x, y))
	}
	best, bestScore := 0, float32(-1)
	for c := 0; c < r.Channels; c++ {
		if s := r.Plane(slice, c).At(x, y); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}
