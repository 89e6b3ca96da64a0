// Package features turns image planes into ordered per-pixel feature
// channels and keeps the channels of multi-slice images up to date.
package features

import (
	"context"
	"fmt"
	"slices"

	"trainableseg/internal/models"
	"trainableseg/pkg/workers"
)

// Mode selects how a recompute schedules its filter jobs
type Mode int

const (
	SingleThreaded Mode = iota
	MultiThreaded
)

func (m Mode) String() string {
	if m == MultiThreaded {
		return "multi-threaded"
	}
	return "single-threaded"
}

// colorPrefixes label the channels of the red, green and blue planes
var colorPrefixes = []string{"r_", "g_", "b_"}

// FeatureStack owns the ordered feature channels of one image plane
type FeatureStack struct {
	sources  []*models.Plane
	prefixes []string
	width    int
	height   int

	config     Config
	configured bool

	labels   []string
	channels []*models.Plane
}

// NewFeatureStack creates an unconfigured stack for a grey plane
func NewFeatureStack(plane *models.Plane) *FeatureStack {
	return &FeatureStack{
		sources:  []*models.Plane{plane},
		prefixes: []string{""},
		width:    plane.Width,
		height:   plane.Height,
	}
}

// NewColorFeatureStack creates a stack for an RGB image. Each colour
// plane is filtered on its own and the channel labels carry an r_, g_ or
// b_ prefix.
func NewColorFeatureStack(r, g, b *models.Plane) (*FeatureStack, error) {
	if !r.SameSize(g) || !r.SameSize(b) {
		return nil, models.NewConfigurationError("colour planes differ in size: %dx%d, %dx%d, %dx%d",
			r.Width, r.Height, g.Width, g.Height, b.Width, b.Height)
	}
	return &FeatureStack{
		sources:  []*models.Plane{r, g, b},
		prefixes: colorPrefixes,
		width:    r.Width,
		height:   r.Height,
	}, nil
}

// NewSliceFeatureStack picks the grey or colour constructor for a slice
func NewSliceFeatureStack(s *models.Slice) (*FeatureStack, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch len(s.Planes) {
	case 1:
		return NewFeatureStack(s.Planes[0]), nil
	case 3:
		return NewColorFeatureStack(s.Planes[0], s.Planes[1], s.Planes[2])
	default:
		return nil, models.NewConfigurationError("slice %d has %d planes, want 1 or 3", s.Index, len(s.Planes))
	}
}

// Configure sets the filter configuration used by the next Recompute.
// Existing channels are kept until then.
func (fs *FeatureStack) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fs.config = cfg
	fs.configured = true
	return nil
}

// Config returns the configuration of the stack
func (fs *FeatureStack) Config() Config {
	return fs.config
}

// Width of the source plane
func (fs *FeatureStack) Width() int { return fs.width }

// Height of the source plane
func (fs *FeatureStack) Height() int { return fs.height }

// IsColor reports whether the stack was built from an RGB image
func (fs *FeatureStack) IsColor() bool { return len(fs.sources) == 3 }

// Sources returns the planes the stack is computed from
func (fs *FeatureStack) Sources() []*models.Plane {
	return slices.Clone(fs.sources)
}

// Size returns the number of channels
func (fs *FeatureStack) Size() int { return len(fs.channels) }

// Labels returns a copy of the channel labels in channel order
func (fs *FeatureStack) Labels() []string {
	return slices.Clone(fs.labels)
}

// Channel returns the plane of channel i
func (fs *FeatureStack) Channel(i int) *models.Plane {
	return fs.channels[i]
}

// ChannelByLabel looks a channel up by its label
func (fs *FeatureStack) ChannelByLabel(label string) (*models.Plane, bool) {
	if i := slices.Index(fs.labels, label); i >= 0 {
		return fs.channels[i], true
	}
	return nil, false
}

// ConfiguredLabels is the schema a recompute with the current config yields
func (fs *FeatureStack) ConfiguredLabels() []string {
	base := fs.config.Labels()
	labels := make([]string, 0, len(base)*len(fs.prefixes))
	for _, prefix := range fs.prefixes {
		for _, l := range base {
			labels = append(labels, prefix+l)
		}
	}
	return labels
}

// Recompute rebuilds every channel from the configuration. MultiThreaded
// runs the independent filter jobs on the pool (a nil pool uses one sized
// to the CPU count); both modes produce identical channels. On any
// failure, including cancellation, the previous channels are left in place.
func (fs *FeatureStack) Recompute(ctx context.Context, mode Mode, pool *workers.Pool) error {
	if !fs.configured {
		return models.NewConfigurationError("feature stack is not configured")
	}

	type task struct {
		src *models.Plane
		job job
	}
	var tasks []task
	jobs := fs.config.jobs()
	for _, src := range fs.sources {
		for _, j := range jobs {
			tasks = append(tasks, task{src: src, job: j})
		}
	}

	results := make([][]*models.Plane, len(tasks))
	run := func(ctx context.Context, i int) error {
		if err := models.CheckContext(ctx, "feature stack recompute"); err != nil {
			return err
		}
		t := tasks[i]
		planes, err := t.job.compute(t.src)
		if err != nil {
			return fmt.Errorf("computing %s: %w", t.job.labels[0], err)
		}
		if len(planes) != len(t.job.labels) {
			return fmt.Errorf("computing %s: got %d planes for %d labels", t.job.labels[0], len(planes), len(t.job.labels))
		}
		results[i] = planes
		return nil
	}

	if mode == MultiThreaded {
		if pool == nil {
			pool = workers.New(0)
		}
		if err := pool.Run(ctx, len(tasks), run); err != nil {
			return models.Cancelled("feature stack recompute", err)
		}
	} else {
		for i := range tasks {
			if err := run(ctx, i); err != nil {
				return err
			}
		}
	}

	// Assemble in job order, independent of completion order
	labels := make([]string, 0, len(results))
	channels := make([]*models.Plane, 0, len(results))
	perSource := len(jobs)
	for i, planes := range results {
		prefix := fs.prefixes[i/perSource]
		for c, p := range planes {
			labels = append(labels, prefix+tasks[i].job.labels[c])
			channels = append(channels, p)
		}
	}
	fs.labels = labels
	fs.channels = channels
	return nil
}

// Restore installs precomputed channels, e.g. from a cache. The labels
// must match what a recompute with the current configuration would yield.
func (fs *FeatureStack) Restore(labels []string, channels []*models.Plane) error {
	if !fs.configured {
		return models.NewConfigurationError("feature stack is not configured")
	}
	if len(labels) != len(channels) {
		return models.NewConfigurationError("restore got %d labels for %d channels", len(labels), len(channels))
	}
	if want := fs.ConfiguredLabels(); !slices.Equal(want, labels) {
		return models.NewSchemaMismatchError("restored channels %d do not match the %d configured channels", len(labels), len(want))
	}
	for _, ch := range channels {
		if ch.Width != fs.width || ch.Height != fs.height {
			return models.NewConfigurationError("restored channel is %dx%d, want %dx%d", ch.Width, ch.Height, fs.width, fs.height)
		}
	}
	fs.labels = slices.Clone(labels)
	fs.channels = slices.Clone(channels)
	return nil
}

// RemoveChannel drops the channel with the given label. Removing an absent
// label does nothing.
func (fs *FeatureStack) RemoveChannel(label string) {
	i := slices.Index(fs.labels, label)
	if i < 0 {
		return
	}
	fs.labels = slices.Delete(fs.labels, i, i+1)
	fs.channels = slices.Delete(fs.channels, i, i+1)
}

// Retain removes every channel whose label is not in names. Channel order
// is unchanged.
func (fs *FeatureStack) Retain(names []string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	for _, l := range fs.Labels() {
		if !keep[l] {
			fs.RemoveChannel(l)
		}
	}
}

// VectorAt returns the feature vector of pixel (x, y) with an unset label
func (fs *FeatureStack) VectorAt(x, y int) models.Vector {
	v := models.NewVector(len(fs.channels))
	idx := y*fs.width + x
	for c, ch := range fs.channels {
		v[c] = ch.Pix[idx]
	}
	return v
}

// AppendVectors appends the vectors of every pixel in row-major order
func (fs *FeatureStack) AppendVectors(dst []models.Vector) []models.Vector {
	n := len(fs.channels)
	dst = slices.Grow(dst, fs.width*fs.height)
	// One backing array per stack keeps the allocation count flat
	backing := make([]float32, fs.width*fs.height*(n+1))
	for idx := 0; idx < fs.width*fs.height; idx++ {
		v := models.Vector(backing[idx*(n+1) : (idx+1)*(n+1) : (idx+1)*(n+1)])
		for c, ch := range fs.channels {
			v[c] = ch.Pix[idx]
		}
		v[n] = models.Unlabeled
		dst = append(dst, v)
	}
	return dst
}

// Vectors returns the vectors of every pixel in row-major order
func (fs *FeatureStack) Vectors() []models.Vector {
	return fs.AppendVectors(nil)
}
