package features

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"

	"trainableseg/internal/metrics"
	"trainableseg/internal/models"
	"trainableseg/pkg/workers"
)

// PlaneState tracks whether a plane's channels match the configuration
type PlaneState int

const (
	Clean PlaneState = iota
	NeedsTrainRecompute
)

func (s PlaneState) String() string {
	if s == NeedsTrainRecompute {
		return "needs-train-recompute"
	}
	return "clean"
}

// FeatureStackArray holds one FeatureStack per plane of a multi-slice image
// and records which planes need recomputing. It is driven by a single
// goroutine; only UpdateAll fans work out.
type FeatureStackArray struct {
	stacks []*FeatureStack
	states []PlaneState
	config Config
	pool   *workers.Pool
	log    logrus.FieldLogger
	obs    metrics.Observer
}

// NewFeatureStackArray creates an array of n empty slots sharing a
// configuration. Every slot starts dirty.
func NewFeatureStackArray(n int, cfg Config, pool *workers.Pool) *FeatureStackArray {
	states := make([]PlaneState, n)
	for i := range states {
		states[i] = NeedsTrainRecompute
	}
	if pool == nil {
		pool = workers.New(0)
	}
	return &FeatureStackArray{
		stacks: make([]*FeatureStack, n),
		states: states,
		config: cfg,
		pool:   pool,
		log:    logrus.StandardLogger(),
		obs:    metrics.NoopObserver{},
	}
}

// NewFeatureStackArrayFromSlices creates and configures a stack for every
// slice. Nothing is computed until UpdateAll.
func NewFeatureStackArrayFromSlices(input []*models.Slice, cfg Config, pool *workers.Pool) (*FeatureStackArray, error) {
	fsa := NewFeatureStackArray(len(input), cfg, pool)
	for i, s := range input {
		fs, err := NewSliceFeatureStack(s)
		if err != nil {
			return nil, err
		}
		if err := fsa.Set(i, fs); err != nil {
			return nil, err
		}
	}
	return fsa, nil
}

// SetLogger replaces the logger, nil restores the standard logger
func (a *FeatureStackArray) SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	a.log = l
}

// SetObserver installs a metrics observer, nil disables measurements
func (a *FeatureStackArray) SetObserver(o metrics.Observer) {
	if o == nil {
		o = metrics.NoopObserver{}
	}
	a.obs = o
}

// Len returns the number of planes
func (a *FeatureStackArray) Len() int { return len(a.stacks) }

// Config returns the shared configuration
func (a *FeatureStackArray) Config() Config { return a.config }

// Pool returns the worker pool used for recomputation
func (a *FeatureStackArray) Pool() *workers.Pool { return a.pool }

func (a *FeatureStackArray) checkIndex(i int) error {
	if i < 0 || i >= len(a.stacks) {
		return models.NewConfigurationError("plane index %d out of range [0, %d)", i, len(a.stacks))
	}
	return nil
}

// Set installs the stack of plane i, configures it with the shared
// configuration and marks the plane dirty.
func (a *FeatureStackArray) Set(i int, fs *FeatureStack) error {
	if err := a.checkIndex(i); err != nil {
		return err
	}
	if fs == nil {
		return models.NewConfigurationError("nil feature stack for plane %d", i)
	}
	if err := fs.Configure(a.config); err != nil {
		return err
	}
	a.stacks[i] = fs
	a.states[i] = NeedsTrainRecompute
	return nil
}

// Get returns the stack of plane i, nil for an empty slot
func (a *FeatureStackArray) Get(i int) *FeatureStack {
	if i < 0 || i >= len(a.stacks) {
		return nil
	}
	return a.stacks[i]
}

// State returns the dirty state of plane i
func (a *FeatureStackArray) State(i int) PlaneState {
	return a.states[i]
}

// MarkDirty flags plane i for recomputation
func (a *FeatureStackArray) MarkDirty(i int) error {
	if err := a.checkIndex(i); err != nil {
		return err
	}
	a.states[i] = NeedsTrainRecompute
	return nil
}

// MarkClean records that plane i already holds channels matching the
// configuration, e.g. after restoring them from a cache.
func (a *FeatureStackArray) MarkClean(i int) error {
	if err := a.checkIndex(i); err != nil {
		return err
	}
	if a.stacks[i] == nil || a.stacks[i].Size() == 0 {
		return models.NewConfigurationError("plane %d has no channels", i)
	}
	a.states[i] = Clean
	return nil
}

// MarkAllDirty flags every plane for recomputation
func (a *FeatureStackArray) MarkAllDirty() {
	for i := range a.states {
		a.states[i] = NeedsTrainRecompute
	}
}

// DirtyMask returns the planes that need recomputing
func (a *FeatureStackArray) DirtyMask() *roaring.Bitmap {
	mask := roaring.New()
	for i, s := range a.states {
		if s == NeedsTrainRecompute {
			mask.Add(uint32(i))
		}
	}
	return mask
}

// FullMask selects every plane
func (a *FeatureStackArray) FullMask() *roaring.Bitmap {
	mask := roaring.New()
	mask.AddRange(0, uint64(len(a.stacks)))
	return mask
}

// Configure switches every stack to a new configuration and marks all
// planes dirty.
func (a *FeatureStackArray) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, fs := range a.stacks {
		if fs == nil {
			continue
		}
		if err := fs.Configure(cfg); err != nil {
			return err
		}
	}
	a.config = cfg
	a.MarkAllDirty()
	return nil
}

// UpdateAll recomputes exactly the planes in mask and marks each plane
// that completed as clean. An empty or nil mask does nothing. In
// MultiThreaded mode planes are recomputed concurrently on the pool; a
// single dirty plane instead parallelises its own filter jobs.
//
// On cancellation no further planes are started, planes already running
// are awaited and the cancellation error is returned. Planes that did not
// complete keep their state.
func (a *FeatureStackArray) UpdateAll(ctx context.Context, mask *roaring.Bitmap, mode Mode) error {
	if mask == nil || mask.IsEmpty() {
		return nil
	}

	indices := make([]int, 0, mask.GetCardinality())
	it := mask.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if err := a.checkIndex(i); err != nil {
			return err
		}
		if a.stacks[i] == nil {
			return models.NewConfigurationError("plane %d has no feature stack", i)
		}
		indices = append(indices, i)
	}

	start := time.Now()
	done := make([]bool, len(indices))
	var err error

	switch {
	case mode == MultiThreaded && len(indices) == 1:
		err = a.stacks[indices[0]].Recompute(ctx, MultiThreaded, a.pool)
		done[0] = err == nil
	case mode == MultiThreaded:
		err = a.pool.Run(ctx, len(indices), func(ctx context.Context, j int) error {
			i := indices[j]
			if err := a.stacks[i].Recompute(ctx, SingleThreaded, nil); err != nil {
				return fmt.Errorf("plane %d: %w", i, err)
			}
			done[j] = true
			return nil
		})
	default:
		for j, i := range indices {
			if err = a.stacks[i].Recompute(ctx, SingleThreaded, nil); err != nil {
				err = fmt.Errorf("plane %d: %w", i, err)
				break
			}
			done[j] = true
		}
	}

	updated := 0
	for j, ok := range done {
		if ok {
			a.states[indices[j]] = Clean
			updated++
		}
	}
	a.obs.OnFeatureUpdate(time.Since(start), updated, err)

	if err != nil {
		a.log.WithFields(logrus.Fields{
			"planes":  len(indices),
			"updated": updated,
		}).WithError(err).Warn("Feature stack update failed")
		return models.Cancelled("feature stack update", err)
	}

	a.log.WithFields(logrus.Fields{
		"planes":   len(indices),
		"channels": a.stacks[indices[0]].Size(),
		"mode":     mode.String(),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Debug("Updated feature stacks")
	return nil
}

// Labels returns the channel labels shared by every computed plane. Planes
// disagreeing on their channels are a schema mismatch.
func (a *FeatureStackArray) Labels() ([]string, error) {
	var labels []string
	first := -1
	for i, fs := range a.stacks {
		if fs == nil || fs.Size() == 0 {
			continue
		}
		if first < 0 {
			labels, first = fs.Labels(), i
			continue
		}
		if !slices.Equal(labels, fs.labels) {
			return nil, models.NewSchemaMismatchError("plane %d has %d channels, plane %d has %d",
				i, fs.Size(), first, len(labels))
		}
	}
	return labels, nil
}

// Retain keeps only the named channels in every stack
func (a *FeatureStackArray) Retain(names []string) {
	for _, fs := range a.stacks {
		if fs != nil {
			fs.Retain(names)
		}
	}
}
