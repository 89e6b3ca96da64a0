// Package segmentation runs a training session: it holds the classes and
// their example pixels, keeps the feature stacks of the training slices up
// to date, fits a classifier and applies it to the training slices or to
// new images.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"

	"trainableseg/internal/metrics"
	"trainableseg/internal/models"
	"trainableseg/pkg/classify"
	"trainableseg/pkg/featurecache"
	"trainableseg/pkg/features"
	"trainableseg/pkg/workers"
)

// Params contains the parameters of a training session
type Params struct {
	// NumCores bounds the worker pool, <= 0 uses every CPU
	NumCores int

	// Probability makes Apply return per-class scores instead of class maps
	Probability bool

	// BatchSize is the classification progress granularity
	BatchSize int

	// CacheDir enables the on-disk feature cache when set
	CacheDir string

	// CacheCodec compresses cache entries
	CacheCodec featurecache.Codec

	// Trainer fits the classifier
	Trainer classify.Trainer
}

// Class is a named class with its example pixels per slice
type Class struct {
	Name     string
	examples map[int][]image.Point
}

// Examples returns the example pixels of the class on slice s
func (c *Class) Examples(s int) []image.Point {
	return slices.Clone(c.examples[s])
}

// Count returns the number of example pixels over every slice
func (c *Class) Count() int {
	n := 0
	for _, pts := range c.examples {
		n += len(pts)
	}
	return n
}

// Segmentator is a training session over a fixed set of slices
type Segmentator struct {
	params   *Params
	slices   []*models.Slice
	width    int
	height   int
	pool     *workers.Pool
	array    *features.FeatureStackArray
	engine   *classify.Engine
	cache    *featurecache.Cache
	classes  []*Class
	selected []string
	model    classify.Model
	log      logrus.FieldLogger
	obs      metrics.Observer
	progress classify.ProgressCallback
}

// Option configures a Segmentator
type Option func(*Segmentator)

// WithLogger sets the logger of the session and its components
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Segmentator) { s.log = l }
}

// WithObserver sets the metrics observer
func WithObserver(o metrics.Observer) Option {
	return func(s *Segmentator) { s.obs = o }
}

// WithProgressCallback reports classification progress
func WithProgressCallback(cb classify.ProgressCallback) Option {
	return func(s *Segmentator) { s.progress = cb }
}

// NewSegmentator creates a session over the training slices using cfg for
// feature extraction.
func NewSegmentator(input []*models.Slice, cfg features.Config, params *Params, opts ...Option) (*Segmentator, error) {
	if params == nil {
		params = &Params{}
	}
	if len(input) == 0 {
		return nil, models.NewConfigurationError("no training slices")
	}

	s := &Segmentator{
		params: params,
		slices: input,
		log:    logrus.StandardLogger(),
		obs:    metrics.NoopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.obs == nil {
		s.obs = metrics.NoopObserver{}
	}

	s.pool = workers.New(params.NumCores)
	array, err := features.NewFeatureStackArrayFromSlices(input, cfg, s.pool)
	if err != nil {
		return nil, err
	}
	array.SetLogger(s.log)
	array.SetObserver(s.obs)
	s.array = array
	s.width, s.height = input[0].Planes[0].Width, input[0].Planes[0].Height

	s.engine = classify.NewEngine(
		classify.WithPool(s.pool),
		classify.WithBatchSize(params.BatchSize),
		classify.WithProgressCallback(s.progress),
		classify.WithLogger(s.log),
		classify.WithObserver(s.obs),
	)

	if params.CacheDir != "" {
		cache, err := featurecache.New(params.CacheDir, params.CacheCodec)
		if err != nil {
			return nil, err
		}
		cache.SetLogger(s.log)
		s.cache = cache
	}

	s.log.WithFields(logrus.Fields{
		"slices": len(input),
		"width":  s.width,
		"height": s.height,
		"cores":  s.pool.Size(),
		"color":  array.Get(0).IsColor(),
	}).Info("Training session created")
	return s, nil
}

// NumSlices returns the number of training slices
func (s *Segmentator) NumSlices() int { return len(s.slices) }

// Classes returns the session classes in index order
func (s *Segmentator) Classes() []*Class { return slices.Clone(s.classes) }

// ClassNames returns the class names in index order
func (s *Segmentator) ClassNames() []string {
	names := make([]string, len(s.classes))
	for i, c := range s.classes {
		names[i] = c.Name
	}
	return names
}

// Model returns the last trained model, nil before Train
func (s *Segmentator) Model() classify.Model { return s.model }

// Array returns the feature stacks of the training slices
func (s *Segmentator) Array() *features.FeatureStackArray { return s.array }

// AddClass appends a class and returns its index
func (s *Segmentator) AddClass(name string) (int, error) {
	if name == "" {
		return -1, models.NewConfigurationError("class name is empty")
	}
	for _, c := range s.classes {
		if c.Name == name {
			return -1, models.NewConfigurationError("class %q already exists", name)
		}
	}
	s.classes = append(s.classes, &Class{Name: name, examples: make(map[int][]image.Point)})
	return len(s.classes) - 1, nil
}

// AddExample adds example pixels of class on slice. The slice features are
// computed on the next Train if they are not up to date.
func (s *Segmentator) AddExample(class, slice int, points ...image.Point) error {
	if class < 0 || class >= len(s.classes) {
		return models.NewConfigurationError("class %d out of range [0, %d)", class, len(s.classes))
	}
	if slice < 0 || slice >= len(s.slices) {
		return models.NewConfigurationError("slice %d out of range [0, %d)", slice, len(s.slices))
	}
	bounds := image.Rect(0, 0, s.width, s.height)
	for _, p := range points {
		if !p.In(bounds) {
			return models.NewConfigurationError("example %v outside %dx%d slice", p, s.width, s.height)
		}
	}
	c := s.classes[class]
	c.examples[slice] = append(c.examples[slice], points...)
	return nil
}

// RemoveExamples drops every example of class on slice
func (s *Segmentator) RemoveExamples(class, slice int) error {
	if class < 0 || class >= len(s.classes) {
		return models.NewConfigurationError("class %d out of range [0, %d)", class, len(s.classes))
	}
	delete(s.classes[class].examples, slice)
	return nil
}

// AddLabelPlanes adds examples from label rasters, one per slice. Each
// distinct non-zero value becomes a class named "class_<value>" (created
// when missing, in ascending value order) and zero is unlabeled.
func (s *Segmentator) AddLabelPlanes(planes []*models.Plane) error {
	if len(planes) != len(s.slices) {
		return models.NewConfigurationError("got %d label planes for %d slices", len(planes), len(s.slices))
	}

	var values []float32
	for i, p := range planes {
		if p == nil || p.Width != s.width || p.Height != s.height {
			return models.NewConfigurationError("label plane %d does not match the %dx%d slices", i, s.width, s.height)
		}
		for _, v := range p.Pix {
			if v != 0 && !slices.Contains(values, v) {
				values = append(values, v)
			}
		}
	}
	slices.Sort(values)

	classOf := make(map[float32]int, len(values))
	for _, v := range values {
		name := fmt.Sprintf("class_%g", v)
		idx := slices.IndexFunc(s.classes, func(c *Class) bool { return c.Name == name })
		if idx < 0 {
			var err error
			if idx, err = s.AddClass(name); err != nil {
				return err
			}
		}
		classOf[v] = idx
	}

	for i, p := range planes {
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				v := p.At(x, y)
				if v == 0 {
					continue
				}
				c := s.classes[classOf[v]]
				c.examples[i] = append(c.examples[i], image.Pt(x, y))
			}
		}
	}

	s.log.WithField("classes", len(values)).Info("Added examples from label planes")
	return nil
}

// SetFeatureConfig replaces the filter configuration. Every slice is marked
// dirty and the trained model is discarded. An equal configuration keeps
// both.
func (s *Segmentator) SetFeatureConfig(cfg features.Config) error {
	if cfg.Equal(s.array.Config()) {
		return nil
	}
	if err := s.array.Configure(cfg); err != nil {
		return err
	}
	s.model = nil
	return nil
}

// SelectFeatures restricts training to the named channels. Nil selects every
// channel. Dropped channels are recomputed when the selection widens.
func (s *Segmentator) SelectFeatures(names []string) {
	s.selected = slices.Clone(names)
	s.array.MarkAllDirty()
	s.model = nil
}

// Features returns the channel labels used for training
func (s *Segmentator) Features() []string {
	labels := s.array.Get(0).ConfiguredLabels()
	if s.selected == nil {
		return labels
	}
	return slices.DeleteFunc(labels, func(l string) bool { return !slices.Contains(s.selected, l) })
}

// exampleMask returns the slices holding at least one example
func (s *Segmentator) exampleMask() *roaring.Bitmap {
	mask := roaring.New()
	for _, c := range s.classes {
		for i, pts := range c.examples {
			if len(pts) > 0 {
				mask.Add(uint32(i))
			}
		}
	}
	return mask
}

// UpdateFeatures brings every dirty slice up to date
func (s *Segmentator) UpdateFeatures(ctx context.Context) error {
	return s.update(ctx, s.array.DirtyMask())
}

// update recomputes the slices in mask, restoring them from the cache when
// possible and storing fresh results.
func (s *Segmentator) update(ctx context.Context, mask *roaring.Bitmap) error {
	if mask.IsEmpty() {
		return nil
	}

	if s.cache != nil {
		restored := 0
		for _, i := range mask.ToArray() {
			stack := s.array.Get(int(i))
			hit, err := s.cache.Load(featurecache.Key(stack), stack)
			if err != nil {
				s.log.WithError(err).WithField("slice", i).Warn("Ignoring unreadable cache entry")
				continue
			}
			if hit {
				if err := s.array.MarkClean(int(i)); err != nil {
					return err
				}
				mask.Remove(i)
				restored++
			}
		}
		if restored > 0 {
			s.log.WithFields(logrus.Fields{
				"restored":  restored,
				"remaining": mask.GetCardinality(),
			}).Debug("Restored feature stacks from cache")
		}
	}

	if err := s.array.UpdateAll(ctx, mask, features.MultiThreaded); err != nil {
		return err
	}

	if s.cache != nil {
		for _, i := range mask.ToArray() {
			stack := s.array.Get(int(i))
			if err := s.cache.Store(featurecache.Key(stack), stack); err != nil {
				s.log.WithError(err).WithField("slice", i).Warn("Failed to store feature stack")
			}
		}
	}

	if s.selected != nil {
		s.array.Retain(s.selected)
	}
	return nil
}

// Train computes the features of every slice holding examples and fits
// the classifier. At least two classes need examples.
func (s *Segmentator) Train(ctx context.Context) error {
	if s.params.Trainer == nil {
		return models.NewConfigurationError("no trainer configured")
	}
	nonEmpty := 0
	for _, c := range s.classes {
		if c.Count() > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		return models.NewConfigurationError("training needs examples of at least 2 classes, got %d", nonEmpty)
	}

	start := time.Now()

	// Step 1: bring the slices with examples up to date
	used := s.exampleMask()
	mask := roaring.And(s.array.DirtyMask(), used)
	s.log.WithField("slices", mask.GetCardinality()).Info("Step 1: Updating features")
	if err := s.update(ctx, mask); err != nil {
		return err
	}

	// Step 2: collect the labelled vectors
	schema, err := s.schema(used)
	if err != nil {
		return err
	}
	set := &classify.TrainingSet{ClassNames: s.ClassNames(), Schema: schema}
	for ci, c := range s.classes {
		for i := range s.slices {
			stack := s.array.Get(i)
			for _, p := range c.examples[i] {
				v := stack.VectorAt(p.X, p.Y)
				v.SetLabel(ci)
				set.Vectors = append(set.Vectors, v)
			}
		}
	}
	s.log.WithFields(logrus.Fields{
		"vectors":  len(set.Vectors),
		"features": len(schema),
	}).Info("Step 2: Created training set")

	// Step 3: fit
	s.log.Info("Step 3: Training classifier")
	model, err := s.params.Trainer.Fit(ctx, set)
	if err != nil {
		return fitError(err)
	}
	s.model = model

	s.log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("Training finished")
	return nil
}

// schema returns the channel labels shared by the slices in mask. Slices
// outside mask may still hold channels of an older configuration.
func (s *Segmentator) schema(mask *roaring.Bitmap) ([]string, error) {
	var labels []string
	first := -1
	for _, i := range mask.ToArray() {
		stack := s.array.Get(int(i))
		if first < 0 {
			labels, first = stack.Labels(), int(i)
			continue
		}
		if !slices.Equal(labels, stack.Labels()) {
			return nil, models.NewSchemaMismatchError("slice %d has %d channels, slice %d has %d",
				i, stack.Size(), first, len(labels))
		}
	}
	return labels, nil
}

// fitError wraps trainer failures that carry none of the known error kinds
func fitError(err error) error {
	if errors.Is(err, models.ErrConfiguration) || errors.Is(err, models.ErrCancelled) ||
		errors.Is(err, models.ErrClassifierInvocation) || errors.Is(err, models.ErrSchemaMismatch) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.Cancelled("fit", err)
	}
	return &models.ClassifierInvocationError{Op: "fit", Offset: -1, Err: err}
}

func (s *Segmentator) request() classify.Request {
	return classify.Request{
		Workers:     s.params.NumCores,
		Probability: s.params.Probability,
		ClassNames:  s.ClassNames(),
	}
}

// ApplyToTraining classifies every pixel of the training slices
func (s *Segmentator) ApplyToTraining(ctx context.Context) (*models.Result, error) {
	if s.model == nil {
		return nil, models.NewConfigurationError("classifier is not trained")
	}
	if err := s.UpdateFeatures(ctx); err != nil {
		return nil, err
	}
	labels, err := s.array.Labels()
	if err != nil {
		return nil, err
	}
	if !slices.Equal(labels, s.model.Schema()) {
		return nil, models.NewSchemaMismatchError("training slices have channels %v, model was trained on %v",
			labels, s.model.Schema())
	}

	vectors := make([]models.Vector, 0, s.width*s.height*len(s.slices))
	for i := range s.slices {
		vectors = s.array.Get(i).AppendVectors(vectors)
	}

	req := s.request()
	req.Width, req.Height = s.width, s.height
	req.Schema = labels
	return s.engine.ClassifyDataset(ctx, vectors, s.model, req)
}

// Apply classifies new slices with the trained model. Their features are
// computed with the session configuration.
func (s *Segmentator) Apply(ctx context.Context, input []*models.Slice) (*models.Result, error) {
	if s.model == nil {
		return nil, models.NewConfigurationError("classifier is not trained")
	}
	return s.engine.ClassifySlices(ctx, input, s.model, s.array.Config(), s.request())
}
