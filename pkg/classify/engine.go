package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/floats"

	"trainableseg/internal/metrics"
	"trainableseg/internal/models"
	"trainableseg/pkg/features"
	"trainableseg/pkg/workers"
)

const (
	// DefaultBatchSize is the number of vectors classified between two
	// progress counter updates and cancellation checks.
	DefaultBatchSize = 4000

	// DefaultMonitorInterval is how often the progress monitor polls
	DefaultMonitorInterval = time.Second

	// progressLogInterval throttles progress log lines
	progressLogInterval = 10 * time.Second
)

// ProgressCallback reports progress during classification. It is called
// from the monitor goroutine with the number of vectors classified so far,
// the total and a status message.
type ProgressCallback func(completed, total int, message string)

// Engine applies fitted models to feature vectors on a bounded pool
type Engine struct {
	pool            *workers.Pool
	batchSize       int
	monitorInterval time.Duration
	progress        ProgressCallback
	log             logrus.FieldLogger
	obs             metrics.Observer
}

// Option configures an Engine
type Option func(*Engine)

// WithPool shares an existing worker pool
func WithPool(p *workers.Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithBatchSize sets the progress and cancellation granularity
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithMonitorInterval sets how often progress is polled
func WithMonitorInterval(d time.Duration) Option {
	return func(e *Engine) { e.monitorInterval = d }
}

// WithProgressCallback installs a progress callback
func WithProgressCallback(cb ProgressCallback) Option {
	return func(e *Engine) { e.progress = cb }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithObserver sets the metrics observer
func WithObserver(o metrics.Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// NewEngine creates an engine. Without options it uses a CPU-sized pool,
// batches of 4000 vectors and a one second monitor interval.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = workers.New(0)
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.monitorInterval <= 0 {
		e.monitorInterval = DefaultMonitorInterval
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.obs == nil {
		e.obs = metrics.NoopObserver{}
	}
	return e
}

// Pool returns the worker pool of the engine
func (e *Engine) Pool() *workers.Pool { return e.pool }

// Request describes one classification call
type Request struct {
	// Workers is the number of chunks (or slice workers); <= 0 uses the
	// pool size.
	Workers int

	// Probability requests one score channel per class instead of a
	// single class index channel.
	Probability bool

	// Width and Height give the geometry of one output plane. Both zero
	// means a single row holding every vector.
	Width  int
	Height int

	// ClassNames is copied into the result
	ClassNames []string

	// Schema names the channels of every vector in order. When set it has
	// to match the model schema exactly.
	Schema []string
}

func (r Request) mode() string {
	if r.Probability {
		return "probability"
	}
	return "class"
}

func (e *Engine) workerCount(n int) int {
	if n <= 0 {
		return e.pool.Size()
	}
	return n
}

// modelInstances returns the model used by each job: the shared model when it
// supports concurrent reads, otherwise one clone per job.
func modelInstances(model Model, jobs int) ([]Model, error) {
	out := make([]Model, jobs)
	for i := range out {
		if model.SupportsConcurrentRead() {
			out[i] = model
			continue
		}
		c := model.Clone()
		if c == nil {
			return nil, &models.ClassifierInvocationError{Op: "clone", Offset: -1, Err: errors.New("clone returned nil")}
		}
		out[i] = c
	}
	return out, nil
}

// output holds one buffer per channel covering every vector
type output struct {
	channels    [][]float32
	numClasses  int
	probability bool
}

func newOutput(numClasses, total int, probability bool) *output {
	n := 1
	if probability {
		n = numClasses
	}
	o := &output{
		channels:    make([][]float32, n),
		numClasses:  numClasses,
		probability: probability,
	}
	for c := range o.channels {
		o.channels[c] = make([]float32, total)
	}
	return o
}

// result reshapes the buffers into slice-major, channel-minor planes
func (o *output) result(width, height, numSlices int, req Request) *models.Result {
	perSlice := width * height
	res := &models.Result{
		Width:       width,
		Height:      height,
		Slices:      numSlices,
		Channels:    len(o.channels),
		Probability: o.probability,
		ClassNames:  slices.Clone(req.ClassNames),
		Planes:      make([]*models.Plane, 0, numSlices*len(o.channels)),
	}
	for s := 0; s < numSlices; s++ {
		for _, ch := range o.channels {
			res.Planes = append(res.Planes, &models.Plane{
				Pix:      ch[s*perSlice : (s+1)*perSlice : (s+1)*perSlice],
				Width:    width,
				Height:   height,
				BitDepth: 32,
			})
		}
	}
	return res
}

// classifyRange classifies vectors into the output starting at base. The
// progress counter and ctx are only touched once per batch.
func classifyRange(ctx context.Context, m Model, vectors []models.Vector, out *output, base, batch int, done *atomic.Int64) error {
	scores := make([]float64, out.numClasses)
	pending := 0
	for i, v := range vectors {
		if pending == batch {
			done.Add(int64(pending))
			pending = 0
			if err := models.CheckContext(ctx, "classification"); err != nil {
				return err
			}
		}
		offset := base + i

		if out.probability {
			dist, err := m.PredictDistribution(v)
			if err != nil {
				return &models.ClassifierInvocationError{Op: "predictDistribution", Offset: offset, Err: err}
			}
			if len(dist) != out.numClasses {
				return &models.ClassifierInvocationError{Op: "predictDistribution", Offset: offset,
					Err: fmt.Errorf("got %d scores for %d classes", len(dist), out.numClasses)}
			}
			copy(scores, dist)
			sum := floats.Sum(scores)
			if !(sum > 0) || math.IsInf(sum, 0) {
				return &models.ClassifierInvocationError{Op: "predictDistribution", Offset: offset,
					Err: fmt.Errorf("scores sum to %v", sum)}
			}
			floats.Scale(1/sum, scores)
			for c, s := range scores {
				out.channels[c][offset] = float32(s)
			}
		} else {
			class, err := m.PredictClass(v)
			if err != nil {
				return &models.ClassifierInvocationError{Op: "predictClass", Offset: offset, Err: err}
			}
			if class < 0 || class >= out.numClasses {
				return &models.ClassifierInvocationError{Op: "predictClass", Offset: offset,
					Err: fmt.Errorf("class %d outside [0, %d)", class, out.numClasses)}
			}
			out.channels[0][offset] = float32(class)
		}
		pending++
	}
	done.Add(int64(pending))
	return nil
}

// checkSchema rejects vectors whose width differs from the model schema,
// and a vector schema whose channel order differs from it. Models without
// a schema accept any consistent width.
func checkSchema(vectors []models.Vector, model Model, schema []string) error {
	if schema != nil && len(model.Schema()) > 0 && !slices.Equal(schema, model.Schema()) {
		return models.NewSchemaMismatchError("vectors carry channels %v, model was trained on %v", schema, model.Schema())
	}
	want := len(model.Schema())
	if want == 0 {
		want = len(schema)
	}
	if want == 0 && len(vectors) > 0 {
		want = vectors[0].NumFeatures()
	}
	for i, v := range vectors {
		if v.NumFeatures() != want {
			return models.NewSchemaMismatchError("vector %d has %d features, model expects %d", i, v.NumFeatures(), want)
		}
	}
	return nil
}

// ClassifyDataset classifies vectors with model. The vectors are split into
// contiguous chunks, one per worker, and the result at offset i always
// belongs to vector i. Any failure or cancellation discards all output.
func (e *Engine) ClassifyDataset(ctx context.Context, vectors []models.Vector, model Model, req Request) (*models.Result, error) {
	if model == nil {
		return nil, models.NewConfigurationError("no model to classify with")
	}
	total := len(vectors)
	if total == 0 {
		return nil, models.NewConfigurationError("no vectors to classify")
	}

	width, height := req.Width, req.Height
	if width == 0 && height == 0 {
		width, height = total, 1
	}
	if width <= 0 || height <= 0 || total%(width*height) != 0 {
		return nil, models.NewConfigurationError("%d vectors do not fill planes of %dx%d", total, width, height)
	}
	if model.NumClasses() < 1 {
		return nil, models.NewConfigurationError("model has no classes")
	}
	if err := checkSchema(vectors, model, req.Schema); err != nil {
		return nil, err
	}

	spans := workers.Partition(total, e.workerCount(req.Workers))
	instances, err := modelInstances(model, len(spans))
	if err != nil {
		return nil, err
	}
	out := newOutput(model.NumClasses(), total, req.Probability)

	log := e.log.WithFields(logrus.Fields{
		"run":     uuid.NewString(),
		"vectors": total,
		"workers": len(spans),
		"mode":    req.mode(),
	})
	log.Info("Classifying feature vectors")

	err = e.run(ctx, log, total, req.mode(), len(spans), func(ctx context.Context, j int, done *atomic.Int64) error {
		span := spans[j]
		return classifyRange(ctx, instances[j], vectors[span.Start:span.End], out, span.Start, e.batchSize, done)
	})
	if err != nil {
		return nil, err
	}
	return out.result(width, height, total/(width*height), req), nil
}

// ClassifySlices featurizes and classifies whole slices. Slice s is handled
// by worker s mod workers; each worker computes the feature stack of its
// slices with cfg, restricted to the model schema, and classifies it
// serially. The result keeps slice order.
func (e *Engine) ClassifySlices(ctx context.Context, input []*models.Slice, model Model, cfg features.Config, req Request) (*models.Result, error) {
	if model == nil {
		return nil, models.NewConfigurationError("no model to classify with")
	}
	if len(input) == 0 {
		return nil, models.NewConfigurationError("no slices to classify")
	}
	if model.NumClasses() < 1 {
		return nil, models.NewConfigurationError("model has no classes")
	}
	for _, s := range input {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if !s.Planes[0].SameSize(input[0].Planes[0]) {
			return nil, models.NewConfigurationError("slice %d is %dx%d, want %dx%d", s.Index,
				s.Planes[0].Width, s.Planes[0].Height, input[0].Planes[0].Width, input[0].Planes[0].Height)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	width, height := input[0].Planes[0].Width, input[0].Planes[0].Height
	perSlice := width * height
	total := perSlice * len(input)

	numWorkers := min(e.workerCount(req.Workers), len(input))
	instances, err := modelInstances(model, numWorkers)
	if err != nil {
		return nil, err
	}
	out := newOutput(model.NumClasses(), total, req.Probability)
	schema := model.Schema()

	log := e.log.WithFields(logrus.Fields{
		"run":     uuid.NewString(),
		"slices":  len(input),
		"workers": numWorkers,
		"mode":    req.mode(),
	})
	// Each slice worker may use this many chunk threads; slices are
	// classified serially here so it is informational only.
	budget := int(math.Ceil(float64(e.pool.Size()-numWorkers)/float64(numWorkers))) + 1
	log.WithField("threadsPerSlice", max(budget, 1)).Info("Classifying slices")

	err = e.run(ctx, log, total, req.mode(), numWorkers, func(ctx context.Context, w int, done *atomic.Int64) error {
		for s := w; s < len(input); s += numWorkers {
			vectors, err := sliceVectors(ctx, input[s], cfg, schema)
			if err != nil {
				return fmt.Errorf("slice %d: %w", s, err)
			}
			if err := classifyRange(ctx, instances[w], vectors, out, s*perSlice, e.batchSize, done); err != nil {
				return fmt.Errorf("slice %d: %w", s, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.result(width, height, len(input), req), nil
}

// sliceVectors computes the feature vectors of one slice in schema order
func sliceVectors(ctx context.Context, s *models.Slice, cfg features.Config, schema []string) ([]models.Vector, error) {
	fs, err := features.NewSliceFeatureStack(s)
	if err != nil {
		return nil, err
	}
	if err := fs.Configure(cfg); err != nil {
		return nil, err
	}
	if err := fs.Recompute(ctx, features.SingleThreaded, nil); err != nil {
		return nil, err
	}
	if len(schema) > 0 {
		fs.Retain(schema)
		if !slices.Equal(fs.Labels(), schema) {
			return nil, models.NewSchemaMismatchError("slice features have %d of the %d channels the model was trained on",
				fs.Size(), len(schema))
		}
	}
	return fs.Vectors(), nil
}

// run executes jobs on the pool while a monitor goroutine reports the
// shared progress counter.
func (e *Engine) run(ctx context.Context, log logrus.FieldLogger, total int, mode string, jobs int,
	fn func(ctx context.Context, j int, done *atomic.Int64) error) error {
	var done atomic.Int64
	start := time.Now()

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		e.monitor(log, &done, total, start, stop)
	}()

	err := e.pool.Run(ctx, jobs, func(ctx context.Context, j int) error {
		return fn(ctx, j, &done)
	})
	close(stop)
	<-stopped

	elapsed := time.Since(start)
	e.obs.OnClassify(elapsed, mode, total, err)

	if err != nil {
		err = models.Cancelled("classification", err)
		if errors.Is(err, models.ErrCancelled) {
			log.WithField("elapsed", elapsed.Round(time.Millisecond)).Warn("Classification cancelled")
		} else {
			log.WithError(err).Error("Classification failed")
		}
		return err
	}

	e.report(total, total, "")
	e.obs.OnProgress(total, total)
	log.WithField("elapsed", elapsed.Round(time.Millisecond)).Info("Classification finished")
	return nil
}

// monitor polls the progress counter until stop is closed
func (e *Engine) monitor(log logrus.FieldLogger, done *atomic.Int64, total int, start time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()
	sometimes := rate.Sometimes{First: 1, Interval: progressLogInterval}

	for {
		select {
		case <-ticker.C:
			current := int(done.Load())
			perSecond := 0.0
			if elapsed := time.Since(start).Seconds(); elapsed > 0 {
				perSecond = float64(current) / elapsed
			}
			e.report(current, total, fmt.Sprintf("Classifying at %.0f vectors/sec", perSecond))
			e.obs.OnProgress(current, total)
			sometimes.Do(func() {
				log.WithField("progress", fmt.Sprintf("%.1f%%", 100*float64(current)/float64(total))).Info("Classification progress")
			})
		case <-stop:
			return
		}
	}
}

func (e *Engine) report(completed, total int, message string) {
	if e.progress != nil {
		e.progress(completed, total, message)
	}
}
