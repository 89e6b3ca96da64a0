package classify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainableseg/internal/models"
	"trainableseg/pkg/features"
	"trainableseg/pkg/workers"
)

// bandModel assigns a class from the first feature: class = floor(v0 / width)
// clamped to the class count. Scores peak at the predicted class.
type bandModel struct {
	classes    int
	width      float32
	concurrent bool
	schema     []string
	failAt     float32
	badLength  bool
	clones     *atomic.Int32
}

func (m *bandModel) PredictClass(v models.Vector) (int, error) {
	if m.failAt != 0 && v[0] == m.failAt {
		return 0, errors.New("malformed vector")
	}
	c := int(v[0] / m.width)
	return min(max(c, 0), m.classes-1), nil
}

func (m *bandModel) PredictDistribution(v models.Vector) ([]float64, error) {
	c, err := m.PredictClass(v)
	if err != nil {
		return nil, err
	}
	n := m.classes
	if m.badLength {
		n++
	}
	// unnormalised on purpose
	dist := make([]float64, n)
	for i := range dist {
		dist[i] = 1
	}
	dist[c] = 5
	return dist, nil
}

func (m *bandModel) SupportsConcurrentRead() bool { return m.concurrent }
func (m *bandModel) NumClasses() int              { return m.classes }
func (m *bandModel) Schema() []string             { return m.schema }

func (m *bandModel) Clone() Model {
	if m.clones != nil {
		m.clones.Add(1)
	}
	c := *m
	return &c
}

func rampVectors(n, features int) []models.Vector {
	vectors := make([]models.Vector, n)
	for i := range vectors {
		v := models.NewVector(features)
		for f := 0; f < features; f++ {
			v[f] = float32(i + f)
		}
		vectors[i] = v
	}
	return vectors
}

func quietEngine(opts ...Option) *Engine {
	logger, _ := test.NewNullLogger()
	return NewEngine(append([]Option{WithLogger(logger)}, opts...)...)
}

func TestClassifyDatasetIsIndependentOfWorkerCount(t *testing.T) {
	vectors := rampVectors(1000, 2)
	model := &bandModel{classes: 4, width: 250, concurrent: true}
	engine := quietEngine(WithPool(workers.New(8)), WithBatchSize(64))

	var reference *models.Result
	for _, n := range []int{1, 2, 4, 7} {
		res, err := engine.ClassifyDataset(context.Background(), vectors, model, Request{Workers: n})
		require.NoError(t, err, "workers=%d", n)
		require.Equal(t, 1, res.Channels)

		for i, v := range vectors {
			want, _ := model.PredictClass(v)
			require.Equal(t, float32(want), res.Planes[0].Pix[i], "workers=%d offset=%d", n, i)
		}
		if reference == nil {
			reference = res
			continue
		}
		assert.Equal(t, reference.Planes[0].Pix, res.Planes[0].Pix, "workers=%d", n)
	}
}

func TestClassifyDatasetProbabilitiesSumToOne(t *testing.T) {
	vectors := rampVectors(300, 1)
	model := &bandModel{classes: 3, width: 100, concurrent: true}

	res, err := quietEngine().ClassifyDataset(context.Background(), vectors, model,
		Request{Workers: 3, Probability: true, ClassNames: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.Equal(t, 3, res.Channels)
	assert.True(t, res.Probability)
	assert.Equal(t, []string{"a", "b", "c"}, res.ClassNames)

	for i := range vectors {
		sum := float32(0)
		for c := 0; c < res.Channels; c++ {
			sum += res.Plane(0, c).Pix[i]
		}
		assert.InDelta(t, 1, sum, 1e-5, "offset %d", i)
		assert.Equal(t, i/100, res.ClassAt(0, i, 0))
	}
	assert.InDelta(t, 5.0/7.0, res.Plane(0, 0).Pix[0], 1e-6)
}

func TestClassifyDatasetClonesOnlyUnsafeModels(t *testing.T) {
	vectors := rampVectors(100, 1)
	engine := quietEngine(WithPool(workers.New(4)))

	var clones atomic.Int32
	shared := &bandModel{classes: 2, width: 50, concurrent: true, clones: &clones}
	_, err := engine.ClassifyDataset(context.Background(), vectors, shared, Request{Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, int32(0), clones.Load())

	unsafe := &bandModel{classes: 2, width: 50, clones: &clones}
	_, err = engine.ClassifyDataset(context.Background(), vectors, unsafe, Request{Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, int32(4), clones.Load())
}

func TestClassifyDatasetReshapesIntoSlices(t *testing.T) {
	vectors := rampVectors(100, 1)
	model := &bandModel{classes: 2, width: 50, concurrent: true}

	res, err := quietEngine().ClassifyDataset(context.Background(), vectors, model, Request{Width: 10, Height: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Slices)
	assert.Equal(t, 0, res.ClassAt(0, 9, 4))
	assert.Equal(t, 1, res.ClassAt(1, 0, 0))

	_, err = quietEngine().ClassifyDataset(context.Background(), vectors, model, Request{Width: 7, Height: 7})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestClassifyDatasetFailureDiscardsOutput(t *testing.T) {
	vectors := rampVectors(1000, 1)
	model := &bandModel{classes: 2, width: 500, concurrent: true, failAt: 700}

	res, err := quietEngine().ClassifyDataset(context.Background(), vectors, model, Request{Workers: 4})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrClassifierInvocation)

	var invocation *models.ClassifierInvocationError
	require.ErrorAs(t, err, &invocation)
	assert.Equal(t, 700, invocation.Offset)
	assert.Equal(t, "predictClass", invocation.Op)
}

func TestClassifyDatasetRejectsBadDistributions(t *testing.T) {
	vectors := rampVectors(10, 1)
	model := &bandModel{classes: 2, width: 5, concurrent: true, badLength: true}

	_, err := quietEngine().ClassifyDataset(context.Background(), vectors, model, Request{Probability: true})
	assert.ErrorIs(t, err, models.ErrClassifierInvocation)
}

func TestClassifyDatasetCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &bandModel{classes: 2, width: 50, concurrent: true}
	res, err := quietEngine().ClassifyDataset(ctx, rampVectors(100, 1), model, Request{Workers: 2})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyDatasetSchemaMismatch(t *testing.T) {
	model := &bandModel{classes: 2, width: 50, concurrent: true, schema: []string{"original", "Gaussian_blur_1.0"}}

	_, err := quietEngine().ClassifyDataset(context.Background(), rampVectors(10, 3), model, Request{})
	assert.ErrorIs(t, err, models.ErrSchemaMismatch)

	mixed := append(rampVectors(5, 1), rampVectors(5, 2)...)
	model.schema = nil
	_, err = quietEngine().ClassifyDataset(context.Background(), mixed, model, Request{})
	assert.ErrorIs(t, err, models.ErrSchemaMismatch)
}

func TestClassifyDatasetRejectsReorderedChannels(t *testing.T) {
	model := &bandModel{classes: 2, width: 50, concurrent: true, schema: []string{"original", "Gaussian_blur_1.0"}}
	vectors := rampVectors(10, 2)

	_, err := quietEngine().ClassifyDataset(context.Background(), vectors, model,
		Request{Schema: []string{"Gaussian_blur_1.0", "original"}})
	assert.ErrorIs(t, err, models.ErrSchemaMismatch)

	_, err = quietEngine().ClassifyDataset(context.Background(), vectors, model,
		Request{Schema: []string{"original", "Sobel_filter_1.0"}})
	assert.ErrorIs(t, err, models.ErrSchemaMismatch)

	res, err := quietEngine().ClassifyDataset(context.Background(), vectors, model,
		Request{Schema: []string{"original", "Gaussian_blur_1.0"}})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Width)
}

func TestProgressReporting(t *testing.T) {
	var mu sync.Mutex
	var calls [][2]int
	cb := func(completed, total int, message string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, [2]int{completed, total})
	}

	logger, entries := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)

	engine := NewEngine(WithProgressCallback(cb), WithMonitorInterval(time.Millisecond),
		WithBatchSize(10), WithLogger(logger))
	model := &bandModel{classes: 2, width: 250, concurrent: true}
	_, err := engine.ClassifyDataset(context.Background(), rampVectors(500, 1), model, Request{Workers: 2})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	assert.Equal(t, [2]int{500, 500}, calls[len(calls)-1])
	for _, c := range calls {
		assert.LessOrEqual(t, c[0], c[1])
	}

	require.NotNil(t, entries.LastEntry())
	assert.Equal(t, "Classification finished", entries.LastEntry().Message)
	assert.NotEmpty(t, entries.LastEntry().Data["run"])
}

func TestClassifySlicesMatchesDataset(t *testing.T) {
	cfg, err := features.NewConfig([]features.Kind{features.KindGaussian}, features.ScaleRange{Min: 1, Max: 2}, features.MembraneParams{}, nil)
	require.NoError(t, err)

	input := make([]*models.Slice, 3)
	var vectors []models.Vector
	for s := range input {
		p := models.NewPlane(6, 4)
		for i := range p.Pix {
			p.Pix[i] = float32((i*13 + s*40) % 200)
		}
		input[s] = &models.Slice{Planes: []*models.Plane{p}, Index: s}

		fs := features.NewFeatureStack(p)
		require.NoError(t, fs.Configure(cfg))
		require.NoError(t, fs.Recompute(context.Background(), features.SingleThreaded, nil))
		vectors = fs.AppendVectors(vectors)
	}

	var clones atomic.Int32
	model := &bandModel{classes: 3, width: 70, schema: cfg.Labels(), clones: &clones}
	engine := quietEngine(WithPool(workers.New(4)))

	bySlice, err := engine.ClassifySlices(context.Background(), input, model, cfg, Request{Workers: 2, Probability: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), clones.Load())

	byVector, err := engine.ClassifyDataset(context.Background(), vectors, model, Request{Workers: 5, Probability: true, Width: 6, Height: 4})
	require.NoError(t, err)

	require.Equal(t, byVector.Slices, bySlice.Slices)
	for i := range byVector.Planes {
		assert.Equal(t, byVector.Planes[i].Pix, bySlice.Planes[i].Pix, "plane %d", i)
	}
}

func TestClassifySlicesRestrictsToSchema(t *testing.T) {
	cfg, err := features.NewConfig([]features.Kind{features.KindGaussian, features.KindSobel}, features.ScaleRange{Min: 1, Max: 1}, features.MembraneParams{}, nil)
	require.NoError(t, err)

	p := models.NewPlane(5, 5)
	input := []*models.Slice{{Planes: []*models.Plane{p}}}

	selected := &bandModel{classes: 2, width: 1, concurrent: true, schema: []string{"original", "Sobel_filter_1.0"}}
	_, err = quietEngine().ClassifySlices(context.Background(), input, selected, cfg, Request{})
	require.NoError(t, err)

	foreign := &bandModel{classes: 2, width: 1, concurrent: true, schema: []string{"original", "Hessian_1.0"}}
	_, err = quietEngine().ClassifySlices(context.Background(), input, foreign, cfg, Request{})
	assert.ErrorIs(t, err, models.ErrSchemaMismatch)
}

func TestClassifySlicesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := models.NewPlane(5, 5)
	input := []*models.Slice{{Planes: []*models.Plane{p}}, {Planes: []*models.Plane{p}, Index: 1}}
	model := &bandModel{classes: 2, width: 1, concurrent: true}

	_, err := quietEngine().ClassifySlices(ctx, input, model, features.Config{}, Request{})
	assert.ErrorIs(t, err, models.ErrCancelled)
}

func TestTrainingSetValidate(t *testing.T) {
	vectors := rampVectors(4, 2)
	for i, v := range vectors {
		v.SetLabel(i % 2)
	}
	set := &TrainingSet{Vectors: vectors, ClassNames: []string{"a", "b"}, Schema: []string{"x", "y"}}
	require.NoError(t, set.Validate())

	set.Schema = []string{"x"}
	assert.ErrorIs(t, set.Validate(), models.ErrSchemaMismatch)

	set.Schema = []string{"x", "y"}
	set.ClassNames = []string{"a"}
	assert.ErrorIs(t, set.Validate(), models.ErrConfiguration)

	vectors[0].SetLabel(5)
	set.ClassNames = []string{"a", "b"}
	assert.ErrorIs(t, set.Validate(), models.ErrConfiguration)
}
