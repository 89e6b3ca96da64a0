package segmentation

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainableseg/internal/models"
	"trainableseg/pkg/classify"
	"trainableseg/pkg/featurecache"
	"trainableseg/pkg/features"
	"trainableseg/pkg/knn"
)

func writeGray(t *testing.T, path string, w, h int, pix []uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	copy(img.Pix, pix)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func grayPlane(w, h int, pix ...float32) *models.Plane {
	p, err := models.NewPlaneFromData(pix, w, h)
	if err != nil {
		panic(err)
	}
	p.BitDepth = 8
	return p
}

func graySlice(i int, p *models.Plane) *models.Slice {
	return &models.Slice{Index: i, Planes: []*models.Plane{p}}
}

func gaussianOnly(t *testing.T) features.Config {
	t.Helper()
	cfg, err := features.NewConfig([]features.Kind{features.KindGaussian}, features.ScaleRange{}, features.MembraneParams{}, nil)
	require.NoError(t, err)
	return cfg
}

func newSession(t *testing.T, input []*models.Slice, cfg features.Config, params *Params) *Segmentator {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := NewSegmentator(input, cfg, params, WithLogger(logger))
	require.NoError(t, err)
	return s
}

type failingTrainer struct{ err error }

func (f failingTrainer) Fit(context.Context, *classify.TrainingSet) (classify.Model, error) {
	return nil, f.err
}

func TestListImagesSortsByNumber(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"slice_10.png", "slice_2.png", "slice_1.png"} {
		writeGray(t, filepath.Join(dir, name), 2, 2, []uint8{1, 2, 3, 4})
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	files, err := ListImages(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "slice_1.png", filepath.Base(files[0]))
	assert.Equal(t, "slice_2.png", filepath.Base(files[1]))
	assert.Equal(t, "slice_10.png", filepath.Base(files[2]))
}

func TestListImagesEmptyDirectory(t *testing.T) {
	_, err := ListImages(t.TempDir())
	assert.Error(t, err)
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, 12, extractNumber("/data/img_012.png"))
	assert.Equal(t, 0, extractNumber("plain.png"))
}

func TestLoadSlicesGrayAndColor(t *testing.T) {
	dir := t.TempDir()
	gray := filepath.Join(dir, "gray.png")
	writeGray(t, gray, 2, 2, []uint8{17, 2, 123, 54})

	slices, err := LoadSlices(gray)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	require.Len(t, slices[0].Planes, 1)
	assert.Equal(t, []float32{17, 2, 123, 54}, slices[0].Planes[0].Pix)
	assert.Equal(t, "gray.png", slices[0].Filename)

	rgb := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgb.Set(0, 0, color.RGBA{R: 200, G: 10, B: 30, A: 255})
	rgb.Set(1, 0, color.RGBA{R: 5, G: 90, B: 250, A: 255})
	path := filepath.Join(dir, "color.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, rgb))
	require.NoError(t, f.Close())

	slices, err = LoadSlices(path)
	require.NoError(t, err)
	require.Len(t, slices[0].Planes, 3)
	assert.Equal(t, []float32{200, 5}, slices[0].Planes[0].Pix)
	assert.Equal(t, []float32{10, 90}, slices[0].Planes[1].Pix)
	assert.Equal(t, []float32{30, 250}, slices[0].Planes[2].Pix)
}

func TestLoadSlicesRejectsMixedSizes(t *testing.T) {
	dir := t.TempDir()
	writeGray(t, filepath.Join(dir, "a1.png"), 2, 2, []uint8{1, 2, 3, 4})
	writeGray(t, filepath.Join(dir, "a2.png"), 3, 1, []uint8{1, 2, 3})

	_, err := LoadSlices(dir)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestLoadSlicesRejectsMixedColor(t *testing.T) {
	dir := t.TempDir()
	writeGray(t, filepath.Join(dir, "a1.png"), 2, 1, []uint8{1, 2})

	rgb := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgb.Set(0, 0, color.RGBA{R: 200, G: 10, B: 30, A: 255})
	rgb.Set(1, 0, color.RGBA{R: 5, G: 90, B: 250, A: 255})
	f, err := os.Create(filepath.Join(dir, "a2.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, rgb))
	require.NoError(t, f.Close())

	_, err = LoadSlices(dir)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestTrainAndApplyTinyImage(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), &Params{NumCores: 2, Trainer: knn.NewTrainer(1)})

	a, err := s.AddClass("A")
	require.NoError(t, err)
	b, err := s.AddClass("B")
	require.NoError(t, err)
	require.NoError(t, s.AddExample(a, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(b, 0, image.Pt(1, 1)))

	require.NoError(t, s.Train(context.Background()))
	require.NotNil(t, s.Model())
	assert.Equal(t, []string{"original", "Gaussian_blur_0.0"}, s.Model().Schema())

	res, err := s.ApplyToTraining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 1}, res.Plane(0, 0).Pix)
	assert.Equal(t, []string{"A", "B"}, res.ClassNames)

	applied, err := s.Apply(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, res.Plane(0, 0).Pix, applied.Plane(0, 0).Pix)
}

func TestTrainProbabilityOutput(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), &Params{Probability: true, Trainer: knn.NewTrainer(1)})
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))
	require.NoError(t, s.Train(context.Background()))

	res, err := s.ApplyToTraining(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Channels)
	assert.Equal(t, []float32{1, 1, 0, 0}, res.Plane(0, 0).Pix)
	assert.Equal(t, []float32{0, 0, 1, 1}, res.Plane(0, 1).Pix)
	assert.Equal(t, 1, res.ClassAt(0, 1, 1))
}

func TestTrainNeedsTwoClassesWithExamples(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), &Params{Trainer: knn.NewTrainer(1)})
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0), image.Pt(1, 0)))

	err := s.Train(context.Background())
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Nil(t, s.Model())

	_, err = s.ApplyToTraining(context.Background())
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestTrainWithoutTrainer(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), nil)
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))

	assert.ErrorIs(t, s.Train(context.Background()), models.ErrConfiguration)
}

func TestTrainWrapsTrainerFailures(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"untyped", errors.New("boom"), models.ErrClassifierInvocation},
		{"context", context.Canceled, models.ErrCancelled},
		{"typed", models.NewSchemaMismatchError("width"), models.ErrSchemaMismatch},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, input, gaussianOnly(t), &Params{Trainer: failingTrainer{tt.err}})
			_, _ = s.AddClass("A")
			_, _ = s.AddClass("B")
			require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
			require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))

			err := s.Train(context.Background())
			assert.ErrorIs(t, err, tt.want)

			var ie *models.ClassifierInvocationError
			if errors.As(err, &ie) {
				assert.Equal(t, "fit", ie.Op)
				assert.Equal(t, -1, ie.Offset)
			}
		})
	}
}

func TestAddExampleValidation(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 1, 2, 3, 4))}
	s := newSession(t, input, gaussianOnly(t), nil)
	_, err := s.AddClass("A")
	require.NoError(t, err)

	_, err = s.AddClass("A")
	assert.ErrorIs(t, err, models.ErrConfiguration)
	_, err = s.AddClass("")
	assert.ErrorIs(t, err, models.ErrConfiguration)

	assert.ErrorIs(t, s.AddExample(1, 0, image.Pt(0, 0)), models.ErrConfiguration)
	assert.ErrorIs(t, s.AddExample(0, 1, image.Pt(0, 0)), models.ErrConfiguration)
	assert.ErrorIs(t, s.AddExample(0, 0, image.Pt(2, 0)), models.ErrConfiguration)

	require.NoError(t, s.AddExample(0, 0, image.Pt(1, 1)))
	assert.Equal(t, 1, s.Classes()[0].Count())
	require.NoError(t, s.RemoveExamples(0, 0))
	assert.Equal(t, 0, s.Classes()[0].Count())
}

func TestTrainComputesOnlySlicesWithExamples(t *testing.T) {
	input := []*models.Slice{
		graySlice(0, grayPlane(2, 2, 17, 2, 123, 54)),
		graySlice(1, grayPlane(2, 2, 60, 70, 80, 90)),
	}
	s := newSession(t, input, gaussianOnly(t), &Params{Trainer: knn.NewTrainer(1)})
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))

	require.NoError(t, s.Train(context.Background()))
	assert.Equal(t, features.Clean, s.Array().State(0))
	assert.Equal(t, features.NeedsTrainRecompute, s.Array().State(1))

	res, err := s.ApplyToTraining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, features.Clean, s.Array().State(1))
	assert.Equal(t, 2, res.Slices)
	// 60..90 are all nearer to 54 than to 17
	assert.Equal(t, []float32{1, 1, 1, 1}, res.Plane(1, 0).Pix)
}

func TestAddLabelPlanes(t *testing.T) {
	input := []*models.Slice{
		graySlice(0, grayPlane(2, 2, 17, 2, 123, 54)),
		graySlice(1, grayPlane(2, 2, 10, 20, 130, 140)),
	}
	s := newSession(t, input, gaussianOnly(t), &Params{Trainer: knn.NewTrainer(1)})

	labels := []*models.Plane{
		grayPlane(2, 2, 3, 0, 0, 7),
		grayPlane(2, 2, 0, 3, 7, 0),
	}
	require.NoError(t, s.AddLabelPlanes(labels))
	assert.Equal(t, []string{"class_3", "class_7"}, s.ClassNames())
	assert.Equal(t, []image.Point{{0, 0}}, s.Classes()[0].Examples(0))
	assert.Equal(t, []image.Point{{1, 0}}, s.Classes()[0].Examples(1))
	assert.Equal(t, []image.Point{{0, 1}}, s.Classes()[1].Examples(1))

	require.NoError(t, s.Train(context.Background()))
	res, err := s.ApplyToTraining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 1}, res.Plane(0, 0).Pix)

	assert.ErrorIs(t, s.AddLabelPlanes(labels[:1]), models.ErrConfiguration)
}

func TestSelectFeaturesRestrictsSchema(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), &Params{Trainer: knn.NewTrainer(1)})
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))

	s.SelectFeatures([]string{"original"})
	assert.Equal(t, []string{"original"}, s.Features())
	require.NoError(t, s.Train(context.Background()))
	assert.Equal(t, []string{"original"}, s.Model().Schema())

	res, err := s.Apply(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 1}, res.Plane(0, 0).Pix)

	s.SelectFeatures(nil)
	assert.Nil(t, s.Model())
	assert.Equal(t, features.NeedsTrainRecompute, s.Array().State(0))
}

func TestSetFeatureConfigDiscardsModel(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), &Params{Trainer: knn.NewTrainer(1)})
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))
	require.NoError(t, s.Train(context.Background()))

	cfg, err := features.NewConfig([]features.Kind{features.KindSobel}, features.ScaleRange{Min: 1, Max: 1}, features.MembraneParams{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetFeatureConfig(cfg))
	assert.Nil(t, s.Model())
	assert.Equal(t, features.NeedsTrainRecompute, s.Array().State(0))

	require.NoError(t, s.Train(context.Background()))
	assert.Equal(t, cfg.Labels(), s.Model().Schema())
}

func TestFeatureCacheReusedAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	input := []*models.Slice{
		graySlice(0, grayPlane(2, 2, 17, 2, 123, 54)),
		graySlice(1, grayPlane(2, 2, 10, 20, 130, 140)),
	}
	params := &Params{CacheDir: dir, CacheCodec: featurecache.CodecLZ4, Trainer: knn.NewTrainer(1)}

	first := newSession(t, input, gaussianOnly(t), params)
	require.NoError(t, first.UpdateFeatures(context.Background()))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	second, err := NewSegmentator(input, gaussianOnly(t), params, WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, second.UpdateFeatures(context.Background()))

	var restored bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Restored feature stacks from cache" {
			restored = true
			assert.Equal(t, 2, e.Data["restored"])
		}
	}
	assert.True(t, restored)
	for i := 0; i < 2; i++ {
		assert.Equal(t, features.Clean, second.Array().State(i))
		assert.Equal(t, first.Array().Get(i).Labels(), second.Array().Get(i).Labels())
		for c := 0; c < first.Array().Get(i).Size(); c++ {
			assert.Equal(t, first.Array().Get(i).Channel(c).Pix, second.Array().Get(i).Channel(c).Pix)
		}
	}
}

func TestUpdateFeaturesCancelled(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.UpdateFeatures(ctx), models.ErrCancelled)
	assert.Equal(t, features.NeedsTrainRecompute, s.Array().State(0))
}

func TestApplyRejectsReconfiguredFeatures(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), &Params{Trainer: knn.NewTrainer(1)})
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))
	require.NoError(t, s.Train(context.Background()))

	// same width, different channels
	sobel, err := features.NewConfig([]features.Kind{features.KindSobel}, features.ScaleRange{}, features.MembraneParams{}, nil)
	require.NoError(t, err)
	require.Len(t, sobel.Labels(), len(s.Model().Schema()))
	require.NoError(t, s.Array().Configure(sobel))

	_, err = s.ApplyToTraining(context.Background())
	assert.ErrorIs(t, err, models.ErrSchemaMismatch)

	_, err = s.Apply(context.Background(), input)
	assert.ErrorIs(t, err, models.ErrSchemaMismatch)
}

func TestSetFeatureConfigKeepsModelForEqualConfig(t *testing.T) {
	input := []*models.Slice{graySlice(0, grayPlane(2, 2, 17, 2, 123, 54))}
	s := newSession(t, input, gaussianOnly(t), &Params{Trainer: knn.NewTrainer(1)})
	_, _ = s.AddClass("A")
	_, _ = s.AddClass("B")
	require.NoError(t, s.AddExample(0, 0, image.Pt(0, 0)))
	require.NoError(t, s.AddExample(1, 0, image.Pt(1, 1)))
	require.NoError(t, s.Train(context.Background()))

	require.NoError(t, s.SetFeatureConfig(gaussianOnly(t)))
	assert.NotNil(t, s.Model())
	assert.Equal(t, features.Clean, s.Array().State(0))
	assert.False(t, s.Array().Get(0).IsColor())
}
