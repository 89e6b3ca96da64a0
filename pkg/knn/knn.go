// Package knn provides a k-nearest-neighbour pixel classifier backed by a
// k-d tree over the training feature vectors.
package knn

import (
	"context"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"

	"trainableseg/internal/models"
	"trainableseg/pkg/classify"
)

// cancelCheckInterval is how many vectors are indexed between context checks
const cancelCheckInterval = 4096

// featurePoint is one training vector in feature space
type featurePoint struct {
	coords []float64
	class  int
}

// Compare implements the kdtree.Comparable interface
func (p featurePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(featurePoint)
	return p.coords[d] - q.coords[d]
}

// Dims returns the number of feature dimensions
func (p featurePoint) Dims() int { return len(p.coords) }

// Distance returns the squared Euclidean distance between two points
func (p featurePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(featurePoint)
	sum := 0.0
	for i, v := range p.coords {
		d := v - q.coords[i]
		sum += d * d
	}
	return sum
}

// featurePoints is a collection of featurePoint that satisfies kdtree.Interface
type featurePoints []featurePoint

func (p featurePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p featurePoints) Len() int                              { return len(p) }
func (p featurePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot splits on the median of medians so the tree shape is reproducible
func (p featurePoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{featurePoints: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{featurePoints: p, Dim: d}))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for featurePoints
type pointPlane struct {
	featurePoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	return p.featurePoints[i].coords[p.Dim] < p.featurePoints[j].coords[p.Dim]
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{featurePoints: p.featurePoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.featurePoints[i], p.featurePoints[j] = p.featurePoints[j], p.featurePoints[i]
}

func toPoint(v models.Vector) featurePoint {
	f := v.Features()
	coords := make([]float64, len(f))
	for i, x := range f {
		coords[i] = float64(x)
	}
	return featurePoint{coords: coords, class: models.Unlabeled}
}

// Trainer fits k-nearest-neighbour models
type Trainer struct {
	// K is the number of neighbours that vote
	K int
}

// NewTrainer returns a trainer voting over k neighbours
func NewTrainer(k int) *Trainer {
	return &Trainer{K: k}
}

// Fit indexes the labelled vectors of the training set
func (t *Trainer) Fit(ctx context.Context, set *classify.TrainingSet) (classify.Model, error) {
	if t.K < 1 {
		return nil, models.NewConfigurationError("k must be >= 1, got %d", t.K)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if len(set.Schema) == 0 {
		return nil, models.NewConfigurationError("training vectors have no features")
	}

	points := make(featurePoints, len(set.Vectors))
	for i, v := range set.Vectors {
		if i%cancelCheckInterval == 0 {
			if err := models.CheckContext(ctx, "knn fit"); err != nil {
				return nil, err
			}
		}
		p := toPoint(v)
		p.class = v.Label()
		points[i] = p
	}

	return &Model{
		tree:       kdtree.New(points, false),
		k:          t.K,
		size:       len(points),
		classNames: slices.Clone(set.ClassNames),
		schema:     slices.Clone(set.Schema),
	}, nil
}

// Model is a fitted k-nearest-neighbour classifier. The tree is never
// modified after Fit, so one Model serves any number of goroutines.
type Model struct {
	tree       *kdtree.Tree
	k          int
	size       int
	classNames []string
	schema     []string
}

var _ classify.Model = (*Model)(nil)

// K returns the number of voting neighbours
func (m *Model) K() int { return m.k }

// Len returns the number of training points
func (m *Model) Len() int { return m.size }

// ClassNames returns the class names in index order
func (m *Model) ClassNames() []string { return slices.Clone(m.classNames) }

func (m *Model) NumClasses() int              { return len(m.classNames) }
func (m *Model) Schema() []string             { return slices.Clone(m.schema) }
func (m *Model) SupportsConcurrentRead() bool { return true }
func (m *Model) Clone() classify.Model        { return m }

// votes counts the classes of the k nearest training points
func (m *Model) votes(v models.Vector) ([]float64, error) {
	if v.NumFeatures() != len(m.schema) {
		return nil, models.NewSchemaMismatchError("vector has %d features, model expects %d", v.NumFeatures(), len(m.schema))
	}
	keeper := kdtree.NewNKeeper(m.k)
	m.tree.NearestSet(keeper, toPoint(v))

	counts := make([]float64, len(m.classNames))
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		counts[item.Comparable.(featurePoint).class]++
	}
	return counts, nil
}

// PredictClass returns the class with the most votes, the lower index on ties
func (m *Model) PredictClass(v models.Vector) (int, error) {
	counts, err := m.votes(v)
	if err != nil {
		return 0, err
	}
	return floats.MaxIdx(counts), nil
}

// PredictDistribution returns the vote share of every class
func (m *Model) PredictDistribution(v models.Vector) ([]float64, error) {
	counts, err := m.votes(v)
	if err != nil {
		return nil, err
	}
	total := floats.Sum(counts)
	if total > 0 {
		floats.Scale(1/total, counts)
	}
	return counts, nil
}
