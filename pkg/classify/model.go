// Package classify applies fitted pixel classifiers to feature vectors in
// parallel and reassembles the scores into output planes.
package classify

import (
	"context"

	"trainableseg/internal/models"
)

// Model is a fitted classifier
type Model interface {
	// PredictClass returns the most likely class index of a vector
	PredictClass(v models.Vector) (int, error)

	// PredictDistribution returns one score per class summing to 1
	PredictDistribution(v models.Vector) ([]float64, error)

	// SupportsConcurrentRead reports whether one instance may serve
	// predictions from several goroutines at once.
	SupportsConcurrentRead() bool

	// Clone returns an independent copy for exclusive use by one worker
	Clone() Model

	// NumClasses is the number of classes the model distinguishes
	NumClasses() int

	// Schema lists the feature channel labels the model was trained on, in
	// vector order.
	Schema() []string
}

// TrainingSet is the input of a fit
type TrainingSet struct {
	// Vectors carry their class index in the label slot
	Vectors []models.Vector

	// ClassNames has one entry per class
	ClassNames []string

	// Schema lists the feature channel labels in vector order
	Schema []string
}

// NumClasses returns the number of classes of the set
func (ts *TrainingSet) NumClasses() int {
	return len(ts.ClassNames)
}

// Validate checks vector widths against the schema and labels against the
// class count.
func (ts *TrainingSet) Validate() error {
	if len(ts.Vectors) == 0 {
		return models.NewConfigurationError("training set is empty")
	}
	if ts.NumClasses() < 2 {
		return models.NewConfigurationError("training needs at least 2 classes, got %d", ts.NumClasses())
	}
	for i, v := range ts.Vectors {
		if v.NumFeatures() != len(ts.Schema) {
			return models.NewSchemaMismatchError("training vector %d has %d features, schema has %d", i, v.NumFeatures(), len(ts.Schema))
		}
		if l := v.Label(); l == models.Unlabeled || l >= ts.NumClasses() {
			return models.NewConfigurationError("training vector %d has label %d outside [0, %d)", i, l, ts.NumClasses())
		}
	}
	return nil
}

// Trainer fits a model. Fit is called once per training request and
// returns a CancellationError when ctx ends first.
type Trainer interface {
	Fit(ctx context.Context, set *TrainingSet) (Model, error)
}
