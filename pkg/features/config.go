package features

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"trainableseg/internal/models"
	"trainableseg/pkg/filters"
)

// Kind enumerates the filter families a stack can compute
type Kind int

const (
	KindGaussian Kind = iota
	KindSobel
	KindHessian
	KindDifferenceOfGaussians
	KindMembraneProjections
	KindLipschitz
	numKinds
)

var kindNames = [numKinds]string{
	KindGaussian:              "Gaussian_blur",
	KindSobel:                 "Sobel_filter",
	KindHessian:               "Hessian",
	KindDifferenceOfGaussians: "Difference_of_gaussians",
	KindMembraneProjections:   "Membrane_projections",
	KindLipschitz:             "Lipschitz",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// ParseKind maps a filter name back to its Kind. Matching ignores case.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(k), nil
		}
	}
	return 0, models.NewConfigurationError("unknown filter %q", name)
}

// AllKinds returns every filter kind in canonical order
func AllKinds() []Kind {
	kinds := make([]Kind, numKinds)
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}

// OriginalLabel names the unfiltered channel every stack starts with
const OriginalLabel = "original"

// DefaultLipschitzSlopes are used when the Lipschitz filter is enabled
// without an explicit slope list.
var DefaultLipschitzSlopes = []float64{5, 10, 15, 20, 25}

// ScaleRange bounds the geometric sigma sequence Min, 2*Min, 4*Min, ... <= Max
type ScaleRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Validate rejects ranges that cannot produce a scale sequence
func (r ScaleRange) Validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
		return models.NewConfigurationError("sigma range must be finite, got [%v, %v]", r.Min, r.Max)
	}
	if r.Min < 0 {
		return models.NewConfigurationError("minimum sigma must be >= 0, got %v", r.Min)
	}
	if r.Max < r.Min {
		return models.NewConfigurationError("maximum sigma %v is below minimum sigma %v", r.Max, r.Min)
	}
	if r.Min == 0 && r.Max != 0 {
		return models.NewConfigurationError("a zero minimum sigma needs a zero maximum, got %v", r.Max)
	}
	return nil
}

// Scales returns the sigma sequence. A zero range yields the single scale 0.
func (r ScaleRange) Scales() []float64 {
	if r.Min == 0 {
		return []float64{0}
	}
	var scales []float64
	for s := r.Min; s <= r.Max; s *= 2 {
		scales = append(scales, s)
	}
	return scales
}

// withZero prepends sigma 0 unless the sequence already starts there
func withZero(scales []float64) []float64 {
	if len(scales) > 0 && scales[0] == 0 {
		return scales
	}
	return append([]float64{0}, scales...)
}

// MembraneParams sizes the membrane line detector
type MembraneParams struct {
	Thickness int `yaml:"thickness"`
	PatchSize int `yaml:"patchSize"`
}

func (p MembraneParams) options() filters.MembraneOptions {
	return filters.MembraneOptions{Thickness: p.Thickness, PatchSize: p.PatchSize}
}

// formatSigma renders scales and slopes with one decimal, e.g. "4.0"
func formatSigma(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// job computes a fixed group of channels from one source plane
type job struct {
	labels  []string
	compute func(src *models.Plane) ([]*models.Plane, error)
}

// Filter is one enabled filter family together with its parameters
type Filter interface {
	Kind() Kind
	Validate() error
	jobs() []job
}

// GaussianFilter blurs at every scale of the range
type GaussianFilter struct {
	Scales ScaleRange
}

func (f GaussianFilter) Kind() Kind      { return KindGaussian }
func (f GaussianFilter) Validate() error { return f.Scales.Validate() }

func (f GaussianFilter) jobs() []job {
	var jobs []job
	for _, s := range f.Scales.Scales() {
		s := s
		jobs = append(jobs, job{
			labels: []string{"Gaussian_blur_" + formatSigma(s)},
			compute: func(src *models.Plane) ([]*models.Plane, error) {
				out, err := filters.GaussianBlur(src, s)
				return []*models.Plane{out}, err
			},
		})
	}
	return jobs
}

// SobelFilter emits the gradient magnitude at sigma 0 and every scale
type SobelFilter struct {
	Scales ScaleRange
}

func (f SobelFilter) Kind() Kind      { return KindSobel }
func (f SobelFilter) Validate() error { return f.Scales.Validate() }

func (f SobelFilter) jobs() []job {
	var jobs []job
	for _, s := range withZero(f.Scales.Scales()) {
		s := s
		jobs = append(jobs, job{
			labels: []string{"Sobel_filter_" + formatSigma(s)},
			compute: func(src *models.Plane) ([]*models.Plane, error) {
				out, err := filters.GradientMagnitude(src, s)
				return []*models.Plane{out}, err
			},
		})
	}
	return jobs
}

// HessianFilter emits the eight Hessian descriptors at sigma 0 and every scale
type HessianFilter struct {
	Scales ScaleRange
}

func (f HessianFilter) Kind() Kind      { return KindHessian }
func (f HessianFilter) Validate() error { return f.Scales.Validate() }

func (f HessianFilter) jobs() []job {
	var jobs []job
	for _, s := range withZero(f.Scales.Scales()) {
		s := s
		labels := make([]string, filters.NumHessianDescriptors)
		for c, name := range filters.HessianDescriptorNames {
			labels[c] = name + "_" + formatSigma(s)
		}
		jobs = append(jobs, job{
			labels: labels,
			compute: func(src *models.Plane) ([]*models.Plane, error) {
				planes, err := filters.Hessian(src, s)
				if err != nil {
					return nil, err
				}
				return planes[:], nil
			},
		})
	}
	return jobs
}

// DifferenceOfGaussiansFilter emits one channel per scale pair s2 < s1
type DifferenceOfGaussiansFilter struct {
	Scales ScaleRange
}

func (f DifferenceOfGaussiansFilter) Kind() Kind      { return KindDifferenceOfGaussians }
func (f DifferenceOfGaussiansFilter) Validate() error { return f.Scales.Validate() }

func (f DifferenceOfGaussiansFilter) jobs() []job {
	scales := f.Scales.Scales()
	var jobs []job
	for _, s1 := range scales {
		s1 := s1
		for _, s2 := range scales {
			s2 := s2
			if s2 >= s1 {
				break
			}
			jobs = append(jobs, job{
				labels: []string{"Difference_of_gaussians_" + formatSigma(s1) + "_" + formatSigma(s2)},
				compute: func(src *models.Plane) ([]*models.Plane, error) {
					out, err := filters.DifferenceOfGaussians(src, s1, s2)
					return []*models.Plane{out}, err
				},
			})
		}
	}
	return jobs
}

// MembraneFilter emits the six rotation projections of the line detector
type MembraneFilter struct {
	Params MembraneParams
}

func (f MembraneFilter) Kind() Kind      { return KindMembraneProjections }
func (f MembraneFilter) Validate() error { return f.Params.options().Validate() }

func (f MembraneFilter) jobs() []job {
	labels := make([]string, filters.NumProjections)
	for i := range labels {
		labels[i] = fmt.Sprintf("Membrane_projections_%d_%d_%d", i, f.Params.PatchSize, f.Params.Thickness)
	}
	opts := f.Params.options()
	return []job{{
		labels: labels,
		compute: func(src *models.Plane) ([]*models.Plane, error) {
			planes, err := filters.MembraneProjections(src, opts)
			if err != nil {
				return nil, err
			}
			return planes[:], nil
		},
	}}
}

// LipschitzFilter emits one cover channel per slope
type LipschitzFilter struct {
	Slopes []float64
	Down   bool
	TopHat bool
}

func (f LipschitzFilter) Kind() Kind { return KindLipschitz }

func (f LipschitzFilter) Validate() error {
	if len(f.Slopes) == 0 {
		return models.NewConfigurationError("lipschitz filter needs at least one slope")
	}
	for _, s := range f.Slopes {
		if !(s > 0) || math.IsInf(s, 0) {
			return models.NewConfigurationError("lipschitz slope must be > 0, got %v", s)
		}
	}
	return nil
}

func (f LipschitzFilter) jobs() []job {
	mode := "up"
	if f.Down {
		mode = "down"
	}
	if f.TopHat {
		mode += "_tophat"
	}

	var jobs []job
	for _, slope := range f.Slopes {
		opts := filters.LipschitzOptions{Slope: slope, Down: f.Down, TopHat: f.TopHat}
		jobs = append(jobs, job{
			labels: []string{"Lipschitz_" + mode + "_" + formatSigma(slope)},
			compute: func(src *models.Plane) ([]*models.Plane, error) {
				out, err := filters.Lipschitz(src, opts)
				return []*models.Plane{out}, err
			},
		})
	}
	return jobs
}

// Config is an immutable filter configuration. The zero value computes
// only the original channel.
type Config struct {
	filters []Filter
}

// NewConfig builds a configuration from enabled kinds sharing one sigma
// range and one set of membrane parameters. Slopes only matter when the
// Lipschitz kind is enabled; nil selects DefaultLipschitzSlopes.
func NewConfig(kinds []Kind, scales ScaleRange, membrane MembraneParams, slopes []float64) (Config, error) {
	enabled := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		if k < 0 || k >= numKinds {
			return Config{}, models.NewConfigurationError("unknown filter kind %d", int(k))
		}
		enabled[k] = true
	}
	if len(slopes) == 0 {
		slopes = DefaultLipschitzSlopes
	}

	var fs []Filter
	for _, k := range AllKinds() {
		if !enabled[k] {
			continue
		}
		switch k {
		case KindGaussian:
			fs = append(fs, GaussianFilter{Scales: scales})
		case KindSobel:
			fs = append(fs, SobelFilter{Scales: scales})
		case KindHessian:
			fs = append(fs, HessianFilter{Scales: scales})
		case KindDifferenceOfGaussians:
			fs = append(fs, DifferenceOfGaussiansFilter{Scales: scales})
		case KindMembraneProjections:
			fs = append(fs, MembraneFilter{Params: membrane})
		case KindLipschitz:
			fs = append(fs, LipschitzFilter{
				Slopes: append([]float64(nil), slopes...),
				Down:   true,
				TopHat: true,
			})
		}
	}
	return NewConfigFromFilters(fs...)
}

// NewConfigFromFilters builds a configuration from explicit filter values.
// Filters are kept in canonical kind order; a kind may appear only once.
func NewConfigFromFilters(fs ...Filter) (Config, error) {
	seen := make(map[Kind]bool, len(fs))
	out := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f == nil {
			continue
		}
		if seen[f.Kind()] {
			return Config{}, models.NewConfigurationError("filter %s configured twice", f.Kind())
		}
		seen[f.Kind()] = true
		if err := f.Validate(); err != nil {
			return Config{}, fmt.Errorf("%s: %w", f.Kind(), err)
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return Config{filters: out}, nil
}

// DefaultConfig enables Gaussian, Sobel, Hessian, difference of Gaussians
// and membrane projections over sigma 1..16 with a 19 pixel membrane patch
// of thickness 1.
func DefaultConfig() Config {
	cfg, err := NewConfig(
		[]Kind{KindGaussian, KindSobel, KindHessian, KindDifferenceOfGaussians, KindMembraneProjections},
		ScaleRange{Min: 1, Max: 16},
		MembraneParams{Thickness: 1, PatchSize: 19},
		nil,
	)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Filters returns a copy of the enabled filters in canonical order
func (c Config) Filters() []Filter {
	return append([]Filter(nil), c.filters...)
}

// Enabled reports whether a filter kind is part of the configuration
func (c Config) Enabled(k Kind) bool {
	for _, f := range c.filters {
		if f.Kind() == k {
			return true
		}
	}
	return false
}

// Validate re-checks every filter
func (c Config) Validate() error {
	for _, f := range c.filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%s: %w", f.Kind(), err)
		}
	}
	return nil
}

// jobs lists the work of one recompute: the original channel first, then
// every filter job in configuration order.
func (c Config) jobs() []job {
	jobs := []job{{
		labels: []string{OriginalLabel},
		compute: func(src *models.Plane) ([]*models.Plane, error) {
			return []*models.Plane{src.Clone()}, nil
		},
	}}
	for _, f := range c.filters {
		jobs = append(jobs, f.jobs()...)
	}
	return jobs
}

// Labels returns the channel labels a recompute of a grey plane produces,
// in channel order.
func (c Config) Labels() []string {
	var labels []string
	for _, j := range c.jobs() {
		labels = append(labels, j.labels...)
	}
	return labels
}

// Equal reports whether two configurations hold the same filters with the
// same parameters
func (c Config) Equal(o Config) bool {
	return slices.EqualFunc(c.filters, o.filters, func(a, b Filter) bool {
		return reflect.DeepEqual(a, b)
	})
}
