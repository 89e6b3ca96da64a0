package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"trainableseg/internal/models"
)

// Palette colours class maps. Classes beyond its length wrap around.
var Palette = []color.RGBA{
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 128, B: 0, A: 255},
	{R: 128, G: 0, B: 255, A: 255},
}

// Viewer renders a segmentation result as images. The slices of the result
// are stacked along z so class maps can be cut along any axis.
type Viewer struct {
	result *models.Result

	// dimensions of the result volume
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer over a classification result
func NewViewer(result *models.Result) (*Viewer, error) {
	if result == nil || len(result.Planes) == 0 {
		return nil, fmt.Errorf("result is empty")
	}
	if len(result.Planes) != result.Slices*result.Channels {
		return nil, fmt.Errorf("result has %d planes for %d slices of %d channels",
			len(result.Planes), result.Slices, result.Channels)
	}
	return &Viewer{
		result: result,
		width:  result.Width,
		height: result.Height,
		depth:  result.Slices,
	}, nil
}

// sliceSize returns the image size and the volume coordinates of image
// pixel (i, j) for a cut along axis.
func (v *Viewer) sliceSize(axis string, position int) (int, int, func(i, j int) (x, y, z int), error) {
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return 0, 0, nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		return v.depth, v.height, func(i, j int) (int, int, int) { return position, j, i }, nil
	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return 0, 0, nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		return v.width, v.depth, func(i, j int) (int, int, int) { return i, position, j }, nil
	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return 0, 0, nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		return v.width, v.height, func(i, j int) (int, int, int) { return i, j, position }, nil
	}
	return 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice renders the class map cut along axis at position using
// Palette. Probability results are shown by their most likely class.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	w, h, at, err := v.sliceSize(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			x, y, z := at(i, j)
			class := v.result.ClassAt(z, x, y)
			img.SetRGBA(i, j, Palette[class%len(Palette)])
		}
	}
	return img, nil
}

// ExtractChannel renders one probability channel cut along axis at
// position as a 16-bit grey image.
func (v *Viewer) ExtractChannel(channel int, axis string, position int) (image.Image, error) {
	if !v.result.Probability {
		return nil, fmt.Errorf("result holds class maps, not probabilities")
	}
	if channel < 0 || channel >= v.result.Channels {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", channel, v.result.Channels)
	}
	w, h, at, err := v.sliceSize(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			x, y, z := at(i, j)
			p := float64(v.result.Plane(z, channel).At(x, y))
			value := uint16(math.Max(0, math.Min(65535, p*65535)))
			img.SetGray16(i, j, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// ExtractRegion extracts the class indices of a 3D subregion
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) ([]int, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > v.width || startY+sizeY > v.height || startZ+sizeZ > v.depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]int, sizeX*sizeY*sizeZ)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				region[z*sizeX*sizeY+y*sizeX+x] = v.result.ClassAt(startZ+z, startX+x, startY+y)
			}
		}
	}
	return region, nil
}

// ClassCounts returns the number of pixels assigned to each class
func (v *Viewer) ClassCounts() []int {
	n := v.result.Channels
	if !v.result.Probability {
		n = max(len(v.result.ClassNames), 1)
	}
	counts := make([]int, n)
	for z := 0; z < v.depth; z++ {
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				c := v.result.ClassAt(z, x, y)
				for c >= len(counts) {
					counts = append(counts, 0)
				}
				counts[c]++
			}
		}
	}
	return counts
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

func (v *Viewer) axisLength(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.width, nil
	case "y", "Y":
		return v.height, nil
	case "z", "Z":
		return v.depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSliceSequence extracts and saves the class maps along axis. For
// probability results every channel is saved as well.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	maxPos, err := v.axisLength(axis)
	if err != nil {
		return err
	}
	axis = strings.ToLower(axis)

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("classes_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}

		if !v.result.Probability {
			continue
		}
		for c := 0; c < v.result.Channels; c++ {
			img, err := v.ExtractChannel(c, axis, pos)
			if err != nil {
				return err
			}
			filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", v.channelName(c), axis, pos))
			if err := v.SaveSlice(img, filename); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Viewer) channelName(c int) string {
	if c < len(v.result.ClassNames) && v.result.ClassNames[c] != "" {
		return "prob_" + v.result.ClassNames[c]
	}
	return fmt.Sprintf("prob_%d", c)
}
