package segmentation

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"trainableseg/internal/models"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// ListImages returns the image files of a directory sorted by the number in
// their name, or the path itself when it is a file.
func ListImages(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", path)
	}

	// Sort by the number in the filename to keep slice order
	sort.SliceStable(files, func(i, j int) bool {
		numI, numJ := extractNumber(files[i]), extractNumber(files[j])
		if numI != numJ {
			return numI < numJ
		}
		return files[i] < files[j]
	})

	for i, f := range files {
		files[i] = filepath.Join(path, f)
	}
	return files, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() > 0 {
		if num, err := strconv.Atoi(digits.String()); err == nil {
			return num
		}
	}
	return 0
}

// loadImage decodes an image file in any registered format
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// LoadSlices loads a single image or a directory of images as slices.
// Colour images are split into red, green and blue planes; a directory has
// to be all grey or all colour.
func LoadSlices(path string) ([]*models.Slice, error) {
	files, err := ListImages(path)
	if err != nil {
		return nil, err
	}

	slices := make([]*models.Slice, 0, len(files))
	for i, f := range files {
		img, err := loadImage(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", f, err)
		}

		s := &models.Slice{Index: i, Filename: filepath.Base(f)}
		if models.IsColor(img) {
			rgb := models.SplitRGB(img)
			s.Planes = rgb[:]
		} else {
			s.Planes = []*models.Plane{models.PlaneFromImage(img)}
		}

		if len(slices) > 0 && !s.Planes[0].SameSize(slices[0].Planes[0]) {
			return nil, models.NewConfigurationError("image %s is %dx%d, want %dx%d", f,
				s.Planes[0].Width, s.Planes[0].Height, slices[0].Planes[0].Width, slices[0].Planes[0].Height)
		}
		if len(slices) > 0 && len(s.Planes) != len(slices[0].Planes) {
			return nil, models.NewConfigurationError("image %s has %d channels, %s has %d", f,
				len(s.Planes), slices[0].Filename, len(slices[0].Planes))
		}
		slices = append(slices, s)
	}
	return slices, nil
}

// LoadLabelPlanes loads label rasters, one per slice, as grey planes
func LoadLabelPlanes(path string) ([]*models.Plane, error) {
	files, err := ListImages(path)
	if err != nil {
		return nil, err
	}

	planes := make([]*models.Plane, 0, len(files))
	for _, f := range files {
		img, err := loadImage(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load label image %s: %w", f, err)
		}
		planes = append(planes, models.PlaneFromImage(img))
	}
	return planes, nil
}
