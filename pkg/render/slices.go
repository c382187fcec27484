// Package render exports dose-grid cross sections as grayscale images for
// plan review: axial, coronal and sagittal slices scaled to the maximum
// dose.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"radplan/pkg/model"
)

// Renderer extracts 2D cross sections from a dose volume.
type Renderer struct {
	dose *model.Volume
	// maxDose scales voxel values into the grayscale range.
	maxDose float64
}

// NewRenderer creates a renderer over a dose volume.
func NewRenderer(dose *model.Volume) *Renderer {
	return &Renderer{dose: dose, maxDose: dose.MaxValue()}
}

// ExtractSlice extracts one cross section perpendicular to the given axis
// ("x" sagittal, "y" coronal, "z" axial) at the given voxel position.
func (r *Renderer) ExtractSlice(axis string, position int) (image.Image, error) {
	g := r.dose.Grid
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= g.NX {
			return nil, fmt.Errorf("position %d exceeds width %d", position, g.NX)
		}
		img = image.NewGray16(image.Rect(0, 0, g.NZ, g.NY))
		for y := 0; y < g.NY; y++ {
			for z := 0; z < g.NZ; z++ {
				img.SetGray16(z, y, r.gray(position, y, z))
			}
		}

	case "y", "Y":
		if position >= g.NY {
			return nil, fmt.Errorf("position %d exceeds height %d", position, g.NY)
		}
		img = image.NewGray16(image.Rect(0, 0, g.NX, g.NZ))
		for z := 0; z < g.NZ; z++ {
			for x := 0; x < g.NX; x++ {
				img.SetGray16(x, z, r.gray(x, position, z))
			}
		}

	case "z", "Z":
		if position >= g.NZ {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, g.NZ)
		}
		img = image.NewGray16(image.Rect(0, 0, g.NX, g.NY))
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				img.SetGray16(x, y, r.gray(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// gray maps the dose at a voxel onto the 16-bit grayscale range.
func (r *Renderer) gray(x, y, z int) color.Gray16 {
	if r.maxDose <= 0 {
		return color.Gray16{}
	}
	v := r.dose.At(x, y, z) / r.maxDose
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, v*65535)))}
}

// SaveSlice writes one slice as a JPEG image.
func (r *Renderer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the given axis
// into outputDir, named dose_<axis>_<index>.jpg.
func (r *Renderer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	g := r.dose.Grid
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = g.NX
	case "y", "Y":
		maxPos = g.NY
	case "z", "Z":
		maxPos = g.NZ
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := r.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("dose_%s_%03d.jpg", axis, pos))
		if err := r.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
