package render

import (
	"os"
	"path/filepath"
	"testing"

	"radplan/pkg/model"
)

func testVolume(t *testing.T) *model.Volume {
	t.Helper()
	grid := model.NewGrid(8, 6, 4, [3]float64{2, 2, 2})
	v, err := model.NewVolume(grid)
	if err != nil {
		t.Fatalf("volume failed: %v", err)
	}
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	return v
}

func TestExtractSliceDimensions(t *testing.T) {
	r := NewRenderer(testVolume(t))

	tests := []struct {
		axis          string
		position      int
		width, height int
	}{
		{"x", 0, 4, 6},
		{"y", 0, 8, 4},
		{"z", 0, 8, 6},
	}
	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := r.ExtractSlice(tt.axis, tt.position)
			if err != nil {
				t.Fatalf("ExtractSlice failed: %v", err)
			}
			bounds := img.Bounds()
			if bounds.Dx() != tt.width || bounds.Dy() != tt.height {
				t.Errorf("slice size %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), tt.width, tt.height)
			}
		})
	}
}

func TestExtractSliceErrors(t *testing.T) {
	r := NewRenderer(testVolume(t))
	if _, err := r.ExtractSlice("x", 99); err == nil {
		t.Error("expected out-of-range error")
	}
	if _, err := r.ExtractSlice("w", 0); err == nil {
		t.Error("expected invalid-axis error")
	}
	if _, err := r.ExtractSlice("z", -1); err == nil {
		t.Error("expected negative-position error")
	}
}

func TestSaveSliceSequence(t *testing.T) {
	r := NewRenderer(testVolume(t))
	dir := filepath.Join(t.TempDir(), "slices")

	if err := r.SaveSliceSequence("z", dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading output dir failed: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("expected 4 axial slices, got %d", len(entries))
	}
}
