package dvh

import (
	"math"
	"testing"

	"radplan/pkg/model"
)

// uniformStructure builds a 10x10x10 voxel structure (1000 voxels) on a
// 16^3 grid with 2 mm spacing and a dose volume set to doseGy inside it.
func uniformStructure(t *testing.T, doseGy float64) (*model.Structure, *model.Volume) {
	t.Helper()
	grid := model.NewGrid(16, 16, 16, [3]float64{2, 2, 2})
	s, err := model.NewStructure("PTV", model.RolePTV, grid)
	if err != nil {
		t.Fatalf("structure failed: %v", err)
	}
	s.FillBox(3, 13, 3, 13, 3, 13)
	dose, err := model.NewVolume(grid)
	if err != nil {
		t.Fatalf("volume failed: %v", err)
	}
	for _, idx := range s.Indices() {
		dose.Data[idx] = doseGy
	}
	return s, dose
}

// TestUniformDoseEndpoints is the S5 scenario: 1000 voxels at exactly
// 70 Gy.
func TestUniformDoseEndpoints(t *testing.T) {
	s, dose := uniformStructure(t, 70.0)
	if s.VoxelCount() != 1000 {
		t.Fatalf("expected 1000 voxels, got %d", s.VoxelCount())
	}

	d, err := Build(s, dose)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}

	t.Run("cumulative is a step at 70 Gy", func(t *testing.T) {
		for i, bin := range d.Bins {
			want := 0.0
			if bin <= 70.0 {
				want = 1.0
			}
			if math.Abs(d.Cumulative[i]-want) > 1e-12 {
				t.Fatalf("cumulative at %.2f Gy = %g, want %g", bin, d.Cumulative[i], want)
			}
		}
	})

	t.Run("scalar endpoints all equal 70", func(t *testing.T) {
		if math.Abs(d.DMin()-70) > 1e-6 {
			t.Errorf("DMin = %g, want 70", d.DMin())
		}
		if math.Abs(d.DMax()-70) > 1e-6 {
			t.Errorf("DMax = %g, want 70", d.DMax())
		}
		if math.Abs(d.MeanDose-70) > 1e-9 {
			t.Errorf("MeanDose = %g, want 70", d.MeanDose)
		}
		if math.Abs(d.DoseAtVolume(98)-70) > 1e-6 {
			t.Errorf("D98 = %g, want 70", d.DoseAtVolume(98))
		}
		if math.Abs(d.DoseAtVolume(2)-70) > 1e-6 {
			t.Errorf("D2 = %g, want 70", d.DoseAtVolume(2))
		}
	})

	t.Run("volume lookups bracket the step", func(t *testing.T) {
		if got := d.VolumeAtDose(69); math.Abs(got-100) > 1e-9 {
			t.Errorf("V69 = %g%%, want 100%%", got)
		}
		if got := d.VolumeAtDose(75); got != 0 {
			t.Errorf("V75 = %g%%, want 0%%", got)
		}
	})
}

func TestDVHInvariantsOnGradientDose(t *testing.T) {
	s, dose := uniformStructure(t, 0)
	// Linear ramp over the structure voxels.
	for n, idx := range s.Indices() {
		dose.Data[idx] = float64(n) * 0.07
	}

	d, err := Build(s, dose)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}

	t.Run("cumulative starts at one and ends at zero", func(t *testing.T) {
		if d.Cumulative[0] != 1.0 {
			t.Errorf("cumulative[0] = %g", d.Cumulative[0])
		}
		if d.Cumulative[len(d.Cumulative)-1] != 0 {
			t.Errorf("cumulative[last] = %g", d.Cumulative[len(d.Cumulative)-1])
		}
	})

	t.Run("cumulative is non-increasing", func(t *testing.T) {
		for i := 1; i < len(d.Cumulative); i++ {
			if d.Cumulative[i] > d.Cumulative[i-1] {
				t.Fatalf("cumulative increased at bin %d", i)
			}
		}
	})

	t.Run("differential sums to one", func(t *testing.T) {
		sum := 0.0
		for _, v := range d.Differential {
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("differential sums to %g", sum)
		}
	})

	t.Run("median volume at median dose", func(t *testing.T) {
		median := d.DoseAtVolume(50)
		got := d.VolumeAtDose(median)
		if math.Abs(got-50) > 2.0 {
			t.Errorf("V(D50) = %g%%, want about 50%%", got)
		}
	})
}

func TestAdaptiveBinWidth(t *testing.T) {
	s, dose := uniformStructure(t, 200.0)
	d, err := Build(s, dose)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if d.MaxDose/d.BinWidth > maxBinCount {
		t.Errorf("max/width = %g exceeds %d bins", d.MaxDose/d.BinWidth, maxBinCount)
	}
	if d.BinWidth != 0.1 {
		t.Errorf("bin width = %g, want 0.1 for a 200 Gy maximum", d.BinWidth)
	}
}

func TestDoseAtAbsoluteVolume(t *testing.T) {
	s, dose := uniformStructure(t, 0)
	// Half the structure at 10 Gy, half at 20 Gy.
	indices := s.Indices()
	for n, idx := range indices {
		if n < len(indices)/2 {
			dose.Data[idx] = 10
		} else {
			dose.Data[idx] = 20
		}
	}

	d, err := Build(s, dose)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	// 1000 voxels of 8 mm^3 = 8 cc total, 4 cc at 20 Gy.
	if math.Abs(d.TotalVolumeCC-8.0) > 1e-9 {
		t.Fatalf("total volume = %g cc, want 8", d.TotalVolumeCC)
	}
	if got := d.DoseAtAbsoluteVolume(2.0); math.Abs(got-20) > 1e-6 {
		t.Errorf("D2cc = %g, want 20", got)
	}
	if got := d.DoseAtAbsoluteVolume(6.0); math.Abs(got-10) > 1e-6 {
		t.Errorf("D6cc = %g, want 10", got)
	}
}

func TestBuildErrors(t *testing.T) {
	s, dose := uniformStructure(t, 1.0)

	t.Run("grid mismatch", func(t *testing.T) {
		other, err := model.NewVolume(model.NewGrid(8, 8, 8, [3]float64{2, 2, 2}))
		if err != nil {
			t.Fatalf("volume failed: %v", err)
		}
		if _, err := Build(s, other); !model.IsKind(err, model.KindInvalidGeometry) {
			t.Errorf("expected InvalidGeometry, got %v", err)
		}
	})

	t.Run("empty mask", func(t *testing.T) {
		empty, err := model.NewStructure("empty", model.RoleOAR, dose.Grid)
		if err != nil {
			t.Fatalf("structure failed: %v", err)
		}
		if _, err := Build(empty, dose); !model.IsKind(err, model.KindMissingStructure) {
			t.Errorf("expected MissingStructure, got %v", err)
		}
	})

	t.Run("non-finite dose", func(t *testing.T) {
		dose.Data[s.Indices()[0]] = math.Inf(1)
		if _, err := Build(s, dose); !model.IsKind(err, model.KindNumericFailure) {
			t.Errorf("expected NumericFailure, got %v", err)
		}
	})
}
