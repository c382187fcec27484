package trace

import (
	"math"
	"testing"

	"radplan/pkg/model"
)

// waterVolume builds a uniform unit-density cube with the given edge
// length in voxels and 2 mm spacing.
func waterVolume(t *testing.T, n int) *model.Volume {
	t.Helper()
	grid := model.NewGrid(n, n, n, [3]float64{2, 2, 2})
	v, err := model.NewVolume(grid)
	if err != nil {
		t.Fatalf("failed to allocate volume: %v", err)
	}
	for i := range v.Data {
		v.Data[i] = 1.0
	}
	return v
}

func TestDepthFieldUniformWater(t *testing.T) {
	density := waterVolume(t, 32)
	tracer := NewTracer(density, 2)

	dir := [3]float64{0, 1, 0}
	depth, err := tracer.DepthField(dir, [3]float64{0, 0, 0}, 1000)
	if err != nil {
		t.Fatalf("depth field failed: %v", err)
	}

	// In uniform water the radiological depth of a voxel equals the
	// geometric path length from the phantom entry surface.
	grid := density.Grid
	entryY := grid.Origin[1] - grid.Spacing[1]/2
	for y := 2; y < grid.NY-2; y++ {
		world := grid.World(16, y, 16)
		want := world[1] - entryY
		got := depth.At(16, y, 16)
		if math.Abs(got-want) > 3.0 {
			t.Errorf("depth at y=%d: got %.2f mm, want about %.2f mm", y, got, want)
		}
	}
}

func TestDepthFieldMonotoneAlongBeam(t *testing.T) {
	density := waterVolume(t, 32)
	tracer := NewTracer(density, 2)

	depth, err := tracer.DepthField([3]float64{0, 1, 0}, [3]float64{0, 0, 0}, 1000)
	if err != nil {
		t.Fatalf("depth field failed: %v", err)
	}
	prev := -1.0
	for y := 0; y < density.Grid.NY; y++ {
		d := depth.At(16, y, 16)
		if d < prev-1e-9 {
			t.Fatalf("depth decreased along the beam at y=%d: %.4f -> %.4f", y, prev, d)
		}
		prev = d
	}
}

func TestDepthFieldLungInsertReducesDepth(t *testing.T) {
	water := waterVolume(t, 32)
	lung := waterVolume(t, 32)
	grid := lung.Grid
	// A 10-voxel lung slab across the beam path in the proximal half.
	for z := 0; z < grid.NZ; z++ {
		for y := 4; y < 14; y++ {
			for x := 0; x < grid.NX; x++ {
				lung.Set(x, y, z, 0.25)
			}
		}
	}

	dir := [3]float64{0, 1, 0}
	iso := [3]float64{0, 0, 0}
	waterDepth, err := NewTracer(water, 2).DepthField(dir, iso, 1000)
	if err != nil {
		t.Fatalf("water depth field failed: %v", err)
	}
	lungDepth, err := NewTracer(lung, 2).DepthField(dir, iso, 1000)
	if err != nil {
		t.Fatalf("lung depth field failed: %v", err)
	}

	// Distal to the slab the water-equivalent depth must be reduced by
	// roughly thickness * (1 - 0.25) = 20 mm * 0.75 = 15 mm.
	got := waterDepth.At(16, 28, 16) - lungDepth.At(16, 28, 16)
	if got < 10 || got > 20 {
		t.Errorf("lung slab reduced depth by %.2f mm, expected about 15 mm", got)
	}
}

func TestDepthFieldDeterministicAcrossWorkerCounts(t *testing.T) {
	density := waterVolume(t, 16)
	dir := [3]float64{0, 1, 0}
	iso := [3]float64{0, 0, 0}

	one, err := NewTracer(density, 1).DepthField(dir, iso, 1000)
	if err != nil {
		t.Fatalf("single-worker depth field failed: %v", err)
	}
	four, err := NewTracer(density, 4).DepthField(dir, iso, 1000)
	if err != nil {
		t.Fatalf("four-worker depth field failed: %v", err)
	}
	for i := range one.Data {
		if one.Data[i] != four.Data[i] {
			t.Fatalf("worker count changed the result at voxel %d", i)
		}
	}
}
