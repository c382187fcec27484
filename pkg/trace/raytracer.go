// Package trace computes radiological depth fields: for every voxel, the
// water-equivalent path length from the beam source to that voxel through
// the electron-density volume.
package trace

import (
	"math"
	"sync"

	"radplan/pkg/model"
)

// Tracer integrates electron density along source-to-voxel rays with a
// Siddon-style fixed-step traversal. The work is embarrassingly parallel
// per voxel; slabs of z-planes are partitioned statically over the workers
// so results are deterministic for a fixed worker count.
type Tracer struct {
	density *model.Volume
	workers int
}

// NewTracer creates a tracer over the given density volume. workers < 1
// falls back to single-threaded traversal.
func NewTracer(density *model.Volume, workers int) *Tracer {
	if workers < 1 {
		workers = 1
	}
	return &Tracer{density: density, workers: workers}
}

// DepthField returns a volume whose voxels hold the radiological depth in
// mm water-equivalent along the ray from the source to each voxel. The
// source sits at isocenter - direction*ssd.
func (t *Tracer) DepthField(direction [3]float64, isocenter [3]float64, ssd float64) (*model.Volume, error) {
	out, err := model.NewVolume(t.density.Grid)
	if err != nil {
		return nil, err
	}
	source := [3]float64{
		isocenter[0] - direction[0]*ssd,
		isocenter[1] - direction[1]*ssd,
		isocenter[2] - direction[2]*ssd,
	}

	grid := t.density.Grid
	// The step bound keeps the traversal from skipping voxels.
	step := 0.5 * grid.MinSpacing()

	var wg sync.WaitGroup
	slabSize := (grid.NZ + t.workers - 1) / t.workers
	for worker := 0; worker < t.workers; worker++ {
		z0 := worker * slabSize
		z1 := min(z0+slabSize, grid.NZ)
		if z0 >= z1 {
			break
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				for y := 0; y < grid.NY; y++ {
					for x := 0; x < grid.NX; x++ {
						out.Data[grid.Index(x, y, z)] = t.traceTo(source, grid.World(x, y, z), step)
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()
	return out, nil
}

// traceTo walks from the source toward the target voxel center in fixed
// steps, accumulating density*step, and terminates on reaching the target.
// Only the in-grid portion of the ray contributes.
func (t *Tracer) traceTo(source, target [3]float64, step float64) float64 {
	dx := target[0] - source[0]
	dy := target[1] - source[1]
	dz := target[2] - source[2]
	length := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if length < step {
		return 0
	}
	inv := 1.0 / length
	dir := [3]float64{dx * inv, dy * inv, dz * inv}

	grid := t.density.Grid
	depth := 0.0
	for travelled := 0.0; travelled < length; travelled += step {
		// Bound the final step so the integral stops exactly at the voxel.
		ds := step
		if travelled+ds > length {
			ds = length - travelled
		}
		px := source[0] + dir[0]*travelled
		py := source[1] + dir[1]*travelled
		pz := source[2] + dir[2]*travelled
		x, y, z := grid.Voxel([3]float64{px, py, pz})
		if !grid.Contains(x, y, z) {
			continue
		}
		depth += t.density.Data[grid.Index(x, y, z)] * ds
	}
	return depth
}
