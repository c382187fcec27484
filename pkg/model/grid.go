// Package model defines the core data types shared by the dose engine,
// the optimizer and the plan evaluation kernels: voxel grids, scalar
// volumes, structure masks, beam configurations, plans and objectives.
package model

import (
	"fmt"
	"math"
)

// Grid describes a regular voxel lattice in patient space.
//
// Voxels are addressed by integer indices (x, y, z) with x varying fastest
// in memory. Spacing is in millimeters and must be strictly positive.
// Direction holds the three basis vectors of the patient coordinate frame
// in row-major order; it must form an orthonormal basis.
type Grid struct {
	// NX, NY, NZ are the voxel counts along each axis.
	NX, NY, NZ int

	// Spacing is the physical voxel size in mm along (x, y, z).
	Spacing [3]float64

	// Origin is the patient-space position of voxel (0, 0, 0) in mm.
	Origin [3]float64

	// Direction contains the direction cosines as three row vectors.
	Direction [9]float64
}

// IdentityDirection is the axis-aligned patient orientation.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NewGrid returns an axis-aligned grid with the given dimensions and spacing,
// centered so that patient coordinate (0,0,0) falls at the grid center.
func NewGrid(nx, ny, nz int, spacing [3]float64) Grid {
	g := Grid{
		NX:        nx,
		NY:        ny,
		NZ:        nz,
		Spacing:   spacing,
		Direction: IdentityDirection,
	}
	g.Origin = [3]float64{
		-0.5 * float64(nx-1) * spacing[0],
		-0.5 * float64(ny-1) * spacing[1],
		-0.5 * float64(nz-1) * spacing[2],
	}
	return g
}

// Len returns the total voxel count.
func (g Grid) Len() int {
	return g.NX * g.NY * g.NZ
}

// Index maps voxel coordinates to the flat buffer offset.
func (g Grid) Index(x, y, z int) int {
	return z*g.NY*g.NX + y*g.NX + x
}

// Coords is the inverse of Index.
func (g Grid) Coords(idx int) (x, y, z int) {
	plane := g.NY * g.NX
	z = idx / plane
	rem := idx - z*plane
	y = rem / g.NX
	x = rem - y*g.NX
	return
}

// Contains reports whether the voxel coordinates lie inside the grid.
func (g Grid) Contains(x, y, z int) bool {
	return x >= 0 && x < g.NX && y >= 0 && y < g.NY && z >= 0 && z < g.NZ
}

// VoxelVolume returns the volume of a single voxel in mm^3.
func (g Grid) VoxelVolume() float64 {
	return g.Spacing[0] * g.Spacing[1] * g.Spacing[2]
}

// MinSpacing returns the smallest spacing component in mm.
func (g Grid) MinSpacing() float64 {
	return math.Min(g.Spacing[0], math.Min(g.Spacing[1], g.Spacing[2]))
}

// World returns the patient-space position of a voxel center in mm.
func (g Grid) World(x, y, z int) [3]float64 {
	lx := float64(x) * g.Spacing[0]
	ly := float64(y) * g.Spacing[1]
	lz := float64(z) * g.Spacing[2]
	d := g.Direction
	return [3]float64{
		g.Origin[0] + d[0]*lx + d[1]*ly + d[2]*lz,
		g.Origin[1] + d[3]*lx + d[4]*ly + d[5]*lz,
		g.Origin[2] + d[6]*lx + d[7]*ly + d[8]*lz,
	}
}

// Voxel returns the voxel indices containing a patient-space position,
// without clamping; the indices may lie outside the grid.
func (g Grid) Voxel(p [3]float64) (x, y, z int) {
	rx := p[0] - g.Origin[0]
	ry := p[1] - g.Origin[1]
	rz := p[2] - g.Origin[2]
	d := g.Direction
	lx := d[0]*rx + d[3]*ry + d[6]*rz
	ly := d[1]*rx + d[4]*ry + d[7]*rz
	lz := d[2]*rx + d[5]*ry + d[8]*rz
	x = int(math.Round(lx / g.Spacing[0]))
	y = int(math.Round(ly / g.Spacing[1]))
	z = int(math.Round(lz / g.Spacing[2]))
	return
}

// Same reports whether two grids agree on shape and spacing.
func (g Grid) Same(o Grid) bool {
	if g.NX != o.NX || g.NY != o.NY || g.NZ != o.NZ {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > 1e-9 {
			return false
		}
	}
	return true
}

// Validate checks the grid invariants: positive dimensions, strictly
// positive spacing and an orthonormal direction basis.
func (g Grid) Validate() error {
	if g.NX <= 0 || g.NY <= 0 || g.NZ <= 0 {
		return NewError(KindInvalidGeometry, fmt.Sprintf("grid dimensions must be positive, got %dx%dx%d", g.NX, g.NY, g.NZ))
	}
	for i, s := range g.Spacing {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return NewError(KindInvalidGeometry, fmt.Sprintf("grid spacing[%d] must be strictly positive, got %g", i, s))
		}
	}
	d := g.Direction
	rows := [3][3]float64{
		{d[0], d[1], d[2]},
		{d[3], d[4], d[5]},
		{d[6], d[7], d[8]},
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := rows[i][0]*rows[j][0] + rows[i][1]*rows[j][1] + rows[i][2]*rows[j][2]
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(dot-want) > 1e-6 {
				return NewError(KindInvalidGeometry, "grid direction cosines do not form an orthonormal basis")
			}
		}
	}
	return nil
}
