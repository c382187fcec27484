package model

import (
	"fmt"
	"sort"
)

// Role classifies a delineated structure.
type Role string

const (
	RolePTV   Role = "PTV"
	RoleOAR   Role = "OAR"
	RoleOther Role = "OTHER"
)

// Structure is a named binary mask co-registered with the dose grid.
type Structure struct {
	Name  string
	Role  Role
	Color string
	Grid  Grid
	Mask  []bool
}

// NewStructure creates an empty structure mask on the given grid.
func NewStructure(name string, role Role, g Grid) (*Structure, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Structure{
		Name: name,
		Role: role,
		Grid: g,
		Mask: make([]bool, g.Len()),
	}, nil
}

// VoxelCount returns the number of voxels inside the mask.
func (s *Structure) VoxelCount() int {
	n := 0
	for _, in := range s.Mask {
		if in {
			n++
		}
	}
	return n
}

// VolumeCC returns the structure volume in cubic centimeters.
func (s *Structure) VolumeCC() float64 {
	return float64(s.VoxelCount()) * s.Grid.VoxelVolume() / 1000.0
}

// Indices returns the flat voxel indices covered by the mask, ascending.
// The result is used to avoid per-voxel name lookups in hot loops.
func (s *Structure) Indices() []int {
	out := make([]int, 0, 256)
	for i, in := range s.Mask {
		if in {
			out = append(out, i)
		}
	}
	return out
}

// FillBox marks all voxels of the axis-aligned box [x0,x1)x[y0,y1)x[z0,z1).
func (s *Structure) FillBox(x0, x1, y0, y1, z0, z1 int) {
	for z := max(z0, 0); z < min(z1, s.Grid.NZ); z++ {
		for y := max(y0, 0); y < min(y1, s.Grid.NY); y++ {
			for x := max(x0, 0); x < min(x1, s.Grid.NX); x++ {
				s.Mask[s.Grid.Index(x, y, z)] = true
			}
		}
	}
}

// StructureSet is the collection of structures for a plan, keyed by name.
// Exactly one mask exists per structure name.
type StructureSet struct {
	grid       Grid
	byName     map[string]*Structure
	namesOrder []string
}

// NewStructureSet creates an empty set bound to the dose-grid geometry.
func NewStructureSet(g Grid) (*StructureSet, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &StructureSet{grid: g, byName: make(map[string]*Structure)}, nil
}

// Grid returns the geometry every member mask must share.
func (ss *StructureSet) Grid() Grid {
	return ss.grid
}

// Add inserts a structure. Adding a second mask under the same name or a
// mask on a different grid is an InvalidGeometry error.
func (ss *StructureSet) Add(s *Structure) error {
	if !s.Grid.Same(ss.grid) {
		return NewError(KindInvalidGeometry, fmt.Sprintf("mask %q does not match the dose grid geometry", s.Name))
	}
	if _, exists := ss.byName[s.Name]; exists {
		return NewError(KindInvalidGeometry, fmt.Sprintf("duplicate structure name %q", s.Name))
	}
	ss.byName[s.Name] = s
	ss.namesOrder = append(ss.namesOrder, s.Name)
	return nil
}

// Get returns the structure with the given name, or nil.
func (ss *StructureSet) Get(name string) *Structure {
	return ss.byName[name]
}

// Names returns the structure names in insertion order.
func (ss *StructureSet) Names() []string {
	out := make([]string, len(ss.namesOrder))
	copy(out, ss.namesOrder)
	return out
}

// Len returns the number of structures.
func (ss *StructureSet) Len() int {
	return len(ss.byName)
}

// Targets returns the PTV structures, sorted by name for determinism.
func (ss *StructureSet) Targets() []*Structure {
	var out []*Structure
	for _, s := range ss.byName {
		if s.Role == RolePTV {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PrimaryTarget returns the first PTV by name order, or nil when the plan
// carries no target volume.
func (ss *StructureSet) PrimaryTarget() *Structure {
	targets := ss.Targets()
	if len(targets) == 0 {
		return nil
	}
	return targets[0]
}
