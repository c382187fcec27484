// Package models defines the YAML case file consumed by the radplan CLI:
// a synthetic phantom description, the structure set, the beam arrangement
// and the prescription. DICOM import is an external collaborator; the case
// file is the commissioning-style stand-in for it.
package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"radplan/pkg/model"
)

// Box is an axis-aligned voxel region, inclusive start, exclusive end.
type Box struct {
	From [3]int `yaml:"from"`
	To   [3]int `yaml:"to"`
}

// Insert overrides the phantom HU value inside a box, e.g. a lung block.
type Insert struct {
	HU  int16 `yaml:"hu"`
	Box Box   `yaml:"box"`
}

// Phantom describes the synthetic CT volume of a case.
type Phantom struct {
	Dimensions [3]int     `yaml:"dimensions"`
	SpacingMM  [3]float64 `yaml:"spacing_mm"`
	FillHU     int16      `yaml:"fill_hu"`
	Inserts    []Insert   `yaml:"inserts"`
}

// StructureSpec declares one delineated structure as a voxel box.
type StructureSpec struct {
	Name  string `yaml:"name"`
	Role  string `yaml:"role"`
	Color string `yaml:"color"`
	Box   Box    `yaml:"box"`
}

// BeamSpec declares one beam of the case.
type BeamSpec struct {
	ID       string  `yaml:"id"`
	Modality string  `yaml:"modality"`
	Energy   float64 `yaml:"energy"`
	Gantry   float64 `yaml:"gantry"`
	Couch    float64 `yaml:"couch"`
	SSD      float64 `yaml:"ssd"`
	// FieldMM is the nominal (width, height) of the field in mm.
	FieldMM [2]float64 `yaml:"field_mm"`
	// ApertureMM programs a rectangular MLC aperture when non-zero.
	ApertureMM [2]float64 `yaml:"aperture_mm"`
	LeafPairs  int        `yaml:"leaf_pairs"`
	Wedge      *model.Wedge `yaml:"wedge"`
	Arc        *model.Arc   `yaml:"arc"`
}

// Prescription is the prescribed total dose and fractionation.
type Prescription struct {
	DoseGy    float64 `yaml:"dose_gy"`
	Fractions int     `yaml:"fractions"`
}

// Case is the root of the case file.
type Case struct {
	Name         string            `yaml:"name"`
	Technique    string            `yaml:"technique"`
	Prescription Prescription      `yaml:"prescription"`
	Phantom      Phantom           `yaml:"phantom"`
	Structures   []StructureSpec   `yaml:"structures"`
	Beams        []BeamSpec        `yaml:"beams"`
	Objectives   []model.Objective `yaml:"objectives"`
}

// LoadCase parses a case file.
func LoadCase(path string) (*Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading case file: %w", err)
	}
	c := &Case{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing case file: %w", err)
	}
	return c, nil
}

// BuildCT materializes the phantom CT volume.
func (c *Case) BuildCT() (*model.HUVolume, error) {
	d := c.Phantom.Dimensions
	spacing := c.Phantom.SpacingMM
	if spacing == [3]float64{} {
		spacing = [3]float64{2, 2, 2}
	}
	grid := model.NewGrid(d[0], d[1], d[2], spacing)
	ct, err := model.NewHUVolume(grid, c.Phantom.FillHU)
	if err != nil {
		return nil, err
	}
	for _, insert := range c.Phantom.Inserts {
		for z := insert.Box.From[2]; z < insert.Box.To[2]; z++ {
			for y := insert.Box.From[1]; y < insert.Box.To[1]; y++ {
				for x := insert.Box.From[0]; x < insert.Box.To[0]; x++ {
					if grid.Contains(x, y, z) {
						ct.Set(x, y, z, insert.HU)
					}
				}
			}
		}
	}
	return ct, nil
}

// BuildStructures materializes the structure set on the CT grid.
func (c *Case) BuildStructures(grid model.Grid) (*model.StructureSet, error) {
	set, err := model.NewStructureSet(grid)
	if err != nil {
		return nil, err
	}
	for _, spec := range c.Structures {
		role := model.RoleOther
		switch spec.Role {
		case "PTV", "ptv":
			role = model.RolePTV
		case "OAR", "oar":
			role = model.RoleOAR
		}
		s, err := model.NewStructure(spec.Name, role, grid)
		if err != nil {
			return nil, err
		}
		s.Color = spec.Color
		s.FillBox(spec.Box.From[0], spec.Box.To[0], spec.Box.From[1], spec.Box.To[1], spec.Box.From[2], spec.Box.To[2])
		if err := set.Add(s); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// BuildPlan materializes the plan with its beams and objectives.
func (c *Case) BuildPlan() (*model.Plan, error) {
	technique := model.Technique(c.Technique)
	if c.Technique == "" {
		technique = model.Technique3DCRT
	}
	plan := model.NewPlan(c.Name, technique, c.Prescription.DoseGy, c.Prescription.Fractions)
	for _, spec := range c.Beams {
		modality := model.Modality(spec.Modality)
		if spec.Modality == "" {
			modality = model.ModalityPhoton
		}
		b := model.NewBeam(spec.ID, modality, spec.Energy)
		b.Gantry = spec.Gantry
		b.Couch = spec.Couch
		if spec.SSD > 0 {
			b.SSD = spec.SSD
		}
		if spec.FieldMM[0] > 0 {
			b.FieldWidth = spec.FieldMM[0]
			b.FieldHeight = spec.FieldMM[1]
		}
		b.Wedge = spec.Wedge
		b.Arc = spec.Arc
		// Refresh the default control point after geometry changes.
		b.ControlPoints = []model.ControlPoint{b.OpenControlPoint(1.0)}
		if spec.ApertureMM[0] > 0 {
			pairs := spec.LeafPairs
			if pairs <= 0 {
				pairs = 20
			}
			b.SetRectangularField(spec.ApertureMM[0], spec.ApertureMM[1], pairs)
		}
		plan.Beams = append(plan.Beams, b)
	}
	plan.Objectives = c.Objectives
	return plan, plan.Validate()
}
