package controller

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"radplan/pkg/model"
)

// doseFileName is the float32 payload written next to the bundle metadata.
const doseFileName = "dose.f32"

// metaFileName is the YAML metadata file of a plan bundle.
const metaFileName = "plan.yaml"

// BundleBeam is the serialized summary of one beam.
type BundleBeam struct {
	ID            string  `yaml:"id"`
	Modality      string  `yaml:"modality"`
	Energy        float64 `yaml:"energy"`
	Gantry        float64 `yaml:"gantry"`
	Couch         float64 `yaml:"couch"`
	SSD           float64 `yaml:"ssd"`
	ControlPoints int     `yaml:"control_points"`
	Arc           bool    `yaml:"arc"`
}

// BundleGrid describes the persisted dose-grid geometry.
type BundleGrid struct {
	Dimensions [3]int     `yaml:"dimensions"`
	SpacingMM  [3]float64 `yaml:"spacing_mm"`
	OriginMM   [3]float64 `yaml:"origin_mm"`
}

// BundleMeta is the plan bundle metadata persisted as YAML; the dose grid
// itself lives in a little-endian float32 sidecar file.
type BundleMeta struct {
	BundleID       string            `yaml:"bundle_id"`
	PlanID         string            `yaml:"plan_id"`
	PlanName       string            `yaml:"plan_name"`
	Technique      string            `yaml:"technique"`
	PrescribedDose float64           `yaml:"prescribed_dose_gy"`
	Fractions      int               `yaml:"fractions"`
	Created        time.Time         `yaml:"created"`
	Status         string            `yaml:"status"`
	Beams          []BundleBeam      `yaml:"beams"`
	Structures     []string          `yaml:"structures"`
	Weights        []float64         `yaml:"weights"`
	Grid           BundleGrid        `yaml:"grid"`
	Metrics        map[string]float64 `yaml:"metrics,omitempty"`
	Warnings       []string          `yaml:"warnings,omitempty"`
}

// SaveBundle persists a run result into dir: plan.yaml plus dose.f32.
func SaveBundle(dir string, res *Result, structures *model.StructureSet) error {
	if res == nil || res.Dose == nil {
		return model.NewError(model.KindConfigError, "cannot persist a result without a dose grid")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating bundle directory: %w", err)
	}

	meta := BundleMeta{
		BundleID:       uuid.NewString(),
		PlanID:         res.Plan.ID,
		PlanName:       res.Plan.Name,
		Technique:      string(res.Plan.Technique),
		PrescribedDose: res.Plan.PrescribedDose,
		Fractions:      res.Plan.Fractions,
		Created:        time.Now().UTC(),
		Status:         string(res.Status),
		Weights:        res.Weights,
		Warnings:       res.Warnings,
		Grid: BundleGrid{
			Dimensions: [3]int{res.Dose.Grid.NX, res.Dose.Grid.NY, res.Dose.Grid.NZ},
			SpacingMM:  res.Dose.Grid.Spacing,
			OriginMM:   res.Dose.Grid.Origin,
		},
	}
	for _, b := range res.Plan.Beams {
		meta.Beams = append(meta.Beams, BundleBeam{
			ID:            b.ID,
			Modality:      string(b.Modality),
			Energy:        b.Energy,
			Gantry:        b.Gantry,
			Couch:         b.Couch,
			SSD:           b.SSD,
			ControlPoints: len(b.ExpandedControlPoints()),
			Arc:           b.Arc != nil,
		})
	}
	if structures != nil {
		meta.Structures = structures.Names()
	}
	if res.Indices != nil {
		meta.Metrics = map[string]float64{
			"ci":         res.Indices.CI,
			"paddick_ci": res.Indices.PaddickCI,
			"hi":         res.Indices.HI,
			"gi":         res.Indices.GI,
			"d2":         res.Indices.D2,
			"d50":        res.Indices.D50,
			"d98":        res.Indices.D98,
		}
	}

	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshaling bundle metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), data, 0644); err != nil {
		return fmt.Errorf("writing bundle metadata: %w", err)
	}
	return writeDoseGrid(filepath.Join(dir, doseFileName), res.Dose)
}

// writeDoseGrid stores the dose grid as little-endian float32 values in
// x-fastest order.
func writeDoseGrid(path string, dose *model.Volume) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dose file: %w", err)
	}
	defer file.Close()

	buf := make([]float32, len(dose.Data))
	for i, d := range dose.Data {
		buf[i] = float32(d)
	}
	if err := binary.Write(file, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("writing dose grid: %w", err)
	}
	return nil
}

// LoadBundleMeta reads the metadata of a persisted bundle.
func LoadBundleMeta(dir string) (*BundleMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("reading bundle metadata: %w", err)
	}
	meta := &BundleMeta{}
	if err := yaml.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("parsing bundle metadata: %w", err)
	}
	return meta, nil
}

// LoadDoseGrid reads the float32 dose payload of a bundle back into a
// volume with the geometry recorded in the metadata.
func LoadDoseGrid(dir string, meta *BundleMeta) (*model.Volume, error) {
	g := model.Grid{
		NX:        meta.Grid.Dimensions[0],
		NY:        meta.Grid.Dimensions[1],
		NZ:        meta.Grid.Dimensions[2],
		Spacing:   meta.Grid.SpacingMM,
		Origin:    meta.Grid.OriginMM,
		Direction: model.IdentityDirection,
	}
	out, err := model.NewVolume(g)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, doseFileName))
	if err != nil {
		return nil, fmt.Errorf("opening dose file: %w", err)
	}
	defer file.Close()

	buf := make([]float32, g.Len())
	if err := binary.Read(file, binary.LittleEndian, buf); err != nil {
		return nil, fmt.Errorf("reading dose grid: %w", err)
	}
	for i, v := range buf {
		out.Data[i] = float64(v)
	}
	return out, nil
}
