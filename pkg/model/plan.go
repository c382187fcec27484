package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Technique is the delivery technique of a plan.
type Technique string

const (
	Technique3DCRT    Technique = "3DCRT"
	TechniqueFIF      Technique = "FIF"
	TechniqueIMRT     Technique = "IMRT"
	TechniqueVMAT     Technique = "VMAT"
	TechniqueSRS      Technique = "SRS/SBRT"
	TechniqueProton   Technique = "Proton"
	TechniqueAdaptive Technique = "Adaptive"
)

// ObjectiveKind enumerates the supported dose criteria.
type ObjectiveKind string

const (
	ObjectiveMaxDose     ObjectiveKind = "MaxDose"
	ObjectiveMinDose     ObjectiveKind = "MinDose"
	ObjectiveMaxDVH      ObjectiveKind = "MaxDVH"
	ObjectiveMinDVH      ObjectiveKind = "MinDVH"
	ObjectiveMeanDose    ObjectiveKind = "MeanDose"
	ObjectiveConformity  ObjectiveKind = "Conformity"
	ObjectiveHomogeneity ObjectiveKind = "Homogeneity"
	ObjectiveUniformity  ObjectiveKind = "Uniformity"
)

// Objective is one structure-specific dose criterion with its weight.
type Objective struct {
	Structure     string        `yaml:"structure"`
	Kind          ObjectiveKind `yaml:"kind"`
	Dose          float64       `yaml:"dose"`
	VolumePercent float64       `yaml:"volume_percent"`
	Weight        float64       `yaml:"weight"`
}

// Validate checks the objective parameter ranges.
func (o Objective) Validate() error {
	switch o.Kind {
	case ObjectiveMaxDose, ObjectiveMinDose, ObjectiveMaxDVH, ObjectiveMinDVH,
		ObjectiveMeanDose, ObjectiveConformity, ObjectiveHomogeneity, ObjectiveUniformity:
	default:
		return NewError(KindConfigError, fmt.Sprintf("unknown objective kind %q for structure %q", o.Kind, o.Structure))
	}
	if o.Dose < 0 {
		return NewError(KindConfigError, fmt.Sprintf("objective on %q: dose parameter must be >= 0", o.Structure))
	}
	if o.Kind == ObjectiveMaxDVH || o.Kind == ObjectiveMinDVH {
		if o.VolumePercent < 0 || o.VolumePercent > 100 {
			return NewError(KindConfigError, fmt.Sprintf("objective on %q: volume parameter must be in [0,100]", o.Structure))
		}
	}
	if o.Weight < 0 {
		return NewError(KindConfigError, fmt.Sprintf("objective on %q: weight must be >= 0", o.Structure))
	}
	return nil
}

// Plan bundles the prescription, beams, objectives and the current
// control-point weight vector.
type Plan struct {
	ID             string
	Name           string
	Technique      Technique
	PrescribedDose float64 // total dose, Gy
	Fractions      int
	Beams          []*Beam
	Objectives     []Objective
	// Weights holds one scalar per control point across all beams, in beam
	// order. After normalization the components sum to 1.
	Weights []float64
	Created time.Time
}

// NewPlan creates a plan with a fresh identifier.
func NewPlan(name string, technique Technique, prescribedDose float64, fractions int) *Plan {
	return &Plan{
		ID:             uuid.NewString(),
		Name:           name,
		Technique:      technique,
		PrescribedDose: prescribedDose,
		Fractions:      fractions,
		Created:        time.Now().UTC(),
	}
}

// TotalControlPoints returns the number of control points across all beams
// after arc expansion; this is the length of the weight vector.
func (p *Plan) TotalControlPoints() int {
	n := 0
	for _, b := range p.Beams {
		n += len(b.ExpandedControlPoints())
	}
	return n
}

// InitWeights resets the weight vector to uniform 1/n over all control
// points.
func (p *Plan) InitWeights() {
	n := p.TotalControlPoints()
	p.Weights = make([]float64, n)
	if n == 0 {
		return
	}
	for i := range p.Weights {
		p.Weights[i] = 1.0 / float64(n)
	}
}

// NormalizeWeights clamps the weight vector to be non-negative and rescales
// it to sum to 1, resetting to uniform when the sum collapses to zero.
func (p *Plan) NormalizeWeights() {
	NormalizeWeightVector(p.Weights)
}

// NormalizeWeightVector applies the shared weight-vector contract in place:
// w >= 0 component-wise and sum(w) = 1, with a uniform fallback.
func NormalizeWeightVector(w []float64) {
	if len(w) == 0 {
		return
	}
	sum := 0.0
	for i, v := range w {
		if v < 0 {
			w[i] = 0
			v = 0
		}
		sum += v
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(w))
		for i := range w {
			w[i] = uniform
		}
		return
	}
	for i := range w {
		w[i] /= sum
	}
}

// Validate checks the plan invariants: a positive prescription, at least
// one fraction, valid beams and objectives, and a weight vector matching
// the control-point count when present.
func (p *Plan) Validate() error {
	if p.PrescribedDose <= 0 {
		return NewError(KindConfigError, fmt.Sprintf("plan %q: prescribed dose must be positive", p.Name))
	}
	if p.Fractions < 1 {
		return NewError(KindConfigError, fmt.Sprintf("plan %q: fraction count must be >= 1", p.Name))
	}
	if len(p.Beams) == 0 {
		return NewError(KindConfigError, fmt.Sprintf("plan %q: at least one beam is required", p.Name))
	}
	for i, b := range p.Beams {
		if err := b.Validate(); err != nil {
			return WithContext(err, "beam", i)
		}
	}
	for i, o := range p.Objectives {
		if err := o.Validate(); err != nil {
			return WithContext(err, "objective", i)
		}
	}
	if len(p.Weights) != 0 && len(p.Weights) != p.TotalControlPoints() {
		return NewError(KindConfigError, fmt.Sprintf("plan %q: weight vector length %d does not match %d control points",
			p.Name, len(p.Weights), p.TotalControlPoints()))
	}
	return nil
}
