package model

import (
	"fmt"
	"math"
)

// Modality is the radiation type of a beam.
type Modality string

const (
	ModalityPhoton   Modality = "photon"
	ModalityElectron Modality = "electron"
	ModalityProton   Modality = "proton"
)

// LeafPair holds the left and right edge of one MLC leaf pair, in mm along
// the in-plane u axis of the beam frame.
type LeafPair struct {
	Left  float64 `yaml:"left"`
	Right float64 `yaml:"right"`
}

// Wedge is a physical or dynamic wedge filter. Orientation is the angle of
// the wedge gradient within the aperture plane, in degrees.
type Wedge struct {
	Angle       float64 `yaml:"angle"`
	Orientation float64 `yaml:"orientation"`
}

// Arc describes a rotational (VMAT-style) delivery sweep.
type Arc struct {
	StartAngle float64 `yaml:"start_angle"`
	StopAngle  float64 `yaml:"stop_angle"`
	// Direction is +1 for clockwise, -1 for counter-clockwise.
	Direction int `yaml:"direction"`
}

// ControlPoint is a discrete snapshot of beam state: gantry angle, MLC
// bank, jaw window and monitor-unit fraction.
type ControlPoint struct {
	GantryAngle float64
	// MLC holds one LeafPair per leaf index along the w axis; empty means
	// an open field bounded only by the jaws.
	MLC []LeafPair
	// JawU and JawV are the (low, high) jaw edges in mm.
	JawU [2]float64
	JawV [2]float64
	// Weight is the monitor-unit fraction of this control point, >= 0.
	Weight float64
}

// Beam is an immutable description of one external radiation field.
type Beam struct {
	ID         string
	Modality   Modality
	Energy     float64 // MV for photons, MeV for electrons/protons
	Isocenter  [3]float64
	Gantry     float64 // degrees
	Collimator float64 // degrees
	Couch      float64 // degrees
	SSD        float64 // source-surface distance, mm

	// FieldWidth/FieldHeight are the nominal field dimensions at the
	// isocenter plane in mm; they bound the jaw window and size the MLC
	// bank.
	FieldWidth  float64
	FieldHeight float64

	Wedge *Wedge
	Arc   *Arc

	ControlPoints []ControlPoint
}

// NewBeam returns a static beam of the given modality with an open 100x100 mm field and a
// single full-weight control point, mirroring common linac defaults.
func NewBeam(id string, modality Modality, energy float64) *Beam {
	b := &Beam{
		ID:          id,
		Modality:    modality,
		Energy:      energy,
		SSD:         1000,
		FieldWidth:  100,
		FieldHeight: 100,
	}
	b.ControlPoints = []ControlPoint{b.OpenControlPoint(1.0)}
	return b
}

// OpenControlPoint returns a control point with the jaws at the nominal
// field borders and no MLC shaping.
func (b *Beam) OpenControlPoint(weight float64) ControlPoint {
	return ControlPoint{
		GantryAngle: b.Gantry,
		JawU:        [2]float64{-b.FieldWidth / 2, b.FieldWidth / 2},
		JawV:        [2]float64{-b.FieldHeight / 2, b.FieldHeight / 2},
		Weight:      weight,
	}
}

// SetRectangularField programs the MLC bank to a centered rectangular
// aperture of width x height mm using the given number of leaf pairs.
// Leaves outside the rectangle are driven closed.
func (b *Beam) SetRectangularField(width, height float64, leafPairs int) {
	cp := b.OpenControlPoint(1.0)
	cp.MLC = make([]LeafPair, leafPairs)
	leafWidth := b.FieldHeight / float64(leafPairs)
	for i := range cp.MLC {
		center := -b.FieldHeight/2 + (float64(i)+0.5)*leafWidth
		if math.Abs(center) <= height/2 {
			cp.MLC[i] = LeafPair{Left: -width / 2, Right: width / 2}
		} else {
			cp.MLC[i] = LeafPair{Left: 0, Right: 0}
		}
	}
	b.ControlPoints = []ControlPoint{cp}
}

// SetCircularField programs the MLC bank to approximate a centered circular
// aperture of the given diameter in mm.
func (b *Beam) SetCircularField(diameter float64, leafPairs int) {
	cp := b.OpenControlPoint(1.0)
	cp.MLC = make([]LeafPair, leafPairs)
	radius := diameter / 2
	leafWidth := b.FieldHeight / float64(leafPairs)
	for i := range cp.MLC {
		center := -b.FieldHeight/2 + (float64(i)+0.5)*leafWidth
		if math.Abs(center) < radius {
			half := math.Sqrt(radius*radius - center*center)
			cp.MLC[i] = LeafPair{Left: -half, Right: half}
		} else {
			cp.MLC[i] = LeafPair{Left: 0, Right: 0}
		}
	}
	b.ControlPoints = []ControlPoint{cp}
}

// Direction converts the (gantry, couch) angles into a unit vector in
// patient space using the spherical decomposition shared by all algorithms.
func (b *Beam) Direction() [3]float64 {
	return DirectionFor(b.Gantry, b.Couch)
}

// DirectionFor returns the unit beam direction for arbitrary gantry and
// couch angles in degrees.
func DirectionFor(gantry, couch float64) [3]float64 {
	g := gantry * math.Pi / 180
	c := couch * math.Pi / 180
	d := [3]float64{
		math.Sin(g) * math.Cos(c),
		math.Cos(g),
		math.Sin(g) * math.Sin(c),
	}
	norm := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
	if norm == 0 {
		return [3]float64{0, 1, 0}
	}
	return [3]float64{d[0] / norm, d[1] / norm, d[2] / norm}
}

// PerpendicularBasis returns the deterministic in-plane frame (u, w) for a
// beam direction d: u = normalize(-dz, 0, dx), falling back to (1,0,0) when
// the beam runs along the y axis, and w = d x u.
func PerpendicularBasis(d [3]float64) (u, w [3]float64) {
	u = [3]float64{-d[2], 0, d[0]}
	norm := math.Sqrt(u[0]*u[0] + u[1]*u[1] + u[2]*u[2])
	if norm < 1e-9 {
		u = [3]float64{1, 0, 0}
	} else {
		u = [3]float64{u[0] / norm, u[1] / norm, u[2] / norm}
	}
	w = [3]float64{
		d[1]*u[2] - d[2]*u[1],
		d[2]*u[0] - d[0]*u[2],
		d[0]*u[1] - d[1]*u[0],
	}
	return u, w
}

// ExpandedControlPoints returns the effective control-point sequence of the
// beam. Static beams return their explicit list. Arcs without an explicit
// multi-point list are sampled every 2 degrees of the sweep, inheriting the
// MLC and jaw settings of the first control point; an arc with start = stop
// collapses to a single control point.
func (b *Beam) ExpandedControlPoints() []ControlPoint {
	if b.Arc == nil || len(b.ControlPoints) > 1 {
		return b.ControlPoints
	}
	span := math.Abs(b.Arc.StopAngle - b.Arc.StartAngle)
	n := int(math.Ceil(span / 2.0))
	if n < 1 {
		n = 1
	}
	sign := 1.0
	if b.Arc.Direction < 0 {
		sign = -1.0
	}
	template := b.OpenControlPoint(0)
	if len(b.ControlPoints) == 1 {
		template = b.ControlPoints[0]
	}
	out := make([]ControlPoint, n)
	for i := 0; i < n; i++ {
		frac := 0.0
		if n > 1 {
			frac = float64(i) / float64(n-1)
		}
		cp := template
		cp.GantryAngle = b.Arc.StartAngle + sign*span*frac
		cp.Weight = 1.0 / float64(n)
		out[i] = cp
	}
	return out
}

// Validate checks beam invariants.
func (b *Beam) Validate() error {
	switch b.Modality {
	case ModalityPhoton, ModalityElectron, ModalityProton:
	default:
		return NewError(KindConfigError, fmt.Sprintf("beam %q: unknown modality %q", b.ID, b.Modality))
	}
	if b.Energy <= 0 {
		return NewError(KindConfigError, fmt.Sprintf("beam %q: energy must be positive, got %g", b.ID, b.Energy))
	}
	if b.SSD <= 0 {
		return NewError(KindConfigError, fmt.Sprintf("beam %q: SSD must be positive, got %g", b.ID, b.SSD))
	}
	if len(b.ControlPoints) == 0 {
		return NewError(KindConfigError, fmt.Sprintf("beam %q: at least one control point is required", b.ID))
	}
	for i, cp := range b.ControlPoints {
		if cp.Weight < 0 {
			return NewError(KindConfigError, fmt.Sprintf("beam %q: control point %d has negative weight", b.ID, i))
		}
		for j, lp := range cp.MLC {
			if lp.Right < lp.Left {
				return NewError(KindConfigError, fmt.Sprintf("beam %q: leaf pair %d of control point %d is inverted", b.ID, j, i))
			}
		}
	}
	if b.Arc != nil && b.Arc.Direction != 1 && b.Arc.Direction != -1 {
		return NewError(KindConfigError, fmt.Sprintf("beam %q: arc direction must be +1 or -1", b.ID))
	}
	return nil
}
