package engine

import (
	"math"

	"radplan/pkg/model"
)

// aperture is the precomputed beam's-eye-view test for one control point:
// the perpendicular basis of the beam frame, the jaw window, the MLC bank
// and the wedge modulation.
type aperture struct {
	dir  [3]float64
	u, w [3]float64
	iso  [3]float64
	ssd  float64

	jawU, jawV [2]float64
	mlc        []model.LeafPair
	leafWidth  float64
	halfHeight float64

	wedgeCos, wedgeSin float64
	wedgeSlope         float64
	halfWidth          float64
}

// newAperture builds the aperture test for a control point of a beam
// pointing along dir.
func newAperture(b *model.Beam, cp model.ControlPoint, dir [3]float64) *aperture {
	u, w := model.PerpendicularBasis(dir)
	a := &aperture{
		dir:        dir,
		u:          u,
		w:          w,
		iso:        b.Isocenter,
		ssd:        b.SSD,
		jawU:       cp.JawU,
		jawV:       cp.JawV,
		mlc:        cp.MLC,
		halfHeight: b.FieldHeight / 2,
		halfWidth:  b.FieldWidth / 2,
	}
	if n := len(cp.MLC); n > 0 {
		a.leafWidth = b.FieldHeight / float64(n)
	}
	if b.Wedge != nil && b.Wedge.Angle != 0 {
		orient := b.Wedge.Orientation * math.Pi / 180
		a.wedgeCos = math.Cos(orient)
		a.wedgeSin = math.Sin(orient)
		// Linear gradient scaled so a 45-degree wedge spans its nominal
		// tilt across the half field.
		a.wedgeSlope = math.Tan(b.Wedge.Angle*math.Pi/180) / math.Max(a.halfWidth, 1)
	}
	return a
}

// project decomposes a patient-space point into the beam frame:
// t along the beam axis relative to the isocenter plane, (uc, wc) in the
// plane perpendicular to the beam direction.
func (a *aperture) project(p [3]float64) (t, uc, wc float64) {
	rx := p[0] - a.iso[0]
	ry := p[1] - a.iso[1]
	rz := p[2] - a.iso[2]
	t = rx*a.dir[0] + ry*a.dir[1] + rz*a.dir[2]
	uc = rx*a.u[0] + ry*a.u[1] + rz*a.u[2]
	wc = rx*a.w[0] + ry*a.w[1] + rz*a.w[2]
	return
}

// contains reports whether the beam-frame coordinates fall inside the
// field. Voxels behind the source (t+SSD <= 0) are always excluded; the
// point must pass the jaw window, and, when an MLC bank is present, the
// leaf pair covering its w coordinate.
func (a *aperture) contains(t, uc, wc float64) bool {
	if t+a.ssd <= 0 {
		return false
	}
	if uc < a.jawU[0] || uc > a.jawU[1] || wc < a.jawV[0] || wc > a.jawV[1] {
		return false
	}
	if len(a.mlc) == 0 {
		return true
	}
	leaf := int(math.Floor((wc + a.halfHeight) / a.leafWidth))
	if leaf < 0 || leaf >= len(a.mlc) {
		return false
	}
	pair := a.mlc[leaf]
	return uc >= pair.Left && uc <= pair.Right
}

// wedgeFactor returns the linear wedge modulation at the in-plane
// coordinates, clamped to 0.1; it is the identity when no wedge is fitted.
func (a *aperture) wedgeFactor(uc, wc float64) float64 {
	if a.wedgeSlope == 0 {
		return 1.0
	}
	s := uc*a.wedgeCos + wc*a.wedgeSin
	f := 1.0 - a.wedgeSlope*s
	if f < 0.1 {
		return 0.1
	}
	return f
}
