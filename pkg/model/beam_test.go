package model

import (
	"math"
	"testing"
)

func TestDirectionFor(t *testing.T) {
	tests := []struct {
		name   string
		gantry float64
		couch  float64
		want   [3]float64
	}{
		{"anterior", 0, 0, [3]float64{0, 1, 0}},
		{"left lateral", 90, 0, [3]float64{1, 0, 0}},
		{"posterior", 180, 0, [3]float64{0, -1, 0}},
		{"right lateral", 270, 0, [3]float64{-1, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DirectionFor(tt.gantry, tt.couch)
			for i := 0; i < 3; i++ {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Errorf("component %d: got %g, want %g", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDirectionIsUnit(t *testing.T) {
	for gantry := 0.0; gantry < 360; gantry += 17 {
		for couch := -90.0; couch <= 90; couch += 23 {
			d := DirectionFor(gantry, couch)
			norm := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
			if math.Abs(norm-1) > 1e-12 {
				t.Fatalf("direction for gantry=%g couch=%g is not unit: |d|=%g", gantry, couch, norm)
			}
		}
	}
}

func TestPerpendicularBasis(t *testing.T) {
	t.Run("generic direction", func(t *testing.T) {
		d := DirectionFor(37, 12)
		u, w := PerpendicularBasis(d)
		checkOrthonormalFrame(t, d, u, w)
	})

	t.Run("degenerate beam along y", func(t *testing.T) {
		d := [3]float64{0, 1, 0}
		u, w := PerpendicularBasis(d)
		if u != [3]float64{1, 0, 0} {
			t.Errorf("degenerate u = %v, want (1,0,0)", u)
		}
		checkOrthonormalFrame(t, d, u, w)
	})
}

func checkOrthonormalFrame(t *testing.T, d, u, w [3]float64) {
	t.Helper()
	dot := func(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
	if math.Abs(dot(u, u)-1) > 1e-9 || math.Abs(dot(w, w)-1) > 1e-9 {
		t.Error("basis vectors are not unit length")
	}
	if math.Abs(dot(d, u)) > 1e-9 || math.Abs(dot(d, w)) > 1e-9 || math.Abs(dot(u, w)) > 1e-9 {
		t.Error("basis vectors are not mutually orthogonal")
	}
}

func TestExpandedControlPointsArc(t *testing.T) {
	t.Run("sweep is sampled every two degrees", func(t *testing.T) {
		b := NewBeam("arc", ModalityPhoton, 6)
		b.Arc = &Arc{StartAngle: 180, StopAngle: 270, Direction: 1}
		cps := b.ExpandedControlPoints()
		if len(cps) != 45 {
			t.Fatalf("expected 45 control points for a 90 degree sweep, got %d", len(cps))
		}
		if cps[0].GantryAngle != 180 {
			t.Errorf("first control point at %g, want 180", cps[0].GantryAngle)
		}
		if math.Abs(cps[len(cps)-1].GantryAngle-270) > 1e-9 {
			t.Errorf("last control point at %g, want 270", cps[len(cps)-1].GantryAngle)
		}
		sum := 0.0
		for _, cp := range cps {
			sum += cp.Weight
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("control point weights sum to %g, want 1", sum)
		}
	})

	t.Run("counter-clockwise sweep", func(t *testing.T) {
		b := NewBeam("arc", ModalityPhoton, 6)
		b.Arc = &Arc{StartAngle: 270, StopAngle: 180, Direction: -1}
		cps := b.ExpandedControlPoints()
		if cps[0].GantryAngle <= cps[len(cps)-1].GantryAngle {
			t.Error("counter-clockwise arc should sweep downward in angle")
		}
	})

	t.Run("start equals stop collapses to one control point", func(t *testing.T) {
		for _, dir := range []int{1, -1} {
			b := NewBeam("arc", ModalityPhoton, 6)
			b.Arc = &Arc{StartAngle: 120, StopAngle: 120, Direction: dir}
			cps := b.ExpandedControlPoints()
			if len(cps) != 1 {
				t.Fatalf("direction %d: expected a single control point, got %d", dir, len(cps))
			}
			if cps[0].GantryAngle != 120 {
				t.Errorf("direction %d: control point at %g, want 120", dir, cps[0].GantryAngle)
			}
		}
	})

	t.Run("explicit control points are preserved", func(t *testing.T) {
		b := NewBeam("imrt", ModalityPhoton, 6)
		b.ControlPoints = []ControlPoint{
			b.OpenControlPoint(0.4),
			b.OpenControlPoint(0.6),
		}
		cps := b.ExpandedControlPoints()
		if len(cps) != 2 || cps[0].Weight != 0.4 {
			t.Error("explicit control points were not preserved")
		}
	})
}

func TestSetRectangularField(t *testing.T) {
	b := NewBeam("shaped", ModalityPhoton, 6)
	b.SetRectangularField(40, 40, 20)
	cp := b.ControlPoints[0]
	if len(cp.MLC) != 20 {
		t.Fatalf("expected 20 leaf pairs, got %d", len(cp.MLC))
	}
	open := 0
	for _, pair := range cp.MLC {
		if pair.Right > pair.Left {
			open++
			if pair.Left != -20 || pair.Right != 20 {
				t.Errorf("open leaf pair spans [%g, %g], want [-20, 20]", pair.Left, pair.Right)
			}
		}
	}
	// 40 mm aperture over a 100 mm bank of 5 mm leaves opens 8 pairs.
	if open != 8 {
		t.Errorf("expected 8 open leaf pairs, got %d", open)
	}
}

func TestSetCircularField(t *testing.T) {
	b := NewBeam("circle", ModalityPhoton, 6)
	b.SetCircularField(60, 20)
	cp := b.ControlPoints[0]

	// The widest opening sits at the central leaf pairs and shrinks
	// toward the field edge, tracing the chord of the circle.
	mid := cp.MLC[10]
	if math.Abs(mid.Right-mid.Left) < 55 {
		t.Errorf("central leaf pair opens %g mm, want close to the 60 mm diameter", mid.Right-mid.Left)
	}
	edge := cp.MLC[4]
	if edge.Right-edge.Left >= mid.Right-mid.Left {
		t.Error("edge leaf pair should open less than the central pair")
	}
	closed := cp.MLC[0]
	if closed.Left != 0 || closed.Right != 0 {
		t.Error("leaf pairs outside the circle should be driven closed")
	}
}

func TestBeamValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Beam)
	}{
		{"unknown modality", func(b *Beam) { b.Modality = "neutron" }},
		{"negative energy", func(b *Beam) { b.Energy = -6 }},
		{"zero ssd", func(b *Beam) { b.SSD = 0 }},
		{"no control points", func(b *Beam) { b.ControlPoints = nil }},
		{"negative weight", func(b *Beam) { b.ControlPoints[0].Weight = -0.5 }},
		{"inverted leaf pair", func(b *Beam) {
			b.ControlPoints[0].MLC = []LeafPair{{Left: 10, Right: -10}}
		}},
		{"bad arc direction", func(b *Beam) { b.Arc = &Arc{Direction: 0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBeam("b1", ModalityPhoton, 6)
			tt.mutate(b)
			if err := b.Validate(); !IsKind(err, KindConfigError) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestNormalizeWeightVector(t *testing.T) {
	t.Run("rescales to unit sum", func(t *testing.T) {
		w := []float64{2, 1, 1}
		NormalizeWeightVector(w)
		if math.Abs(w[0]-0.5) > 1e-12 || math.Abs(w[1]-0.25) > 1e-12 {
			t.Errorf("unexpected weights %v", w)
		}
	})

	t.Run("clamps negatives", func(t *testing.T) {
		w := []float64{-1, 1, 1}
		NormalizeWeightVector(w)
		if w[0] != 0 || math.Abs(w[1]-0.5) > 1e-12 {
			t.Errorf("unexpected weights %v", w)
		}
	})

	t.Run("zero sum falls back to uniform", func(t *testing.T) {
		w := []float64{0, 0, 0, 0}
		NormalizeWeightVector(w)
		for _, v := range w {
			if math.Abs(v-0.25) > 1e-12 {
				t.Errorf("unexpected weights %v", w)
			}
		}
	})
}
