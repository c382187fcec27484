// Package metrics derives the scalar plan-quality indices from the dose
// grid and structure masks: conformity, homogeneity and gradient indices
// plus hot/cold spot detection.
package metrics

import (
	"math"
	"sort"

	"radplan/pkg/model"
)

// Indices is the scalar quality summary of a plan.
type Indices struct {
	// CI is the simple conformity index V_ref / V_PTV.
	CI float64
	// PaddickCI is TV_PIV^2 / (TV * PIV), in [0, 1].
	PaddickCI float64
	// HI is the homogeneity index (D2 - D98) / D50.
	HI float64
	// GI is the gradient index V_50% / V_100%.
	GI float64

	D2  float64
	D50 float64
	D98 float64
}

// Compute derives the plan indices for a target structure at the given
// prescription dose.
func Compute(dose *model.Volume, target *model.Structure, prescribedDose float64) (*Indices, error) {
	if target == nil {
		return nil, model.NewError(model.KindMissingStructure, "no target structure for plan metrics")
	}
	if !dose.Grid.Same(target.Grid) {
		return nil, model.NewError(model.KindInvalidGeometry, "target mask does not match the dose grid")
	}

	tv := 0
	tvpiv := 0
	piv := 0
	vHalf := 0
	var targetDoses []float64
	for i, d := range dose.Data {
		if d >= prescribedDose {
			piv++
		}
		if d >= prescribedDose/2 {
			vHalf++
		}
		if target.Mask[i] {
			tv++
			if d >= prescribedDose {
				tvpiv++
			}
			targetDoses = append(targetDoses, d)
		}
	}
	if tv == 0 {
		return nil, model.NewError(model.KindMissingStructure, "target structure has an empty mask")
	}

	sort.Float64s(targetDoses)
	out := &Indices{
		D2:  percentileHigh(targetDoses, 2),
		D50: percentileHigh(targetDoses, 50),
		D98: percentileHigh(targetDoses, 98),
	}
	out.CI = float64(piv) / float64(tv)
	if piv > 0 {
		out.PaddickCI = float64(tvpiv) * float64(tvpiv) / (float64(tv) * float64(piv))
	}
	if out.D50 > 0 {
		out.HI = (out.D2 - out.D98) / out.D50
	}
	if piv > 0 {
		out.GI = float64(vHalf) / float64(piv)
	}
	return out, nil
}

// percentileHigh returns D_x: the dose exceeded by x percent of the
// structure volume, from an ascending sorted dose vector.
func percentileHigh(sorted []float64, x float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor((1.0 - x/100.0) * float64(n)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// Spots flags hot and cold voxels relative to the prescription: hot spots exceed
// 107% of the prescription anywhere in the grid, cold spots fall below
// 95% inside the target.
type Spots struct {
	HotVoxels  []int
	ColdVoxels []int
}

// FindSpots locates hot and cold spots relative to the prescription.
func FindSpots(dose *model.Volume, target *model.Structure, prescribedDose float64) *Spots {
	hotLimit := 1.07 * prescribedDose
	coldLimit := 0.95 * prescribedDose
	spots := &Spots{}
	for i, d := range dose.Data {
		if d > hotLimit {
			spots.HotVoxels = append(spots.HotVoxels, i)
		}
		if target != nil && target.Mask[i] && d < coldLimit {
			spots.ColdVoxels = append(spots.ColdVoxels, i)
		}
	}
	return spots
}
