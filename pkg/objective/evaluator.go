// Package objective scores a dose distribution against the plan's
// structure-specific dose criteria and aggregates them into the scalar
// objective minimized by the optimizer.
package objective

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"radplan/pkg/model"
)

// Value is the evaluated penalty of a single objective.
type Value struct {
	Objective model.Objective
	Penalty   float64
	// Skipped is set when the referenced structure has no mask; the
	// objective contributes nothing to the total.
	Skipped bool
}

// Evaluator scores dose grids against a fixed objective list. Structure
// masks are resolved to flat voxel-index lists once at construction so the
// hot evaluation path never touches string keys.
type Evaluator struct {
	grid       model.Grid
	objectives []model.Objective
	indices    [][]int
	masks      []*model.Structure
	scratch    []float64
	combined   *model.Volume
	warnings   []string
}

// NewEvaluator resolves the plan objectives against the structure set.
// Objectives referencing a missing structure are kept but marked skipped,
// and a warning is recorded; everything else is fatal at setup.
func NewEvaluator(plan *model.Plan, structures *model.StructureSet, log *logrus.Logger) (*Evaluator, error) {
	if log == nil {
		log = logrus.New()
	}
	ev := &Evaluator{
		grid:       structures.Grid(),
		objectives: plan.Objectives,
		indices:    make([][]int, len(plan.Objectives)),
		masks:      make([]*model.Structure, len(plan.Objectives)),
	}
	for i, obj := range plan.Objectives {
		if err := obj.Validate(); err != nil {
			return nil, model.WithContext(err, "objective", i)
		}
		s := structures.Get(obj.Structure)
		if s == nil {
			warning := fmt.Sprintf("objective %d references structure %q which has no mask, skipping", i, obj.Structure)
			log.Warn(warning)
			ev.warnings = append(ev.warnings, warning)
			continue
		}
		ev.indices[i] = s.Indices()
		ev.masks[i] = s
	}
	return ev, nil
}

// Warnings returns the missing-structure warnings recorded at setup.
func (ev *Evaluator) Warnings() []string {
	return ev.warnings
}

// Evaluate scores the dose grid, returning the weighted total and the
// per-objective penalties.
func (ev *Evaluator) Evaluate(dose *model.Volume) (float64, []Value, error) {
	if !dose.Grid.Same(ev.grid) {
		return 0, nil, model.NewError(model.KindInvalidGeometry, "dose grid does not match the structure masks")
	}
	total := 0.0
	values := make([]Value, len(ev.objectives))
	for i, obj := range ev.objectives {
		values[i].Objective = obj
		if ev.indices[i] == nil {
			values[i].Skipped = true
			continue
		}
		penalty, err := ev.penalty(obj, ev.indices[i], ev.masks[i], dose)
		if err != nil {
			return 0, nil, model.WithContext(err, "objective", i)
		}
		values[i].Penalty = penalty
		total += obj.Weight * penalty
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, nil, model.NewError(model.KindNumericFailure, "objective total is not finite")
	}
	return total, values, nil
}

// EvaluateWeighted scores the dose implied by the weight vector w over the
// per-control-point dose fields, reusing an internal buffer so repeated
// optimizer calls avoid allocation.
func (ev *Evaluator) EvaluateWeighted(fields []*model.Volume, w []float64) (float64, error) {
	if len(fields) != len(w) {
		return 0, model.NewError(model.KindConfigError,
			fmt.Sprintf("weight vector length %d does not match %d dose fields", len(w), len(fields)))
	}
	if ev.combined == nil {
		combined, err := model.NewVolume(ev.grid)
		if err != nil {
			return 0, err
		}
		ev.combined = combined
	}
	data := ev.combined.Data
	for i := range data {
		data[i] = 0
	}
	for fi, field := range fields {
		wi := w[fi]
		if wi == 0 {
			continue
		}
		for i, d := range field.Data {
			data[i] += wi * d
		}
	}
	total, _, err := ev.Evaluate(ev.combined)
	return total, err
}

// doseAt collects and sorts (ascending) the dose values of a structure.
func (ev *Evaluator) doseAt(indices []int, dose *model.Volume) []float64 {
	if cap(ev.scratch) < len(indices) {
		ev.scratch = make([]float64, len(indices))
	}
	out := ev.scratch[:len(indices)]
	for i, idx := range indices {
		out[i] = dose.Data[idx]
	}
	sort.Float64s(out)
	return out
}

// doseAtVolume returns the dose exceeded by exactly v percent of the
// structure volume: index floor((1-v/100)*N) into the ascending sorted
// vector.
func doseAtVolume(sorted []float64, volumePercent float64) float64 {
	n := len(sorted)
	idx := int(math.Floor((1.0 - volumePercent/100.0) * float64(n)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

func (ev *Evaluator) penalty(obj model.Objective, indices []int, mask *model.Structure, dose *model.Volume) (float64, error) {
	sorted := ev.doseAt(indices, dose)
	if len(sorted) == 0 {
		return 0, nil
	}
	switch obj.Kind {
	case model.ObjectiveMaxDose:
		maxDose := sorted[len(sorted)-1]
		if maxDose > obj.Dose {
			d := maxDose - obj.Dose
			return d * d, nil
		}
		return 0, nil

	case model.ObjectiveMinDose:
		minDose := sorted[0]
		if minDose < obj.Dose {
			d := obj.Dose - minDose
			return d * d, nil
		}
		return 0, nil

	case model.ObjectiveMaxDVH:
		d := doseAtVolume(sorted, obj.VolumePercent)
		if d > obj.Dose {
			diff := d - obj.Dose
			return diff * diff, nil
		}
		return 0, nil

	case model.ObjectiveMinDVH:
		d := doseAtVolume(sorted, obj.VolumePercent)
		if d < obj.Dose {
			diff := obj.Dose - d
			return diff * diff, nil
		}
		return 0, nil

	case model.ObjectiveMeanDose:
		mean := stat.Mean(sorted, nil)
		diff := mean - obj.Dose
		return diff * diff, nil

	case model.ObjectiveConformity:
		ci := PaddickCI(dose, mask, obj.Dose)
		return 1.0 - ci, nil

	case model.ObjectiveHomogeneity:
		d98 := sorted[int(0.02*float64(len(sorted)))]
		d2 := sorted[int(0.98*float64(len(sorted)))]
		if d98 <= 0 {
			return 0, nil
		}
		hi := d2/d98 - 1.0
		return hi * hi * 100, nil

	case model.ObjectiveUniformity:
		mean := stat.Mean(sorted, nil)
		if mean <= 0 {
			return 0, nil
		}
		variance := 0.0
		for _, d := range sorted {
			diff := d - mean
			variance += diff * diff
		}
		variance /= float64(len(sorted))
		cv := math.Sqrt(variance) / mean
		return cv * cv * 100, nil
	}
	return 0, model.NewError(model.KindConfigError, fmt.Sprintf("unknown objective kind %q", obj.Kind))
}

// PaddickCI computes the Paddick conformity index
// TV_PIV^2 / (TV * PIV), where PIV is the volume receiving at least
// targetDose and TV is the structure mask. The result lies in [0, 1] and
// reaches 1 exactly when the prescription isodose coincides with the
// target.
func PaddickCI(dose *model.Volume, target *model.Structure, targetDose float64) float64 {
	tv := 0
	tvpiv := 0
	piv := 0
	for i, d := range dose.Data {
		covered := d >= targetDose
		if covered {
			piv++
		}
		if target.Mask[i] {
			tv++
			if covered {
				tvpiv++
			}
		}
	}
	if tv == 0 || piv == 0 {
		return 0
	}
	return float64(tvpiv) * float64(tvpiv) / (float64(tv) * float64(piv))
}
