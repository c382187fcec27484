// Package engine computes 3D absorbed-dose distributions for external
// beam plans on a voxelized patient model. It dispatches between the
// convolution algorithms (collapsed cone, pencil beam, AAA) and the
// Monte Carlo transport engine, runs the per-beam superposition loop in
// parallel over voxel slabs, and normalizes the summed dose to the
// prescription.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"radplan/pkg/config"
	"radplan/pkg/hu"
	"radplan/pkg/kernel"
	"radplan/pkg/model"
	"radplan/pkg/trace"
)

// Result carries the outcome of a dose calculation.
type Result struct {
	Dose *model.Volume

	// NormalizationSkipped is set when no PTV mask was available or the
	// PTV mean dose was zero.
	NormalizationSkipped bool

	// Partial is set when the calculation was cancelled or timed out; Dose
	// then holds the most recent consistent state (the sum over completed
	// beams).
	Partial bool

	// BeamsCompleted counts the beams whose contribution is in Dose.
	BeamsCompleted int

	Warnings []string
}

// Engine orchestrates per-beam dose computation for a plan.
type Engine struct {
	cfg   *config.Config
	algo  Algorithm
	mc    bool
	table *hu.Table
	cache *kernel.Cache
	log   *logrus.Logger
}

// New builds an engine from the configuration, resolving the dose
// algorithm and the HU-to-density table at setup.
func New(cfg *config.Config, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{cfg: cfg, log: log}

	if cfg.DoseCalculation.Algorithm == config.AlgoMonteCarlo {
		e.mc = true
		// Deterministic kernels are still needed for the optimizer's
		// per-control-point fields; Monte Carlo shares the CCC kernels.
		e.algo = CollapsedCone{}
	} else {
		algo, err := algorithmFor(cfg.DoseCalculation.Algorithm)
		if err != nil {
			return nil, err
		}
		e.algo = algo
	}
	if cfg.DoseCalculation.Algorithm == config.AlgoAcuros {
		log.Warn("acuros is approximated by the AAA kernel path")
	}

	if path := cfg.DoseCalculation.HUToDensityTable; path != "" {
		table, err := hu.LoadTable(path)
		if err != nil {
			return nil, err
		}
		e.table = table
	} else {
		e.table = hu.DefaultTable()
	}

	cache, err := kernel.NewCache(32)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	return e, nil
}

// Algorithm returns the resolved dose algorithm name.
func (e *Engine) Algorithm() string {
	if e.mc {
		return "Monte Carlo"
	}
	return e.algo.Name()
}

// DensityVolume derives the relative electron-density volume from a CT
// image via the configured conversion table.
func (e *Engine) DensityVolume(ct *model.HUVolume) (*model.Volume, error) {
	return e.table.ConvertVolume(ct)
}

// ComputeDose produces the plan's absorbed-dose grid: per-beam dose summed
// with the plan's control-point weights, then scaled so the mean PTV dose
// equals the prescription. Cancellation and deadlines are observed at beam
// boundaries; on expiry the sum over completed beams is returned with
// Partial set alongside a Cancelled error.
func (e *Engine) ComputeDose(ctx context.Context, plan *model.Plan, ct *model.HUVolume, structures *model.StructureSet) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if structures != nil && !ct.Grid.Same(structures.Grid()) {
		return nil, model.NewError(model.KindInvalidGeometry, "CT and structure set grids disagree on shape or spacing")
	}

	density, err := e.table.ConvertVolume(ct)
	if err != nil {
		return nil, err
	}
	dose, err := model.NewVolume(ct.Grid)
	if err != nil {
		return nil, err
	}

	weights := plan.Weights
	if len(weights) == 0 {
		plan.InitWeights()
		weights = plan.Weights
	}

	res := &Result{Dose: dose}
	cpOffset := 0
	for i, beam := range plan.Beams {
		if err := ctx.Err(); err != nil {
			e.log.WithFields(logrus.Fields{"beam": beam.ID, "completed": res.BeamsCompleted}).
				Warn("dose calculation interrupted, returning partial grid")
			res.Partial = true
			return res, model.WithContext(model.WrapError(model.KindCancelled, "dose calculation interrupted", err), "engine", i)
		}
		cps := beam.ExpandedControlPoints()
		effWeights := make([]float64, len(cps))
		for j := range cps {
			effWeights[j] = weights[cpOffset+j]
		}
		cpOffset += len(cps)

		e.log.WithFields(logrus.Fields{
			"beam":           beam.ID,
			"algorithm":      e.Algorithm(),
			"control_points": len(cps),
		}).Info("computing beam dose")

		// Each beam accumulates into its own buffer first, so an
		// interruption mid-beam leaves the plan grid at the last
		// completed beam boundary.
		beamDose, err := model.NewVolume(ct.Grid)
		if err != nil {
			return nil, err
		}
		var beamErr error
		if e.mc {
			beamErr = e.monteCarloBeam(ctx, density, beam, cps, effWeights, beamDose)
		} else {
			beamErr = e.superposeBeam(ctx, density, beam, cps, effWeights, beamDose)
		}
		if beamErr != nil {
			if model.IsKind(beamErr, model.KindCancelled) {
				res.Partial = true
				return res, model.WithContext(beamErr, "engine", i)
			}
			return nil, model.WithContext(beamErr, "beam", i)
		}
		if err := dose.AddScaled(beamDose, 1); err != nil {
			return nil, model.WithContext(err, "beam", i)
		}
		res.BeamsCompleted++
	}

	if err := dose.CheckFinite(); err != nil {
		return nil, model.WithContext(err, "engine", -1)
	}

	if skipped, warning := e.normalize(dose, plan, structures); skipped {
		res.NormalizationSkipped = true
		res.Warnings = append(res.Warnings, warning)
	}
	return res, nil
}

// ComputeControlPointDoses returns the unweighted dose field of every
// control point across all beams, in beam order. The plan dose for any
// weight vector w is then the weighted sum of these fields, which is what
// the optimizer exploits.
func (e *Engine) ComputeControlPointDoses(ctx context.Context, plan *model.Plan, ct *model.HUVolume) ([]*model.Volume, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	density, err := e.table.ConvertVolume(ct)
	if err != nil {
		return nil, err
	}
	var fields []*model.Volume
	for i, beam := range plan.Beams {
		if err := ctx.Err(); err != nil {
			return nil, model.WithContext(model.WrapError(model.KindCancelled, "control-point dose computation interrupted", err), "engine", i)
		}
		for _, cp := range beam.ExpandedControlPoints() {
			field, err := model.NewVolume(ct.Grid)
			if err != nil {
				return nil, err
			}
			if e.mc {
				err = e.monteCarloBeam(ctx, density, beam, []model.ControlPoint{cp}, []float64{1}, field)
			} else {
				err = e.superposeBeam(ctx, density, beam, []model.ControlPoint{cp}, []float64{1}, field)
			}
			if err != nil {
				return nil, model.WithContext(err, "beam", i)
			}
			fields = append(fields, field)
		}
	}
	return fields, nil
}

// superposeBeam runs the shared per-beam loop of the deterministic
// algorithms: for each control point, a radiological depth field, the
// aperture test, and a kernel-weighted neighborhood sum scaled by
// inverse-square falloff, depth attenuation, wedge modulation and the
// control-point weight.
func (e *Engine) superposeBeam(ctx context.Context, density *model.Volume, beam *model.Beam,
	cps []model.ControlPoint, effWeights []float64, out *model.Volume) error {

	grid := density.Grid
	workers := e.cfg.DoseCalculation.Threads
	tracer := trace.NewTracer(density, workers)
	mu := attenuationCoeff(beam.Modality, beam.Energy)

	k, err := e.algo.Kernel(e.cache, beam.Modality, beam.Energy, e.cfg.DoseCalculation.ResolutionMM)
	if err != nil {
		return err
	}

	// Depth fields are shared between control points with the same
	// direction, which covers every static beam.
	depthCache := make(map[[3]float64]*model.Volume)

	for ci, cp := range cps {
		if err := ctx.Err(); err != nil {
			return model.WrapError(model.KindCancelled, "beam computation interrupted", err)
		}
		effW := effWeights[ci] * cp.Weight
		if effW == 0 {
			continue
		}

		gantry := beam.Gantry
		if beam.Arc != nil {
			gantry = cp.GantryAngle
		}
		dir := model.DirectionFor(gantry, beam.Couch)

		depth, ok := depthCache[dir]
		if !ok {
			depth, err = tracer.DepthField(dir, beam.Isocenter, beam.SSD)
			if err != nil {
				return err
			}
			depthCache[dir] = depth
		}

		ap := newAperture(beam, cp, dir)

		var wg sync.WaitGroup
		slabSize := (grid.NZ + workers - 1) / workers
		for worker := 0; worker < workers; worker++ {
			z0 := worker * slabSize
			z1 := min(z0+slabSize, grid.NZ)
			if z0 >= z1 {
				break
			}
			wg.Add(1)
			go func(z0, z1 int) {
				defer wg.Done()
				e.accumulateSlab(density, depth, ap, k, beam.SSD, mu, effW, out, z0, z1)
			}(z0, z1)
		}
		wg.Wait()
	}
	return nil
}

// accumulateSlab deposits the control-point dose into the z-slab
// [z0, z1). Each worker owns a disjoint slab, so writes never race and the
// accumulation order is fixed, keeping runs bit-identical.
func (e *Engine) accumulateSlab(density, depth *model.Volume, ap *aperture, k *kernel.Kernel,
	ssd, mu, effW float64, out *model.Volume, z0, z1 int) {

	grid := density.Grid
	center := k.Center()
	for z := z0; z < z1; z++ {
		for y := 0; y < grid.NY; y++ {
			for x := 0; x < grid.NX; x++ {
				p := grid.World(x, y, z)
				t, uc, wc := ap.project(p)
				if !ap.contains(t, uc, wc) {
					continue
				}

				// Kernel-weighted neighborhood sum over electron density.
				sum := 0.0
				for l := 0; l < k.Size; l++ {
					nz := z + l - center
					if nz < 0 || nz >= grid.NZ {
						continue
					}
					for j := 0; j < k.Size; j++ {
						ny := y + j - center
						if ny < 0 || ny >= grid.NY {
							continue
						}
						rowBase := nz*grid.NY*grid.NX + ny*grid.NX
						for i := 0; i < k.Size; i++ {
							nx := x + i - center
							if nx < 0 || nx >= grid.NX {
								continue
							}
							sum += k.At(i, j, l) * density.Data[rowBase+nx]
						}
					}
				}

				d := depth.Data[grid.Index(x, y, z)]
				invSquare := (ssd / (ssd + d))
				invSquare *= invSquare
				atten := math.Exp(-mu * d)
				val := sum * invSquare * atten * ap.wedgeFactor(uc, wc) * effW
				out.Data[grid.Index(x, y, z)] += val
			}
		}
	}
}

// normalize rescales the grid so the mean dose inside the primary PTV
// equals the prescription. Returns (true, warning) when normalization had
// to be skipped.
func (e *Engine) normalize(dose *model.Volume, plan *model.Plan, structures *model.StructureSet) (bool, string) {
	var ptv *model.Structure
	if structures != nil {
		ptv = structures.PrimaryTarget()
	}
	if ptv == nil {
		warning := "no PTV structure available, dose normalization skipped"
		e.log.Warn(warning)
		return true, warning
	}
	factor, err := NormalizeToTarget(dose, ptv, plan.PrescribedDose)
	if err != nil {
		warning := fmt.Sprintf("dose normalization skipped: %v", err)
		e.log.Warn(warning)
		return true, warning
	}
	e.log.WithFields(logrus.Fields{"ptv": ptv.Name, "factor": factor}).Info("dose normalized to prescription")
	return false, ""
}

// NormalizeToTarget scales the grid so the mean dose within the target
// mask equals prescribedDose, returning the applied factor. A missing or
// unirradiated target yields a MissingStructure error and leaves the grid
// untouched.
func NormalizeToTarget(dose *model.Volume, target *model.Structure, prescribedDose float64) (float64, error) {
	if target == nil {
		return 0, model.NewError(model.KindMissingStructure, "no target mask for normalization")
	}
	if !dose.Grid.Same(target.Grid) {
		return 0, model.NewError(model.KindInvalidGeometry, "target mask does not match the dose grid")
	}
	sum := 0.0
	count := 0
	for i, in := range target.Mask {
		if in {
			sum += dose.Data[i]
			count++
		}
	}
	if count == 0 || sum == 0 {
		return 0, model.NewError(model.KindMissingStructure,
			fmt.Sprintf("target %q receives no dose, cannot normalize", target.Name))
	}
	mean := sum / float64(count)
	factor := prescribedDose / mean
	dose.Scale(factor)
	return factor, nil
}
