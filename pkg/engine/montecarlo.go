package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"radplan/pkg/model"
)

// monteCarloBeam replaces the superposition loop with iterative particle
// transport. Particles are launched in batches; the run terminates when
// the batch-to-batch statistical uncertainty drops below the configured
// target or the batch limit is reached. Each (batch, worker) pair draws
// from its own PCG stream seeded from the configured seed, so parallel
// streams are disjoint and a fixed seed reproduces the dose bit for bit.
func (e *Engine) monteCarloBeam(ctx context.Context, density *model.Volume, beam *model.Beam,
	cps []model.ControlPoint, effWeights []float64, out *model.Volume) error {

	cfg := e.cfg.MonteCarlo
	grid := density.Grid
	workers := e.cfg.DoseCalculation.Threads
	mu := attenuationCoeff(beam.Modality, beam.Energy)
	step := 0.5 * grid.MinSpacing()

	for ci, cp := range cps {
		effW := effWeights[ci] * cp.Weight
		if effW == 0 {
			continue
		}
		gantry := beam.Gantry
		if beam.Arc != nil {
			gantry = cp.GantryAngle
		}
		dir := model.DirectionFor(gantry, beam.Couch)
		ap := newAperture(beam, cp, dir)
		source := [3]float64{
			beam.Isocenter[0] - dir[0]*beam.SSD,
			beam.Isocenter[1] - dir[1]*beam.SSD,
			beam.Isocenter[2] - dir[2]*beam.SSD,
		}

		cpDose, err := model.NewVolume(grid)
		if err != nil {
			return err
		}

		var batchTotals []float64
		launched := 0
		for batch := 0; batch < cfg.MaxIterations; batch++ {
			if err := ctx.Err(); err != nil {
				return model.WrapError(model.KindCancelled, "Monte Carlo interrupted between batches", err)
			}

			shadows := make([]*model.Volume, workers)
			for worker := range shadows {
				shadow, err := model.NewVolume(grid)
				if err != nil {
					return err
				}
				shadows[worker] = shadow
			}
			perWorker := cfg.NumParticlesPerIteration / workers
			if perWorker < 1 {
				perWorker = 1
			}

			var wg sync.WaitGroup
			for worker := 0; worker < workers; worker++ {
				wg.Add(1)
				go func(worker int, shadow *model.Volume) {
					defer wg.Done()
					stream := rand.New(rand.NewPCG(
						uint64(cfg.Seed),
						uint64(ci)<<40|uint64(batch)<<20|uint64(worker),
					))
					for p := 0; p < perWorker; p++ {
						e.transportParticle(stream, density, ap, source, mu, step, shadow)
					}
				}(worker, shadows[worker])
			}
			wg.Wait()
			launched += perWorker * workers

			// Reduce the per-worker shadows in worker order so the sum is
			// deterministic.
			batchTotal := 0.0
			for _, shadow := range shadows {
				for i, d := range shadow.Data {
					cpDose.Data[i] += d
					batchTotal += d
				}
			}
			batchTotals = append(batchTotals, batchTotal)

			if len(batchTotals) >= 2 {
				mean, std := stat.MeanStdDev(batchTotals, nil)
				if mean > 0 {
					relPct := std / mean / math.Sqrt(float64(len(batchTotals))) * 100
					e.log.WithFields(logrus.Fields{
						"beam":        beam.ID,
						"batch":       batch + 1,
						"uncertainty": relPct,
					}).Debug("Monte Carlo batch complete")
					if relPct <= cfg.TargetUncertainty {
						break
					}
				}
			}
		}

		// Average over launched particles and apply the control-point
		// weight before merging into the beam dose.
		if launched == 0 {
			continue
		}
		norm := effW / float64(launched)
		for i, d := range cpDose.Data {
			out.Data[i] += d * norm
		}
	}
	return nil
}

// transportParticle propagates one photon history: a ray sampled through
// the aperture, attenuated along its path, depositing energy locally at
// each step. Histories that miss the open aperture deposit nothing.
func (e *Engine) transportParticle(stream *rand.Rand, density *model.Volume, ap *aperture,
	source [3]float64, mu, step float64, shadow *model.Volume) {

	// Sample the fluence plane uniformly over the jaw window.
	uc := ap.jawU[0] + stream.Float64()*(ap.jawU[1]-ap.jawU[0])
	wc := ap.jawV[0] + stream.Float64()*(ap.jawV[1]-ap.jawV[0])
	if !ap.contains(0, uc, wc) {
		return
	}

	// Aim at the sampled point in the isocenter plane.
	target := [3]float64{
		ap.iso[0] + uc*ap.u[0] + wc*ap.w[0],
		ap.iso[1] + uc*ap.u[1] + wc*ap.w[1],
		ap.iso[2] + uc*ap.u[2] + wc*ap.w[2],
	}
	dx := target[0] - source[0]
	dy := target[1] - source[1]
	dz := target[2] - source[2]
	norm := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if norm == 0 {
		return
	}
	dir := [3]float64{dx / norm, dy / norm, dz / norm}

	grid := density.Grid
	maxPath := ap.ssd + 2*math.Sqrt(
		math.Pow(float64(grid.NX)*grid.Spacing[0], 2)+
			math.Pow(float64(grid.NY)*grid.Spacing[1], 2)+
			math.Pow(float64(grid.NZ)*grid.Spacing[2], 2))

	weight := 1.0
	for travelled := 0.0; travelled < maxPath && weight > 1e-3; travelled += step {
		px := source[0] + dir[0]*travelled
		py := source[1] + dir[1]*travelled
		pz := source[2] + dir[2]*travelled
		x, y, z := grid.Voxel([3]float64{px, py, pz})
		if !grid.Contains(x, y, z) {
			continue
		}
		rho := density.Data[grid.Index(x, y, z)]
		if rho <= 0 {
			continue
		}
		interaction := mu * rho * step
		shadow.Data[grid.Index(x, y, z)] += weight * interaction
		weight *= math.Exp(-interaction)
	}
}
