package optimize

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"radplan/pkg/model"
)

// fdStep is the forward finite-difference step used for the gradient.
const fdStep = 1e-5

// GradientDescent minimizes the objective by projected gradient steps:
// w <- max(0, w - eta*grad f), renormalized to sum 1 after every step.
type GradientDescent struct {
	LearningRate         float64
	MaxIterations        int
	ConvergenceThreshold float64
	// Workers bounds the parallel finite-difference evaluations; each
	// worker owns its own oracle.
	Workers int

	log *logrus.Logger
}

// Name implements Optimizer.
func (g *GradientDescent) Name() string { return "gradient" }

// Optimize implements Optimizer.
func (g *GradientDescent) Optimize(ctx context.Context, n int, factory Factory) (*Result, error) {
	if n < 1 {
		return nil, model.NewError(model.KindConfigError, "cannot optimize an empty weight vector")
	}
	if g.log == nil {
		g.log = logrus.New()
	}
	workers := g.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	oracle, err := factory()
	if err != nil {
		return nil, err
	}
	// One oracle per worker for the parallel gradient sweep.
	workerOracles := make([]Oracle, workers)
	for i := range workerOracles {
		if workerOracles[i], err = factory(); err != nil {
			return nil, err
		}
	}

	w := uniformWeights(n)
	f, err := oracle(w)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, model.NewError(model.KindNumericFailure, "objective is not finite at the initial weights")
	}

	res := &Result{
		Weights:          append([]float64(nil), w...),
		Objective:        f,
		InitialObjective: f,
	}
	grad := make([]float64, n)
	fPrev := math.MaxFloat64

	for iter := 0; iter < g.MaxIterations; iter++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Partial = true
			return res, model.WrapError(model.KindCancelled, "optimization interrupted", ctxErr)
		}

		if math.Abs(fPrev-f) < g.ConvergenceThreshold {
			res.Converged = true
			g.log.WithFields(logrus.Fields{"iterations": iter, "objective": f}).Info("gradient descent converged")
			break
		}
		fPrev = f

		if err := g.gradient(w, f, grad, workerOracles); err != nil {
			return res, err
		}

		for i := range w {
			w[i] -= g.LearningRate * grad[i]
			if w[i] < 0 {
				w[i] = 0
			}
		}
		model.NormalizeWeightVector(w)

		if f, err = oracle(w); err != nil {
			return res, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return res, model.NewError(model.KindNumericFailure, "objective became non-finite during optimization")
		}
		res.Iterations = iter + 1

		// Keep the best vector seen so the monotone-improvement contract
		// holds even if a step overshoots.
		if f < res.Objective {
			res.Objective = f
			copy(res.Weights, w)
		}
	}

	if !res.Converged {
		g.log.WithFields(logrus.Fields{"iterations": res.Iterations, "objective": res.Objective}).
			Warn("gradient descent exhausted max_iterations without converging")
	}
	return res, nil
}

// gradient fills grad with the forward finite-difference gradient of the
// objective at w, evaluating perturbed vectors in parallel across weight
// indices.
func (g *GradientDescent) gradient(w []float64, f float64, grad []float64, oracles []Oracle) error {
	workers := len(oracles)
	n := len(w)
	chunk := (n + workers - 1) / workers

	errs := make([]error, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		lo := worker * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(worker, lo, hi int) {
			defer wg.Done()
			oracle := oracles[worker]
			perturbed := make([]float64, n)
			for i := lo; i < hi; i++ {
				copy(perturbed, w)
				perturbed[i] += fdStep
				fi, err := oracle(perturbed)
				if err != nil {
					errs[worker] = err
					return
				}
				grad[i] = (fi - f) / fdStep
			}
		}(worker, lo, hi)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for i, gi := range grad {
		if math.IsNaN(gi) || math.IsInf(gi, 0) {
			return model.NewError(model.KindNumericFailure,
				fmt.Sprintf("finite-difference gradient is not finite at weight %d", i))
		}
	}
	return nil
}
