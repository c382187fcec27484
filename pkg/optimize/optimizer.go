// Package optimize searches beam-weight space for the vector minimizing
// the composite plan objective. Two backends share the same objective
// oracle: deterministic gradient descent with finite differences, and a
// genetic algorithm with elitism and tournament selection.
package optimize

import (
	"context"

	"github.com/sirupsen/logrus"

	"radplan/pkg/config"
	"radplan/pkg/model"
)

// Oracle evaluates the total objective for a weight vector. Oracles are
// not required to be safe for concurrent use; callers that evaluate in
// parallel obtain one oracle per worker from a Factory.
type Oracle func(w []float64) (float64, error)

// Factory produces independent oracles over the same objective so the
// finite-difference gradient can evaluate weight perturbations in
// parallel.
type Factory func() (Oracle, error)

// Result is the outcome of an optimization run. The returned weight
// vector always satisfies sum(w) = 1 and w >= 0 component-wise, and its
// objective never exceeds the objective of the initial uniform vector.
type Result struct {
	Weights          []float64
	Objective        float64
	InitialObjective float64
	Iterations       int
	Converged        bool
	// Partial is set when cancellation or a timeout interrupted the
	// search; Weights then holds the best vector seen so far.
	Partial bool
}

// Optimizer is one search backend.
type Optimizer interface {
	Name() string

	// Optimize minimizes the objective over n weights, starting from the
	// uniform vector. Cancellation is observed between iterations.
	Optimize(ctx context.Context, n int, factory Factory) (*Result, error)
}

// New resolves the configured backend.
func New(cfg *config.Config, log *logrus.Logger) (Optimizer, error) {
	if log == nil {
		log = logrus.New()
	}
	opt := cfg.Optimization
	switch opt.Algorithm {
	case config.OptGradient:
		return &GradientDescent{
			LearningRate:         opt.LearningRate,
			MaxIterations:        opt.MaxIterations,
			ConvergenceThreshold: opt.ConvergenceThreshold,
			Workers:              cfg.DoseCalculation.Threads,
			log:                  log,
		}, nil
	case config.OptGenetic:
		return &Genetic{
			PopulationSize: opt.PopulationSize,
			MaxGenerations: opt.MaxIterations,
			MutationRate:   opt.MutationRate,
			CrossoverRate:  opt.CrossoverRate,
			Seed:           cfg.MonteCarlo.Seed,
			log:            log,
		}, nil
	default:
		return nil, model.NewError(model.KindConfigError, "unrecognized optimization algorithm "+opt.Algorithm)
	}
}

// uniformWeights returns the 1/n starting vector.
func uniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}
