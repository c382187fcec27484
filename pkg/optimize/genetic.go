package optimize

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/sirupsen/logrus"

	"radplan/pkg/model"
)

// geneticFitnessTarget terminates the search early once the best fitness
// drops below it.
const geneticFitnessTarget = 1e-4

// Genetic minimizes the objective with a generational genetic algorithm:
// the top 10% of each generation survives as elites, the rest is rebuilt
// by tournament selection, one-point crossover and per-gene mutation.
// A fixed seed makes the whole run deterministic.
type Genetic struct {
	PopulationSize int
	MaxGenerations int
	MutationRate   float64
	CrossoverRate  float64
	Seed           int64

	log *logrus.Logger
}

// Name implements Optimizer.
func (g *Genetic) Name() string { return "genetic" }

type individual struct {
	genes   []float64
	fitness float64
}

// Optimize implements Optimizer.
func (g *Genetic) Optimize(ctx context.Context, n int, factory Factory) (*Result, error) {
	if n < 1 {
		return nil, model.NewError(model.KindConfigError, "cannot optimize an empty weight vector")
	}
	if g.log == nil {
		g.log = logrus.New()
	}
	oracle, err := factory()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(uint64(g.Seed), uint64(g.Seed)^0x9e3779b97f4a7c15))

	// Individual 0 is the uniform vector so the monotone-improvement
	// contract against the uniform start holds by elitism.
	pop := make([]individual, g.PopulationSize)
	pop[0] = individual{genes: uniformWeights(n)}
	for i := 1; i < g.PopulationSize; i++ {
		genes := make([]float64, n)
		for j := range genes {
			genes[j] = rng.Float64()
		}
		model.NormalizeWeightVector(genes)
		pop[i] = individual{genes: genes}
	}

	evaluate := func(ind *individual) error {
		f, err := oracle(ind.genes)
		if err != nil {
			return err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return model.NewError(model.KindNumericFailure, "fitness is not finite")
		}
		ind.fitness = f
		return nil
	}

	for i := range pop {
		if err := evaluate(&pop[i]); err != nil {
			return nil, err
		}
	}
	initial := pop[0].fitness

	sortByFitness(pop)
	res := &Result{
		Weights:          append([]float64(nil), pop[0].genes...),
		Objective:        pop[0].fitness,
		InitialObjective: initial,
	}

	elites := g.PopulationSize / 10
	if elites < 1 {
		elites = 1
	}

	for gen := 0; gen < g.MaxGenerations; gen++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Partial = true
			return res, model.WrapError(model.KindCancelled, "genetic optimization interrupted", ctxErr)
		}
		if res.Objective < geneticFitnessTarget {
			res.Converged = true
			g.log.WithFields(logrus.Fields{"generation": gen, "fitness": res.Objective}).
				Info("genetic optimizer reached the fitness target")
			break
		}

		next := make([]individual, 0, g.PopulationSize)
		for i := 0; i < elites; i++ {
			next = append(next, individual{
				genes:   append([]float64(nil), pop[i].genes...),
				fitness: pop[i].fitness,
			})
		}
		for len(next) < g.PopulationSize {
			parentA := g.tournament(rng, pop)
			parentB := g.tournament(rng, pop)
			child := g.crossover(rng, parentA, parentB)
			g.mutate(rng, child)
			model.NormalizeWeightVector(child)
			ind := individual{genes: child}
			if err := evaluate(&ind); err != nil {
				return res, err
			}
			next = append(next, ind)
		}
		pop = next
		sortByFitness(pop)

		if pop[0].fitness < res.Objective {
			res.Objective = pop[0].fitness
			copy(res.Weights, pop[0].genes)
		}
		res.Iterations = gen + 1
	}

	if !res.Converged {
		g.log.WithFields(logrus.Fields{"generations": res.Iterations, "fitness": res.Objective}).
			Warn("genetic optimizer exhausted max_generations without reaching the fitness target")
	}
	return res, nil
}

func sortByFitness(pop []individual) {
	sort.SliceStable(pop, func(i, j int) bool { return pop[i].fitness < pop[j].fitness })
}

// tournament picks the fittest of k=3 uniformly drawn individuals.
func (g *Genetic) tournament(rng *rand.Rand, pop []individual) []float64 {
	const k = 3
	best := -1
	for i := 0; i < k; i++ {
		idx := rng.IntN(len(pop))
		if best < 0 || pop[idx].fitness < pop[best].fitness {
			best = idx
		}
	}
	return pop[best].genes
}

// crossover performs one-point crossover with probability CrossoverRate,
// otherwise clones the first parent.
func (g *Genetic) crossover(rng *rand.Rand, a, b []float64) []float64 {
	n := len(a)
	child := make([]float64, n)
	if rng.Float64() >= g.CrossoverRate || n < 2 {
		copy(child, a)
		return child
	}
	point := 1 + rng.IntN(n-1)
	copy(child[:point], a[:point])
	copy(child[point:], b[point:])
	return child
}

// mutate perturbs each gene with probability MutationRate by a uniform
// draw from [-0.2, 0.2], clamped to [0, 1].
func (g *Genetic) mutate(rng *rand.Rand, genes []float64) {
	for i := range genes {
		if rng.Float64() < g.MutationRate {
			genes[i] += (rng.Float64() - 0.5) * 0.4
			if genes[i] < 0 {
				genes[i] = 0
			}
			if genes[i] > 1 {
				genes[i] = 1
			}
		}
	}
}
