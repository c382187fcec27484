// Package config loads and validates the runtime configuration for the
// planning engine from YAML files and RADPLAN_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"radplan/pkg/model"
)

// Algorithm names accepted for dose_calculation.algorithm.
const (
	AlgoCollapsedCone = "collapsed_cone"
	AlgoPencilBeam    = "pencil_beam"
	AlgoAAA           = "aaa"
	AlgoAcuros        = "acuros"
	AlgoMonteCarlo    = "monte_carlo"
)

// Optimizer names accepted for optimization.algorithm.
const (
	OptGradient = "gradient"
	OptGenetic  = "genetic"
)

// DoseCalculation configures the dose engine.
type DoseCalculation struct {
	Algorithm        string  `mapstructure:"algorithm"`
	ResolutionMM     float64 `mapstructure:"resolution_mm"`
	Threads          int     `mapstructure:"threads"`
	HUToDensityTable string  `mapstructure:"hu_to_density_table"`
}

// Optimization configures the weight optimizer.
type Optimization struct {
	Algorithm            string  `mapstructure:"algorithm"`
	MaxIterations        int     `mapstructure:"max_iterations"`
	ConvergenceThreshold float64 `mapstructure:"convergence_threshold"`
	LearningRate         float64 `mapstructure:"learning_rate"`
	PopulationSize       int     `mapstructure:"population_size"`
	MutationRate         float64 `mapstructure:"mutation_rate"`
	CrossoverRate        float64 `mapstructure:"crossover_rate"`
}

// MonteCarlo configures the stochastic transport engine.
type MonteCarlo struct {
	NumParticlesPerIteration int     `mapstructure:"num_particles_per_iteration"`
	TargetUncertainty        float64 `mapstructure:"target_uncertainty"`
	MaxIterations            int     `mapstructure:"max_iterations"`
	Seed                     int64   `mapstructure:"seed"`
}

// Output configures the supplementary artifacts written next to the plan
// bundle.
type Output struct {
	Directory      string `mapstructure:"directory"`
	SaveDoseSlices bool   `mapstructure:"save_dose_slices"`
	DVHPlot        bool   `mapstructure:"dvh_plot"`
}

// Config is the full engine configuration.
type Config struct {
	DoseCalculation DoseCalculation `mapstructure:"dose_calculation"`
	Optimization    Optimization    `mapstructure:"optimization"`
	MonteCarlo      MonteCarlo      `mapstructure:"monte_carlo"`
	Output          Output          `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dose_calculation.algorithm", AlgoCollapsedCone)
	v.SetDefault("dose_calculation.resolution_mm", 2.5)
	v.SetDefault("dose_calculation.threads", 4)
	v.SetDefault("dose_calculation.hu_to_density_table", "")

	v.SetDefault("optimization.algorithm", OptGradient)
	v.SetDefault("optimization.max_iterations", 100)
	v.SetDefault("optimization.convergence_threshold", 1e-4)
	v.SetDefault("optimization.learning_rate", 0.01)
	v.SetDefault("optimization.population_size", 50)
	v.SetDefault("optimization.mutation_rate", 0.1)
	v.SetDefault("optimization.crossover_rate", 0.8)

	v.SetDefault("monte_carlo.num_particles_per_iteration", 100000)
	v.SetDefault("monte_carlo.target_uncertainty", 2.0)
	v.SetDefault("monte_carlo.max_iterations", 20)
	v.SetDefault("monte_carlo.seed", 1)

	v.SetDefault("output.directory", "radplan_output")
	v.SetDefault("output.save_dose_slices", false)
	v.SetDefault("output.dvh_plot", true)
}

// Default returns the configuration with every option at its default.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads the configuration from an optional YAML file, layered under
// RADPLAN_* environment variables, and validates it. An empty path uses
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RADPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, model.WrapError(model.KindConfigError, "reading configuration file", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, model.WrapError(model.KindConfigError, "unmarshaling configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every parameter range; violations are fatal at setup.
func (c *Config) Validate() error {
	switch c.DoseCalculation.Algorithm {
	case AlgoCollapsedCone, AlgoPencilBeam, AlgoAAA, AlgoAcuros, AlgoMonteCarlo:
	default:
		return model.NewError(model.KindConfigError,
			fmt.Sprintf("unrecognized dose algorithm %q", c.DoseCalculation.Algorithm))
	}
	if c.DoseCalculation.ResolutionMM <= 0 {
		return model.NewError(model.KindConfigError,
			fmt.Sprintf("dose_calculation.resolution_mm must be positive, got %g", c.DoseCalculation.ResolutionMM))
	}
	if c.DoseCalculation.Threads < 1 {
		return model.NewError(model.KindConfigError,
			fmt.Sprintf("dose_calculation.threads must be >= 1, got %d", c.DoseCalculation.Threads))
	}

	switch c.Optimization.Algorithm {
	case OptGradient, OptGenetic:
	default:
		return model.NewError(model.KindConfigError,
			fmt.Sprintf("unrecognized optimizer %q", c.Optimization.Algorithm))
	}
	if c.Optimization.MaxIterations < 1 {
		return model.NewError(model.KindConfigError, "optimization.max_iterations must be >= 1")
	}
	if c.Optimization.ConvergenceThreshold <= 0 {
		return model.NewError(model.KindConfigError, "optimization.convergence_threshold must be positive")
	}
	if c.Optimization.LearningRate <= 0 {
		return model.NewError(model.KindConfigError, "optimization.learning_rate must be positive")
	}
	if c.Optimization.Algorithm == OptGenetic {
		if c.Optimization.PopulationSize < 2 {
			return model.NewError(model.KindConfigError, "optimization.population_size must be >= 2")
		}
		if c.Optimization.MutationRate < 0 || c.Optimization.MutationRate > 1 {
			return model.NewError(model.KindConfigError, "optimization.mutation_rate must be in [0,1]")
		}
		if c.Optimization.CrossoverRate < 0 || c.Optimization.CrossoverRate > 1 {
			return model.NewError(model.KindConfigError, "optimization.crossover_rate must be in [0,1]")
		}
	}

	if c.DoseCalculation.Algorithm == AlgoMonteCarlo {
		if c.MonteCarlo.NumParticlesPerIteration < 1 {
			return model.NewError(model.KindConfigError, "monte_carlo.num_particles_per_iteration must be >= 1")
		}
		if c.MonteCarlo.TargetUncertainty <= 0 {
			return model.NewError(model.KindConfigError, "monte_carlo.target_uncertainty must be positive")
		}
		if c.MonteCarlo.MaxIterations < 1 {
			return model.NewError(model.KindConfigError, "monte_carlo.max_iterations must be >= 1")
		}
	}
	return nil
}
