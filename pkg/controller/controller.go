// Package controller drives the end-to-end planning pipeline: it prepares
// the inputs, runs the dose engine and the optimizer, evaluates the plan,
// and emits the results with their persistence bundle.
package controller

import (
	"context"

	"github.com/sirupsen/logrus"

	"radplan/pkg/biology"
	"radplan/pkg/config"
	"radplan/pkg/dvh"
	"radplan/pkg/engine"
	"radplan/pkg/metrics"
	"radplan/pkg/model"
	"radplan/pkg/objective"
	"radplan/pkg/optimize"
)

// Status reports how a run ended.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// Inputs are the external collaborator products the pipeline consumes.
type Inputs struct {
	Plan       *model.Plan
	CT         *model.HUVolume
	Structures *model.StructureSet
}

// Result is the full outcome of a planning run.
type Result struct {
	Plan         *model.Plan
	Dose         *model.Volume
	Weights      []float64
	Optimization *optimize.Result
	DVHs         []*dvh.DVH
	Indices      *metrics.Indices
	Biology      []biology.Report
	Status       Status
	Warnings     []string
}

// Outcome pairs a result with its terminal error for the async channel.
type Outcome struct {
	Result *Result
	Err    error
}

// Controller wires the engine and optimizer behind one entry point.
type Controller struct {
	cfg    *config.Config
	engine *engine.Engine
	log    *logrus.Logger
}

// New builds a controller; configuration problems surface here, before
// any computation starts.
func New(cfg *config.Config, log *logrus.Logger) (*Controller, error) {
	if log == nil {
		log = logrus.New()
	}
	eng, err := engine.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg, engine: eng, log: log}, nil
}

// Engine exposes the dose engine for callers that need direct access.
func (c *Controller) Engine() *engine.Engine {
	return c.engine
}

// RunAsync executes the pipeline in its own goroutine and delivers the
// outcome on the returned channel.
func (c *Controller) RunAsync(ctx context.Context, in Inputs) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		res, err := c.Run(ctx, in)
		out <- Outcome{Result: res, Err: err}
		close(out)
	}()
	return out
}

// Run executes the pipeline: optimize weights when the plan carries
// objectives, compute and normalize the dose grid, then reduce it to
// DVHs, plan indices and biological metrics. Cancellation and deadline
// expiry return the most recent consistent state with StatusPartial.
func (c *Controller) Run(ctx context.Context, in Inputs) (*Result, error) {
	if err := c.validate(in); err != nil {
		return nil, err
	}
	plan := in.Plan
	res := &Result{Plan: plan, Status: StatusComplete}

	if len(plan.Weights) == 0 {
		plan.InitWeights()
	}

	// Weight optimization runs only when there is something to trade off.
	if len(plan.Objectives) > 0 && plan.TotalControlPoints() > 1 {
		partial, err := c.optimizeWeights(ctx, in, res)
		if err != nil {
			return nil, err
		}
		if partial {
			res.Status = StatusPartial
		}
	}

	doseRes, err := c.engine.ComputeDose(ctx, plan, in.CT, in.Structures)
	if err != nil {
		if doseRes != nil && doseRes.Partial {
			c.log.WithField("beams_completed", doseRes.BeamsCompleted).Warn("returning partial dose grid")
			res.Dose = doseRes.Dose
			res.Status = StatusPartial
			res.Warnings = append(res.Warnings, doseRes.Warnings...)
			res.Weights = plan.Weights
			return res, nil
		}
		return nil, err
	}
	res.Dose = doseRes.Dose
	res.Weights = plan.Weights
	res.Warnings = append(res.Warnings, doseRes.Warnings...)

	if err := c.evaluate(in, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Controller) validate(in Inputs) error {
	if in.Plan == nil || in.CT == nil {
		return model.NewError(model.KindConfigError, "plan and CT inputs are required")
	}
	if err := in.CT.Grid.Validate(); err != nil {
		return model.WithContext(err, "ct", -1)
	}
	if in.Structures != nil && !in.CT.Grid.Same(in.Structures.Grid()) {
		return model.NewError(model.KindInvalidGeometry, "CT and structure set grids disagree on shape or spacing")
	}
	return in.Plan.Validate()
}

// optimizeWeights computes the per-control-point dose fields once and
// minimizes the composite objective over them. It reports whether the
// search was interrupted.
func (c *Controller) optimizeWeights(ctx context.Context, in Inputs, res *Result) (bool, error) {
	fields, err := c.engine.ComputeControlPointDoses(ctx, in.Plan, in.CT)
	if err != nil {
		return false, err
	}

	// The first evaluator records missing-structure warnings once; the
	// factory then hands each optimizer worker its own instance.
	primary, err := objective.NewEvaluator(in.Plan, in.Structures, c.log)
	if err != nil {
		return false, err
	}
	res.Warnings = append(res.Warnings, primary.Warnings()...)

	quiet := logrus.New()
	quiet.SetLevel(logrus.ErrorLevel)
	factory := func() (optimize.Oracle, error) {
		ev, err := objective.NewEvaluator(in.Plan, in.Structures, quiet)
		if err != nil {
			return nil, err
		}
		return func(w []float64) (float64, error) {
			return ev.EvaluateWeighted(fields, w)
		}, nil
	}

	opt, err := optimize.New(c.cfg, c.log)
	if err != nil {
		return false, err
	}
	c.log.WithFields(logrus.Fields{
		"optimizer":      opt.Name(),
		"control_points": len(fields),
		"objectives":     len(in.Plan.Objectives),
	}).Info("optimizing beam weights")

	optRes, err := opt.Optimize(ctx, len(fields), factory)
	if err != nil {
		if optRes != nil && optRes.Partial {
			c.log.Warn("optimization interrupted, keeping best weights so far")
			in.Plan.Weights = optRes.Weights
			res.Optimization = optRes
			return true, nil
		}
		return false, model.WithContext(err, "optimizer", -1)
	}
	if !optRes.Converged {
		res.Warnings = append(res.Warnings, "optimizer exhausted max_iterations without reaching the convergence threshold")
	}
	in.Plan.Weights = optRes.Weights
	res.Optimization = optRes
	return false, nil
}

// evaluate reduces the dose grid to DVHs, plan indices and biological
// metrics for every structure with a mask.
func (c *Controller) evaluate(in Inputs, res *Result) error {
	if in.Structures == nil || in.Structures.Len() == 0 {
		res.Warnings = append(res.Warnings, "no structures available, skipping DVH and metric evaluation")
		return nil
	}
	for _, name := range in.Structures.Names() {
		s := in.Structures.Get(name)
		h, err := dvh.Build(s, res.Dose)
		if err != nil {
			if model.IsKind(err, model.KindMissingStructure) {
				c.log.WithField("structure", name).Warn("empty mask, skipping DVH")
				continue
			}
			return model.WithContext(err, "dvh", -1)
		}
		res.DVHs = append(res.DVHs, h)
	}

	target := in.Structures.PrimaryTarget()
	if target != nil {
		idx, err := metrics.Compute(res.Dose, target, in.Plan.PrescribedDose)
		if err != nil {
			return model.WithContext(err, "metrics", -1)
		}
		res.Indices = idx
	} else {
		res.Warnings = append(res.Warnings, "no target structure, skipping conformity and homogeneity indices")
	}

	res.Biology = biology.Evaluate(res.Dose, in.Structures, in.Plan.PrescribedDose, in.Plan.Fractions, nil, nil)
	return nil
}
