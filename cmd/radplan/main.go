package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"

	"radplan/internal/models"
	"radplan/pkg/config"
	"radplan/pkg/controller"
	"radplan/pkg/dvh"
	"radplan/pkg/render"
)

func main() {
	casePath := flag.String("case", "", "Path to the YAML case file (phantom, structures, beams, prescription)")
	configPath := flag.String("config", "", "Path to the engine configuration file")
	outputDir := flag.String("output", "", "Output directory (overrides output.directory)")
	timeout := flag.Duration("timeout", 0, "Wall-clock budget for the run (0 = unlimited)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *casePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	if *outputDir != "" {
		cfg.Output.Directory = *outputDir
	}

	c, err := models.LoadCase(*casePath)
	if err != nil {
		log.Fatalf("failed to load case: %v", err)
	}
	ct, err := c.BuildCT()
	if err != nil {
		log.Fatalf("failed to build phantom CT: %v", err)
	}
	structures, err := c.BuildStructures(ct.Grid)
	if err != nil {
		log.Fatalf("failed to build structure set: %v", err)
	}
	plan, err := c.BuildPlan()
	if err != nil {
		log.Fatalf("invalid plan: %v", err)
	}

	ctrl, err := controller.New(cfg, log)
	if err != nil {
		log.Fatalf("failed to initialize controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	log.WithFields(logrus.Fields{
		"case":      c.Name,
		"algorithm": ctrl.Engine().Algorithm(),
		"beams":     len(plan.Beams),
	}).Info("starting planning run")

	start := time.Now()
	res, err := ctrl.Run(ctx, controller.Inputs{Plan: plan, CT: ct, Structures: structures})
	if err != nil {
		log.Fatalf("planning run failed: %v", err)
	}
	log.WithFields(logrus.Fields{
		"status":  res.Status,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("planning run finished")

	for _, w := range res.Warnings {
		log.Warn(w)
	}
	if res.Indices != nil {
		log.WithFields(logrus.Fields{
			"paddick_ci": res.Indices.PaddickCI,
			"hi":         res.Indices.HI,
			"gi":         res.Indices.GI,
		}).Info("plan quality indices")
	}

	if err := controller.SaveBundle(cfg.Output.Directory, res, structures); err != nil {
		log.Fatalf("failed to save plan bundle: %v", err)
	}
	log.Infof("plan bundle saved to %s", cfg.Output.Directory)

	if cfg.Output.DVHPlot && len(res.DVHs) > 0 {
		plotPath := filepath.Join(cfg.Output.Directory, "dvh.png")
		if err := dvh.SavePlot(res.DVHs, plotPath); err != nil {
			log.Warnf("failed to render DVH plot: %v", err)
		} else {
			log.Infof("DVH plot saved to %s", plotPath)
		}
	}

	if cfg.Output.SaveDoseSlices && res.Dose != nil {
		renderer := render.NewRenderer(res.Dose)
		for _, axis := range []string{"x", "y", "z"} {
			dir := filepath.Join(cfg.Output.Directory, "slices", axis)
			if err := renderer.SaveSliceSequence(axis, dir); err != nil {
				log.Warnf("failed to save %s-axis dose slices: %v", axis, err)
			}
		}
	}
}
