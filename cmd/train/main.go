// Command train runs joint contrastive-divergence training of the
// detector / energy-model pair. It wires the reference collaborators to
// the training engine; embedding applications swap in real models through
// the same interfaces.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-ebm/checkpoint"
	"github.com/tsawler/go-ebm/comm"
	"github.com/tsawler/go-ebm/config"
	"github.com/tsawler/go-ebm/data"
	"github.com/tsawler/go-ebm/engine"
	"github.com/tsawler/go-ebm/model"
	"github.com/tsawler/go-ebm/solver"
	"github.com/tsawler/go-ebm/track"
)

var (
	configFile string
	skipTest   bool
	localRank  int
	jobID      int
)

func main() {
	root := &cobra.Command{
		Use:   "train [overrides...]",
		Short: "joint detector / energy-model training",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(args)
		},
	}
	root.Flags().StringVar(&configFile, "config-file", "", "path to config file")
	root.Flags().BoolVar(&skipTest, "skip-test", false, "do not test the final model")
	root.Flags().IntVar(&localRank, "local-rank", 0, "device index for this worker")
	root.Flags().IntVar(&jobID, "job-id", 0, "scheduler job id used to tag run tracking")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(overrides []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	communicator, err := comm.FromEnv()
	if err != nil {
		return err
	}
	if err := communicator.Barrier(ctx); err != nil {
		return err
	}
	isPrimary := communicator.Rank() == 0

	cfg, err := config.Load(configFile, overrides)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %v", err)
	}

	logger, err := setupLogger(cfg.OutputDir, communicator.Rank(), isPrimary)
	if err != nil {
		return err
	}
	logger.Info("starting", "world_size", communicator.WorldSize(), "local_rank", localRank, "job_id", jobID)

	if isPrimary {
		if err := cfg.Save(filepath.Join(cfg.OutputDir, "config.yml")); err != nil {
			return err
		}
	}

	// Models and collaborators. Reference implementations; real ones plug
	// in through the model package interfaces.
	detector := model.NewLinearDetector(cfg.Model.NumEntityClasses, cfg.Model.NumRelationClasses)
	energy := model.NewBilinearEnergy()
	builder := model.NewBoxBuilder(42)
	sampler := model.IdentitySampler{}
	lossFn := model.SoftplusContrastiveLoss{}

	// Dual optimization: independent optimizer/scheduler pairs, shared
	// loss-scale state.
	rlFactor := float64(cfg.Solver.ImagesPerBatch)
	detOpt := solver.MakeOptimizer(cfg, detector, logger, cfg.Model.SlowHeads, cfg.Model.SlowRatio, rlFactor)
	energyOpt := solver.MakeOptimizer(cfg, energy, logger, nil, cfg.Model.SlowRatio, rlFactor)

	detSched, err := solver.MakeScheduler(cfg, detOpt)
	if err != nil {
		return err
	}
	energySched, err := solver.MakeScheduler(cfg, energyOpt)
	if err != nil {
		return err
	}

	scaler, err := solver.NewGradScaler(cfg.DType, 2)
	if err != nil {
		return err
	}

	ck := checkpoint.New(cfg.OutputDir, isPrimary, logger, detector, energy, energyOpt, energySched)

	startIter := 0
	switch {
	case ck.HasCheckpoint():
		startIter, err = ck.Load("", checkpoint.LoadOptions{WithOptim: true})
		if err != nil {
			return err
		}
	case cfg.Model.PretrainedDetectorCkpt != "":
		if _, err := ck.Load(cfg.Model.PretrainedDetectorCkpt, checkpoint.LoadOptions{DetectorOnly: true}); err != nil {
			return err
		}
	}

	trainLoader := data.Synthetic("train", cfg.Solver.MaxIter, cfg.Solver.ImagesPerBatch,
		cfg.Model.NumEntityClasses, cfg.Model.NumRelationClasses, 1, 1)
	valLoaders := makeLoaders(cfg.Datasets.Val, cfg, 2)
	testLoaders := makeLoaders(cfg.Datasets.Test, cfg, 3)

	evaluator := &engine.EnergyGapEvaluator{
		Mode:               cfg.Mode,
		NumEntityClasses:   cfg.Model.NumEntityClasses,
		NumRelationClasses: cfg.Model.NumRelationClasses,
	}
	validator := engine.NewValidator(communicator, logger, evaluator, valLoaders,
		detector, energy, sampler, builder)

	var tracker track.Tracker = track.Noop{}
	if isPrimary && !cfg.DevRun && !cfg.Tracking.Mute && cfg.Tracking.URL != "" {
		it := track.NewInflux(cfg.Tracking, jobID, logger)
		defer it.Close()
		logger.Info("run tracking enabled", "run_id", it.RunID())
		tracker = it
	}

	trainer, err := engine.NewTrainer(engine.Params{
		Config:            cfg,
		Logger:            logger,
		Comm:              communicator,
		IsPrimary:         isPrimary,
		Detector:          detector,
		Energy:            energy,
		Builder:           builder,
		Sampler:           sampler,
		LossFunc:          lossFn,
		DetectorOptimizer: detOpt,
		EnergyOptimizer:   energyOpt,
		DetectorScheduler: detSched,
		EnergyScheduler:   energySched,
		Scaler:            scaler,
		Checkpointer:      ck,
		Tracker:           tracker,
		Validator:         validator,
		TrainLoader:       trainLoader,
		StartIteration:    startIter,
	})
	if err != nil {
		return err
	}

	if err := trainer.Train(ctx); err != nil {
		return err
	}

	if skipTest {
		return nil
	}
	for _, loader := range testLoaders {
		result, err := evaluator.Evaluate(ctx, detector, energy, sampler, builder, loader, false)
		if err != nil {
			return fmt.Errorf("testing %s: %v", loader.Name(), err)
		}
		if err := communicator.Barrier(ctx); err != nil {
			return err
		}
		logger.Info("test result", "dataset", loader.Name(), "value", result)
	}
	return nil
}

func makeLoaders(names []string, cfg *config.Config, seed int64) []data.Loader {
	loaders := make([]data.Loader, 0, len(names))
	for i, name := range names {
		loaders = append(loaders, data.Synthetic(name, 4, cfg.Solver.ImagesPerBatch,
			cfg.Model.NumEntityClasses, cfg.Model.NumRelationClasses, 1, seed+int64(i)))
	}
	return loaders
}

func setupLogger(outputDir string, rank int, isPrimary bool) (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if isPrimary {
		f, err := os.OpenFile(filepath.Join(outputDir, "train.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("rank", rank), nil
}
