// Package engine drives joint contrastive-divergence training of a
// detector and an energy model: one forward/backward/update cycle per
// batch, dual optimizers under a single shared loss scale, periodic
// validation and checkpointing, and plateau-based early termination.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/tsawler/go-ebm/checkpoint"
	"github.com/tsawler/go-ebm/comm"
	"github.com/tsawler/go-ebm/config"
	"github.com/tsawler/go-ebm/data"
	"github.com/tsawler/go-ebm/model"
	"github.com/tsawler/go-ebm/solver"
	"github.com/tsawler/go-ebm/track"
)

// devRunIterations is the hard stop for development runs, independent of
// max_iter and of the schedule policy.
const devRunIterations = 10

// Params wires a Trainer. Every field except Tracker and Checkpointer is
// required; IsPrimary gates external side effects (tracking, checkpoint
// writes) to one rank.
type Params struct {
	Config    *config.Config
	Logger    *slog.Logger
	Comm      comm.Communicator
	IsPrimary bool

	Detector model.Detector
	Energy   model.EnergyModel
	Builder  model.GraphBuilder
	Sampler  model.Sampler
	LossFunc model.LossFunc

	DetectorOptimizer *solver.SGD
	EnergyOptimizer   *solver.SGD
	DetectorScheduler solver.Scheduler
	EnergyScheduler   solver.Scheduler
	Scaler            *solver.GradScaler

	Checkpointer *checkpoint.Checkpointer
	Tracker      track.Tracker
	Validator    *Validator

	TrainLoader    data.Loader
	StartIteration int
}

// Trainer is the per-iteration control loop.
type Trainer struct {
	p         Params
	meters    *Meters
	iteration int
}

// NewTrainer validates the wiring and builds the trainer.
func NewTrainer(p Params) (*Trainer, error) {
	switch {
	case p.Config == nil:
		return nil, fmt.Errorf("trainer requires a config")
	case p.Logger == nil:
		return nil, fmt.Errorf("trainer requires a logger")
	case p.Comm == nil:
		return nil, fmt.Errorf("trainer requires a communicator")
	case p.Detector == nil || p.Energy == nil:
		return nil, fmt.Errorf("trainer requires both models")
	case p.Builder == nil || p.Sampler == nil || p.LossFunc == nil:
		return nil, fmt.Errorf("trainer requires builder, sampler and loss function")
	case p.DetectorOptimizer == nil || p.EnergyOptimizer == nil:
		return nil, fmt.Errorf("trainer requires both optimizers")
	case p.DetectorScheduler == nil || p.EnergyScheduler == nil:
		return nil, fmt.Errorf("trainer requires both schedulers")
	case p.Scaler == nil:
		return nil, fmt.Errorf("trainer requires the shared gradient scaler")
	case p.TrainLoader == nil:
		return nil, fmt.Errorf("trainer requires a training loader")
	}
	if p.Tracker == nil {
		p.Tracker = track.Noop{}
	}
	return &Trainer{p: p, meters: NewMeters("  ")}, nil
}

// Iteration returns the last completed iteration number.
func (t *Trainer) Iteration() int { return t.iteration }

// Train runs the loop until max_iter batches are consumed or an early
// termination fires. Anything that fails inside forward, backward or the
// optimizer step is fatal and propagates; only the empty-annotation data
// anomaly is absorbed.
func (t *Trainer) Train(ctx context.Context) error {
	cfg := t.p.Config
	logger := t.p.Logger

	maxIter := t.p.TrainLoader.Len()
	if cfg.Solver.MaxIter < maxIter {
		maxIter = cfg.Solver.MaxIter
	}

	if cfg.Solver.PreVal && t.p.Validator != nil {
		logger.Info("validate before training")
		if _, err := t.p.Validator.Run(ctx); err != nil {
			return err
		}
	}

	logger.Info("start training", "max_iter", maxIter, "start_iter", t.p.StartIteration)
	trainingStart := time.Now()
	end := time.Now()
	printFirstGrad := true

	for i := t.p.StartIteration; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := t.p.TrainLoader.Batch(i)
		if err != nil {
			return fmt.Errorf("failed to fetch batch %d: %v", i, err)
		}
		dataTime := time.Since(end).Seconds()
		iteration := i + 1
		t.iteration = iteration

		// Reportable, non-fatal: downstream must tolerate empty targets.
		if ids := batch.EmptyTargetIDs(); len(ids) > 0 {
			logger.Error("batch contains targets with no annotated entities",
				"iteration", iteration, "image_ids", ids)
		}

		// Mode enforcement. Train re-enables gradients everywhere, so the
		// pretrained submodules are re-frozen each iteration. They keep
		// training-time statistics; only their gradients are cut.
		t.p.Detector.Train()
		solver.FreezeModules(t.p.Detector, cfg.Model.FrozenModules)
		t.p.Energy.Train()

		taskLosses, detections, feats, err := t.p.Detector.Forward(batch)
		if err != nil {
			return fmt.Errorf("detector forward failed at iteration %d: %v", iteration, err)
		}

		// Outside the fully-detected-entity mode both graphs share the
		// detector's entity features; in sgdet the ground-truth builder
		// derives its own.
		gtFeats := feats
		if cfg.Mode == config.ModeSGDet {
			gtFeats = nil
		}

		gtCtx, gtSG, gtGeom, err := t.p.Builder.GroundTruthGraph(gtFeats, batch.Images, batch.Targets,
			t.p.Detector, cfg.Model.NumEntityClasses, cfg.Model.NumRelationClasses, cfg.Energy.NoiseVar)
		if err != nil {
			return fmt.Errorf("ground-truth graph construction failed at iteration %d: %v", iteration, err)
		}
		prCtx, prSG, prGeom, err := t.p.Builder.DetectionGraph(feats, batch.Images, detections,
			t.p.Detector, cfg.Model.NumEntityClasses, cfg.Mode, cfg.Energy.NoiseVar)
		if err != nil {
			return fmt.Errorf("prediction graph construction failed at iteration %d: %v", iteration, err)
		}

		// Markov-chain refinement of the predicted graph. The geometry is
		// detached and the chain runs without gradient tracking; only the
		// refined graph re-enters score computation.
		prSG, err = t.p.Sampler.Sample(t.p.Energy, prCtx, prSG, prGeom.Detach(), cfg.Mode, false)
		if err != nil {
			return fmt.Errorf("sampling failed at iteration %d: %v", iteration, err)
		}

		positive, err := t.p.Energy.Score(gtCtx, gtSG, gtGeom)
		if err != nil {
			return fmt.Errorf("positive energy failed at iteration %d: %v", iteration, err)
		}
		negative, err := t.p.Energy.Score(prCtx, prSG, prGeom)
		if err != nil {
			return fmt.Errorf("negative energy failed at iteration %d: %v", iteration, err)
		}

		energyLosses, err := t.p.LossFunc.Compute(cfg, positive, negative)
		if err != nil {
			return fmt.Errorf("loss computation failed at iteration %d: %v", iteration, err)
		}

		total := model.Add(taskLosses.Sum(), energyLosses.Sum())
		merged, err := model.MergeLossDicts(taskLosses, energyLosses)
		if err != nil {
			return err
		}

		if t.p.IsPrimary {
			scalars := merged.Values()
			scalars["positive_energy"] = positive.Mean()
			scalars["negative_energy"] = negative.Mean()
			t.p.Tracker.LogScalars(scalars)
		}

		// Cross-worker average of loss values, logging only.
		reduced, err := ReduceLossDict(ctx, t.p.Comm, merged)
		if err != nil {
			return err
		}
		samples := map[string]float64{}
		lossSum := 0.0
		for k, v := range reduced {
			samples[k] = v
			lossSum += v
		}
		samples["loss"] = lossSum
		t.meters.Update(samples)

		t.p.DetectorOptimizer.ZeroGrad()
		t.p.EnergyOptimizer.ZeroGrad()

		// One backward over the combined objective under the shared scale,
		// so both parameter sets see the same factor this step.
		total.Backward(t.p.Scaler.ScaleLoss(1))

		verbose := printFirstGrad
		if cfg.Solver.PrintGradFreq > 0 && iteration%cfg.Solver.PrintGradFreq == 0 {
			verbose = true
		}
		printFirstGrad = false

		t.p.Scaler.UnscaleGrads(t.p.EnergyOptimizer)
		t.p.Scaler.UnscaleGrads(t.p.DetectorOptimizer)
		solver.ClipGradNorm(model.TrainableParameters(t.p.Energy), cfg.Solver.GradNormClip, logger, verbose, true)
		solver.ClipGradNorm(model.TrainableParameters(t.p.Detector), cfg.Solver.GradNormClip, logger, verbose, true)

		skippedDet, err := t.p.Scaler.StepAndUnscale(t.p.DetectorOptimizer)
		if err != nil {
			return fmt.Errorf("detector optimizer step failed at iteration %d: %v", iteration, err)
		}
		skippedEnergy, err := t.p.Scaler.StepAndUnscale(t.p.EnergyOptimizer)
		if err != nil {
			return fmt.Errorf("energy optimizer step failed at iteration %d: %v", iteration, err)
		}
		t.p.Scaler.Update()
		if skippedDet || skippedEnergy {
			logger.Warn("gradient overflow, skipped optimizer step",
				"iteration", iteration, "scale", t.p.Scaler.Scale())
		}

		batchTime := time.Since(end).Seconds()
		end = time.Now()
		t.meters.Update(map[string]float64{"time": batchTime, "data": dataTime})

		if (cfg.Solver.PrintPeriod > 0 && iteration%cfg.Solver.PrintPeriod == 0) || iteration == maxIter {
			eta := time.Duration(t.meters.Get("time").GlobalAvg()*float64(maxIter-iteration)) * time.Second
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			logger.Info("progress",
				"eta", eta.String(),
				"iter", iteration,
				"meters", t.meters.String(),
				"energy_lr", t.p.EnergyOptimizer.LearningRate(),
				"base_lr", t.p.DetectorOptimizer.LearningRate(),
				"max_mem_mb", ms.Sys/1024/1024)
		}

		if t.p.Checkpointer != nil {
			if cfg.Solver.CheckpointPeriod > 0 && iteration%cfg.Solver.CheckpointPeriod == 0 {
				if err := t.p.Checkpointer.Save(fmt.Sprintf("model_%07d", iteration), iteration); err != nil {
					return err
				}
			}
			if iteration == maxIter {
				if err := t.p.Checkpointer.Save("model_final", iteration); err != nil {
					return err
				}
			}
		}

		// Nil when no validation ran this iteration; plateau schedulers
		// treat that as "no signal".
		var valResult *float64
		if cfg.Solver.ToVal && t.p.Validator != nil &&
			cfg.Solver.ValPeriod > 0 && iteration%cfg.Solver.ValPeriod == 0 {
			logger.Info("start validating", "iteration", iteration)
			v, err := t.p.Validator.Run(ctx)
			if err != nil {
				return err
			}
			valResult = &v
			logger.Info("validation result", "value", v)
		}

		// Schedulers step after the optimizer step so they observe
		// post-update state, and plateau schedules see the latest
		// validation result.
		t.p.DetectorScheduler.Step(valResult, iteration)
		t.p.EnergyScheduler.Step(valResult, iteration)

		if cfg.Solver.Schedule.Type == config.ScheduleWarmupPlateau {
			maxDecay := cfg.Solver.Schedule.MaxDecaySteps
			if stageCount(t.p.DetectorScheduler) >= maxDecay || stageCount(t.p.EnergyScheduler) >= maxDecay {
				logger.Info("max decay step reached, stopping early", "iteration", iteration)
				break
			}
		}

		if cfg.DevRun && iteration == devRunIterations {
			logger.Info("development run truncation", "iteration", iteration)
			break
		}
	}

	totalTime := time.Since(trainingStart)
	perIter := 0.0
	if t.iteration > t.p.StartIteration {
		perIter = totalTime.Seconds() / float64(t.iteration-t.p.StartIteration)
	}
	logger.Info("total training time", "duration", totalTime.String(), "sec_per_iter", perIter)
	return nil
}

func stageCount(s solver.Scheduler) int {
	if p, ok := s.(*solver.WarmupPlateau); ok {
		return p.StageCount()
	}
	return 0
}
