package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tsawler/go-ebm/comm"
	"github.com/tsawler/go-ebm/data"
	"github.com/tsawler/go-ebm/model"
)

// NoLocalResult is the sentinel a worker reports for a dataset it holds no
// examples of. Sentinels are dropped before averaging.
const NoLocalResult = -1.0

// Evaluator computes one scalar quality metric for a dataset, per process.
// The inference internals (matching, recall computation) are an external
// collaborator; the coordinator only contracts for a scalar, with
// NoLocalResult meaning "nothing evaluated here".
type Evaluator interface {
	Evaluate(ctx context.Context, det model.Detector, em model.EnergyModel, smp model.Sampler,
		builder model.GraphBuilder, loader data.Loader, withSample bool) (float64, error)
}

// Validator runs periodic evaluation across the named validation loaders
// and folds the per-worker, per-dataset scalars into the single feedback
// signal consumed by plateau schedulers.
type Validator struct {
	comm      comm.Communicator
	logger    *slog.Logger
	evaluator Evaluator
	loaders   []data.Loader

	detector model.Detector
	energy   model.EnergyModel
	sampler  model.Sampler
	builder  model.GraphBuilder
}

// NewValidator wires the validation coordinator.
func NewValidator(c comm.Communicator, logger *slog.Logger, evaluator Evaluator,
	loaders []data.Loader, det model.Detector, em model.EnergyModel,
	smp model.Sampler, builder model.GraphBuilder) *Validator {
	return &Validator{
		comm:      c,
		logger:    logger,
		evaluator: evaluator,
		loaders:   loaders,
		detector:  det,
		energy:    em,
		sampler:   smp,
		builder:   builder,
	}
}

// Run evaluates every dataset with sampling disabled, barriers after each
// pass, gathers the per-worker scalars, drops sentinel entries, and
// returns their mean. Every rank must call Run in lockstep; a rank
// skipping a round deadlocks the collective.
func (v *Validator) Run(ctx context.Context) (float64, error) {
	v.detector.Eval()
	v.energy.Eval()
	defer func() {
		// The trainer re-enters train mode (and re-freezes) at the top of
		// each iteration; restoring here keeps pre-training validation
		// harmless too.
		v.detector.Train()
		v.energy.Train()
	}()

	local := make([]float64, 0, len(v.loaders))
	for _, loader := range v.loaders {
		result, err := v.evaluator.Evaluate(ctx, v.detector, v.energy, v.sampler, v.builder, loader, false)
		if err != nil {
			return 0, fmt.Errorf("evaluating %s: %v", loader.Name(), err)
		}
		if err := v.comm.Barrier(ctx); err != nil {
			return 0, err
		}
		local = append(local, result)
	}

	gathered, err := v.comm.AllGather(ctx, local)
	if err != nil {
		return 0, err
	}

	avg, n := AverageValid(gathered)
	if n == 0 {
		v.logger.Warn("validation produced no valid results")
	}
	return avg, nil
}

// AverageValid drops sentinel (negative) entries from gathered per-worker
// scalars, representing workers with no local examples, and averages the
// rest. Returns the mean and the number of valid entries.
func AverageValid(gathered []float64) (float64, int) {
	sum := 0.0
	n := 0
	for _, r := range gathered {
		if r < 0 {
			continue
		}
		sum += r
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
