package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-ebm/comm"
	"github.com/tsawler/go-ebm/data"
	"github.com/tsawler/go-ebm/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedEvaluator returns one canned scalar per dataset name.
type fixedEvaluator struct {
	results map[string]float64
	calls   int
}

func (f *fixedEvaluator) Evaluate(_ context.Context, _ model.Detector, _ model.EnergyModel,
	_ model.Sampler, _ model.GraphBuilder, loader data.Loader, _ bool) (float64, error) {
	f.calls++
	return f.results[loader.Name()], nil
}

func TestAverageValidDropsSentinels(t *testing.T) {
	avg, n := AverageValid([]float64{-1, 0.4, -1, 0.8})
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.6, avg, 1e-9)
}

func TestAverageValidAllSentinels(t *testing.T) {
	avg, n := AverageValid([]float64{-1, -1})
	assert.Zero(t, n)
	assert.Zero(t, avg)
}

func TestAverageValidEmpty(t *testing.T) {
	avg, n := AverageValid(nil)
	assert.Zero(t, n)
	assert.Zero(t, avg)
}

func TestValidatorRunAveragesDatasets(t *testing.T) {
	det := model.NewLinearDetector(5, 4)
	energy := model.NewBilinearEnergy()
	loaders := []data.Loader{
		data.Synthetic("val_a", 1, 1, 5, 4, 2, 1),
		data.Synthetic("val_b", 1, 1, 5, 4, 2, 2),
	}
	eval := &fixedEvaluator{results: map[string]float64{"val_a": 0.2, "val_b": 0.6}}
	v := NewValidator(comm.Local{}, discardLogger(), eval, loaders,
		det, energy, model.IdentitySampler{}, model.NewBoxBuilder(1))

	result, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.4, result, 1e-9)
	assert.Equal(t, 2, eval.calls)
}

func TestValidatorRunRestoresTrainMode(t *testing.T) {
	det := model.NewLinearDetector(5, 4)
	energy := model.NewBilinearEnergy()
	det.Train()
	energy.Train()

	eval := &fixedEvaluator{results: map[string]float64{}}
	v := NewValidator(comm.Local{}, discardLogger(), eval,
		[]data.Loader{data.Synthetic("val", 1, 1, 5, 4, 2, 1)},
		det, energy, model.IdentitySampler{}, model.NewBoxBuilder(1))

	_, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, det.IsTraining())
	assert.True(t, energy.IsTraining())
}

func TestEnergyGapEvaluatorDeterministic(t *testing.T) {
	det := model.NewLinearDetector(5, 4)
	energy := model.NewBilinearEnergy()
	det.Eval()
	energy.Eval()
	builder := model.NewBoxBuilder(1)
	loader := data.Synthetic("val", 3, 2, 5, 4, 2, 7)

	e := &EnergyGapEvaluator{Mode: "sgdet", NumEntityClasses: 5, NumRelationClasses: 4}
	first, err := e.Evaluate(context.Background(), det, energy, model.IdentitySampler{}, builder, loader, false)
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), det, energy, model.IdentitySampler{}, builder, loader, false)
	require.NoError(t, err)

	assert.InDelta(t, first, second, 1e-12)
	assert.GreaterOrEqual(t, first, 0.0)
	assert.LessOrEqual(t, first, 1.0)
}

func TestEnergyGapEvaluatorSentinelOnEmptyLoader(t *testing.T) {
	det := model.NewLinearDetector(5, 4)
	energy := model.NewBilinearEnergy()
	e := &EnergyGapEvaluator{Mode: "sgdet", NumEntityClasses: 5, NumRelationClasses: 4}

	result, err := e.Evaluate(context.Background(), det, energy, model.IdentitySampler{},
		model.NewBoxBuilder(1), data.NewSliceLoader("empty", nil), false)
	require.NoError(t, err)
	assert.Equal(t, NoLocalResult, result)
}

func TestReduceLossDictSingleWorkerPassthrough(t *testing.T) {
	losses := model.LossDict{
		"loss_energy": model.NewScalar(0.5),
		"loss_obj":    model.NewScalar(1.5),
	}
	reduced, err := ReduceLossDict(context.Background(), comm.Local{}, losses)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, reduced["loss_energy"], 1e-9)
	assert.InDelta(t, 1.5, reduced["loss_obj"], 1e-9)
}
