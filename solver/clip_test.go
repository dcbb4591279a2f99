package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-ebm/model"
)

func TestClipGradNormRescales(t *testing.T) {
	a := model.NewParameter("a", []float32{0, 0})
	a.Grad = []float32{3, 0}
	b := model.NewParameter("b", []float32{0, 0})
	b.Grad = []float32{0, 4}
	params := []*model.Parameter{a, b}

	norm := ClipGradNorm(params, 1.0, discardLogger(), false, true)
	assert.InDelta(t, 5.0, norm, 1e-6)

	clipped := math.Hypot(float64(a.Grad[0]), float64(b.Grad[1]))
	assert.InDelta(t, 1.0, clipped, 1e-4)
	// Direction is preserved.
	assert.InDelta(t, 3.0/5.0, float64(a.Grad[0]), 1e-4)
	assert.InDelta(t, 4.0/5.0, float64(b.Grad[1]), 1e-4)
}

func TestClipGradNormBelowThresholdUntouched(t *testing.T) {
	a := model.NewParameter("a", []float32{0})
	a.Grad = []float32{0.5}

	norm := ClipGradNorm([]*model.Parameter{a}, 5.0, discardLogger(), false, true)
	assert.InDelta(t, 0.5, norm, 1e-6)
	assert.InDelta(t, 0.5, float64(a.Grad[0]), 1e-6)
}

func TestClipGradNormSkipsFrozen(t *testing.T) {
	a := model.NewParameter("a", []float32{0})
	a.Grad = []float32{100}
	a.SetRequiresGrad(false)
	b := model.NewParameter("b", []float32{0})
	b.Grad = []float32{1}

	norm := ClipGradNorm([]*model.Parameter{a, b}, 10.0, discardLogger(), false, true)
	assert.InDelta(t, 1.0, norm, 1e-6)
	assert.InDelta(t, 100.0, float64(a.Grad[0]), 1e-6)
}

func TestClipGradNormMeasureOnly(t *testing.T) {
	a := model.NewParameter("a", []float32{0})
	a.Grad = []float32{10}

	norm := ClipGradNorm([]*model.Parameter{a}, 1.0, discardLogger(), true, false)
	assert.InDelta(t, 10.0, norm, 1e-6)
	assert.InDelta(t, 10.0, float64(a.Grad[0]), 1e-6)
}

func TestFreezeModulesSurvivesTrainToggling(t *testing.T) {
	det := model.NewLinearDetector(5, 4)
	frozen := []string{"backbone", "rpn", "roi_heads.box"}

	// Train re-enables every gradient, so the freeze must hold after
	// arbitrarily many mode toggles as long as it is re-applied.
	for i := 0; i < 3; i++ {
		det.Train()
		det.Eval()
		det.Train()
		FreezeModules(det, frozen)

		for _, name := range frozen {
			sub, ok := det.Submodules()[name]
			require.True(t, ok, "submodule %s", name)
			assert.Zero(t, model.NumTrainable(sub), "submodule %s", name)
		}
		assert.Positive(t, model.NumTrainable(det))
	}
}

func TestFreezeModulesIgnoresUnknownNames(t *testing.T) {
	det := model.NewLinearDetector(5, 4)
	det.Train()
	before := model.NumTrainable(det)
	FreezeModules(det, []string{"nonexistent.module"})
	assert.Equal(t, before, model.NumTrainable(det))
}

func TestFreezeModulesKeepsTrainingStats(t *testing.T) {
	det := model.NewLinearDetector(5, 4)
	det.Train()
	FreezeModules(det, []string{"backbone"})
	assert.True(t, det.UsesTrainingStats())
	sub := det.Submodules()["backbone"]
	require.NotNil(t, sub)
	assert.True(t, sub.UsesTrainingStats())
}
