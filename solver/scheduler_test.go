package solver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-ebm/config"
	"github.com/tsawler/go-ebm/model"
)

func newTestOptimizer(baseLR float64) *SGD {
	p := model.NewParameter("w", []float32{0})
	return NewSGD([]*ParamGroup{{
		Params: []*model.Parameter{p},
		LR:     baseLR,
		BaseLR: baseLR,
	}}, 0)
}

func TestWarmupMultiStepMilestones(t *testing.T) {
	opt := newTestOptimizer(1.0)
	s, err := NewWarmupMultiStep(config.ScheduleConfig{
		Steps: []int{10, 20},
		Gamma: 0.1,
	}, opt)
	require.NoError(t, err)

	s.Step(nil, 5)
	assert.InDelta(t, 1.0, opt.LearningRate(), 1e-12)

	s.Step(nil, 10)
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-12)

	s.Step(nil, 25)
	assert.InDelta(t, 0.01, opt.LearningRate(), 1e-12)
}

func TestWarmupMultiStepWarmup(t *testing.T) {
	opt := newTestOptimizer(1.0)
	s, err := NewWarmupMultiStep(config.ScheduleConfig{
		Gamma:        0.1,
		WarmupIters:  10,
		WarmupFactor: 0.5,
	}, opt)
	require.NoError(t, err)

	s.Step(nil, 0)
	assert.InDelta(t, 0.5, opt.LearningRate(), 1e-12)

	s.Step(nil, 5)
	assert.InDelta(t, 0.75, opt.LearningRate(), 1e-12)

	s.Step(nil, 10)
	assert.InDelta(t, 1.0, opt.LearningRate(), 1e-12)
}

func TestWarmupMultiStepRejectsUnsortedSteps(t *testing.T) {
	_, err := NewWarmupMultiStep(config.ScheduleConfig{Steps: []int{20, 10}}, newTestOptimizer(1))
	assert.Error(t, err)
}

func plateauConfig(patience, cooldown int) config.ScheduleConfig {
	return config.ScheduleConfig{
		Type:      config.ScheduleWarmupPlateau,
		Factor:    0.1,
		Patience:  patience,
		Threshold: 1e-4,
		Cooldown:  cooldown,
	}
}

func TestPlateauDecayAndStageCount(t *testing.T) {
	opt := newTestOptimizer(1.0)
	s, err := NewWarmupPlateau(plateauConfig(1, 0), opt)
	require.NoError(t, err)

	metric := func(v float64) *float64 { return &v }

	s.Step(metric(0.5), 1) // initializes best
	assert.Equal(t, 0, s.StageCount())
	assert.InDelta(t, 1.0, opt.LearningRate(), 1e-12)

	s.Step(metric(0.5), 2) // bad round 1, within patience
	assert.Equal(t, 0, s.StageCount())

	s.Step(metric(0.5), 3) // bad round 2, exceeds patience: decay
	assert.Equal(t, 1, s.StageCount())
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-12)

	// Improvement resets the bad-round counter but decay is permanent.
	s.Step(metric(0.9), 4)
	assert.Equal(t, 1, s.StageCount())
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-12)
}

func TestPlateauNilMetricIsNoSignal(t *testing.T) {
	opt := newTestOptimizer(1.0)
	s, err := NewWarmupPlateau(plateauConfig(0, 0), opt)
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		s.Step(nil, i)
	}
	assert.Equal(t, 0, s.StageCount())
	assert.InDelta(t, 1.0, opt.LearningRate(), 1e-12)
}

func TestPlateauCooldown(t *testing.T) {
	opt := newTestOptimizer(1.0)
	s, err := NewWarmupPlateau(plateauConfig(0, 2), opt)
	require.NoError(t, err)

	metric := func(v float64) *float64 { return &v }

	s.Step(metric(0.5), 1)
	s.Step(metric(0.5), 2) // decay fires, cooldown starts
	require.Equal(t, 1, s.StageCount())

	s.Step(metric(0.5), 3) // cooldown
	s.Step(metric(0.5), 4) // cooldown
	assert.Equal(t, 1, s.StageCount())

	s.Step(metric(0.5), 5) // cooldown over, bad round triggers again
	assert.Equal(t, 2, s.StageCount())
}

func TestPlateauStateRoundTrip(t *testing.T) {
	opt := newTestOptimizer(1.0)
	s, err := NewWarmupPlateau(plateauConfig(0, 0), opt)
	require.NoError(t, err)

	metric := func(v float64) *float64 { return &v }
	s.Step(metric(0.5), 1)
	s.Step(metric(0.5), 2)
	require.Equal(t, 1, s.StageCount())

	state := s.State()

	opt2 := newTestOptimizer(1.0)
	s2, err := NewWarmupPlateau(plateauConfig(0, 0), opt2)
	require.NoError(t, err)
	require.NoError(t, s2.LoadState(state))

	assert.Equal(t, 1, s2.StageCount())
	s2.Step(nil, 3)
	assert.InDelta(t, 0.1, opt2.LearningRate(), 1e-12)
}

func TestMakeScheduler(t *testing.T) {
	cfg := config.Default()
	s, err := MakeScheduler(cfg, newTestOptimizer(1))
	require.NoError(t, err)
	_, ok := s.(*WarmupPlateau)
	assert.True(t, ok)

	cfg2 := config.Default()
	cfg2.Solver.Schedule.Type = config.ScheduleWarmupMultiStep
	s2, err := MakeScheduler(cfg2, newTestOptimizer(1))
	require.NoError(t, err)
	_, ok = s2.(*WarmupMultiStep)
	assert.True(t, ok)
}
